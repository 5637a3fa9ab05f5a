package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aescanero/dagrun/pkg/domain"
)

// ErrAlreadyStarted is returned when Run is called more than once
var ErrAlreadyStarted = errors.New("scheduler already started")

// Options configure a Scheduler
type Options struct {
	// Concurrency is the maximum number of steps in flight; values below 1 mean 1
	Concurrency int
}

// Callbacks are invoked as steps move through the scheduler. Only RunStep is required.
// OnStart runs before RunStep; OnComplete or OnError run before the step's slot is released.
type Callbacks struct {
	OnStart    func(step domain.StepDef)
	RunStep    func(ctx context.Context, step domain.StepDef) error
	OnComplete func(step domain.StepDef)
	OnError    func(step domain.StepDef, err error)
}

// Scheduler runs one set of steps once
type Scheduler struct {
	steps       []domain.StepDef
	concurrency int
	logger      *zap.Logger

	mu         sync.Mutex
	started    bool
	halted     bool
	settled    bool
	running    int
	dispatched int
	ready      []string
	inDegree   map[string]int
	dependents map[string][]string
	byID       map[string]domain.StepDef
	order      map[string]int

	firstErr      error
	firstErrOrder int

	done chan struct{}
}

// New creates a scheduler for steps. Dependencies that name steps outside
// the set are treated as already satisfied.
func New(steps []domain.StepDef, opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	return &Scheduler{
		steps:       steps,
		concurrency: concurrency,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Run dispatches steps until none is in flight and none is ready, then
// returns the error of the earliest-dispatched failed step, if any.
// Cancelling ctx halts dispatch; RunStep receives ctx.
func (s *Scheduler) Run(ctx context.Context, cb Callbacks) error {
	if cb.RunStep == nil {
		return errors.New("scheduler: RunStep callback is required")
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.build()
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.Halt)
	defer stop()

	s.fill(ctx, cb)
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Halt stops dispatching new steps. Steps already in flight run to completion
// and their results are reported, but they no longer release dependents.
func (s *Scheduler) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted {
		return
	}
	s.halted = true
	s.logger.Debug("scheduler halted",
		zap.Int("running", s.running),
		zap.Int("ready", len(s.ready)))

	if s.started {
		s.settleLocked()
	}
}

// Halted reports whether Halt was called
func (s *Scheduler) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Done is closed once the scheduler has settled
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// build computes in-degrees and the reverse adjacency map
func (s *Scheduler) build() {
	s.byID = make(map[string]domain.StepDef, len(s.steps))
	for _, step := range s.steps {
		s.byID[step.ID] = step
	}

	s.inDegree = make(map[string]int, len(s.steps))
	s.dependents = make(map[string][]string, len(s.steps))
	s.order = make(map[string]int, len(s.steps))
	for _, step := range s.steps {
		degree := 0
		for _, dep := range step.DependsOn {
			if _, ok := s.byID[dep]; !ok {
				continue
			}
			degree++
			s.dependents[dep] = append(s.dependents[dep], step.ID)
		}
		s.inDegree[step.ID] = degree
	}

	for _, step := range s.steps {
		if s.inDegree[step.ID] == 0 {
			s.ready = append(s.ready, step.ID)
		}
	}
}

// fill starts ready steps until capacity is exhausted
func (s *Scheduler) fill(ctx context.Context, cb Callbacks) {
	for {
		s.mu.Lock()
		if s.halted || s.running >= s.concurrency || len(s.ready) == 0 {
			s.settleLocked()
			s.mu.Unlock()
			return
		}

		id := s.ready[0]
		s.ready = s.ready[1:]
		step := s.byID[id]
		s.running++
		s.order[id] = s.dispatched
		s.dispatched++
		s.mu.Unlock()

		s.logger.Debug("dispatching step", zap.String("step_id", id))

		if cb.OnStart != nil {
			cb.OnStart(step)
		}
		go s.execute(ctx, cb, step)
	}
}

// execute runs one step and releases its slot
func (s *Scheduler) execute(ctx context.Context, cb Callbacks, step domain.StepDef) {
	err := runStep(ctx, cb, step)
	if err != nil {
		if cb.OnError != nil {
			cb.OnError(step, err)
		}
	} else if cb.OnComplete != nil {
		cb.OnComplete(step)
	}

	s.mu.Lock()
	s.running--
	if err != nil {
		order := s.order[step.ID]
		if s.firstErr == nil || order < s.firstErrOrder {
			s.firstErr = err
			s.firstErrOrder = order
		}
	} else if !s.halted {
		for _, dependent := range s.dependents[step.ID] {
			s.inDegree[dependent]--
			if s.inDegree[dependent] == 0 {
				s.ready = append(s.ready, dependent)
			}
		}
	}
	s.mu.Unlock()

	s.fill(ctx, cb)
}

// settleLocked closes done once nothing is running and nothing more will start
func (s *Scheduler) settleLocked() {
	if s.settled || s.running > 0 {
		return
	}
	if s.halted || len(s.ready) == 0 {
		s.settled = true
		close(s.done)
	}
}

func runStep(ctx context.Context, cb Callbacks, step domain.StepDef) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", step.ID, r)
		}
	}()
	return cb.RunStep(ctx, step)
}
