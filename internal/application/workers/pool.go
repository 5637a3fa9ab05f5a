package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/dagrun/pkg/ports"
)

var (
	// ErrPoolClosed is returned when submitting to a pool that is shut down
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrPoolNotStarted is returned when submitting before Start
	ErrPoolNotStarted = errors.New("worker pool is not started")
)

// Task is a unit of work executed by the pool
type Task func(ctx context.Context) error

// FailureHook is called when a task returns an error
type FailureHook func(taskID string, err error)

type job struct {
	handle *Handle
	task   Task
}

// Pool manages a pool of worker goroutines
type Pool struct {
	size    int
	metrics ports.MetricsCollector
	logger  *zap.Logger
	health  *HealthMonitor

	jobs       chan *job
	quit       chan struct{}
	onFailure  FailureHook
	submitting sync.WaitGroup

	workers []*worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.RWMutex
	started bool
	closed  bool
}

// worker represents a single worker goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool with size workers and a queue of queueSize pending tasks
func NewPool(
	size int,
	queueSize int,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	healthCheckInterval time.Duration,
) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		size:    size,
		metrics: metrics,
		logger:  logger,
		jobs:    make(chan *job, queueSize),
		quit:    make(chan struct{}),
		workers: make([]*worker, size),
		ctx:     ctx,
		cancel:  cancel,
	}

	pool.health = NewHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// OnFailure sets the hook called for failed tasks. Call it before Start.
func (p *Pool) OnFailure(hook FailureHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFailure = hook
}

// Start starts the worker pool
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.started {
		return nil
	}
	p.started = true

	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	for i := 0; i < p.size; i++ {
		w := &worker{
			id:      fmt.Sprintf("worker-%d", i),
			pool:    p,
			status:  WorkerStatusIdle,
			lastJob: time.Now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run()
	}

	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Submit queues task and returns its handle. It blocks while the queue is
// full, until ctx is done or the pool shuts down.
func (p *Pool) Submit(ctx context.Context, id string, task Task) (*Handle, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	if !p.started {
		p.mu.RUnlock()
		return nil, ErrPoolNotStarted
	}
	p.submitting.Add(1)
	p.mu.RUnlock()
	defer p.submitting.Done()

	j := &job{handle: newHandle(id), task: task}

	select {
	case p.jobs <- j:
		if p.metrics != nil {
			p.metrics.SetQueueDepth("runs", len(p.jobs))
		}
		return j.handle, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.quit:
		return nil, ErrPoolClosed
	}
}

// Shutdown stops accepting tasks and waits for in-flight tasks to finish.
// When ctx expires first the task context is cancelled. Queued tasks that
// never started finish with ErrPoolClosed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()

	p.logger.Info("shutting down worker pool")

	p.health.Stop()
	p.submitting.Wait()

	// Wait for all workers to finish with timeout
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
		err = fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
	p.cancel()

	p.drain()

	p.logger.Info("worker pool shut down complete")
	return err
}

// drain finishes queued tasks that will never run
func (p *Pool) drain() {
	for {
		select {
		case j := <-p.jobs:
			j.handle.finish(ErrPoolClosed)
		default:
			return
		}
	}
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := make(map[string]WorkerStatus)
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// QueueDepth returns the number of tasks waiting for a worker
func (p *Pool) QueueDepth() int {
	return len(p.jobs)
}

// run is the main worker loop
func (w *worker) run() {
	defer w.pool.wg.Done()

	w.pool.logger.Debug("worker started", zap.String("worker_id", w.id))

	for {
		select {
		case <-w.pool.quit:
			w.setStatus(WorkerStatusStopped)
			w.pool.logger.Debug("worker stopped", zap.String("worker_id", w.id))
			return
		case j := <-w.pool.jobs:
			w.handle(j)
		}
	}
}

// handle executes one task
func (w *worker) handle(j *job) {
	w.mu.Lock()
	w.status = WorkerStatusBusy
	w.lastJob = time.Now()
	w.mu.Unlock()

	defer w.setStatus(WorkerStatusIdle)

	startTime := time.Now()
	err := w.execute(j.task)
	j.handle.finish(err)

	if err != nil {
		w.pool.logger.Error("task failed",
			zap.String("worker_id", w.id),
			zap.String("task_id", j.handle.ID),
			zap.Duration("duration", time.Since(startTime)),
			zap.Error(err))

		w.pool.mu.RLock()
		hook := w.pool.onFailure
		w.pool.mu.RUnlock()
		if hook != nil {
			hook(j.handle.ID, err)
		}
		return
	}

	w.pool.logger.Debug("task completed",
		zap.String("worker_id", w.id),
		zap.String("task_id", j.handle.ID),
		zap.Duration("duration", time.Since(startTime)))
}

func (w *worker) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(w.pool.ctx)
}

func (w *worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

// Health returns the pool's health monitor
func (p *Pool) Health() *HealthMonitor {
	return p.health
}
