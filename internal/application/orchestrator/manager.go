package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aescanero/dagrun/internal/application/invoker"
	"github.com/aescanero/dagrun/internal/application/scheduler"
	"github.com/aescanero/dagrun/internal/application/workers"
	"github.com/aescanero/dagrun/pkg/adapters/metrics/noop"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

// EventsTopic is the event bus topic instance events are published on
const EventsTopic = "instance.events"

// ErrManagerClosed is returned by operations that would start a run after Shutdown
var ErrManagerClosed = errors.New("orchestrator manager is shut down")

// Config holds the defaults applied to new instances
type Config struct {
	DefaultConcurrency int
	StepTimeout        time.Duration
	PauseOnError       bool
	DefaultRetry       domain.RetryPolicy
}

// Dependencies are the collaborators of a Manager. Store, Tools and Pool are required.
type Dependencies struct {
	Store    ports.Store
	Plans    ports.PlanProvider
	Tools    ports.ToolRegistry
	EventBus ports.EventBus
	Metrics  ports.MetricsCollector
	Archiver ports.Archiver
	Pool     *workers.Pool
	Invoker  *invoker.Invoker
	Logger   *zap.Logger
}

// Manager drives plan instances through their lifecycle
type Manager struct {
	cfg       Config
	store     ports.Store
	plans     ports.PlanProvider
	eventBus  ports.EventBus
	metrics   ports.MetricsCollector
	archiver  ports.Archiver
	pool      *workers.Pool
	invoker   *invoker.Invoker
	validator *Validator
	logger    *zap.Logger
	now       func() time.Time

	// Per-instance locks serializing read-modify-write transitions
	locks sync.Map // map[string]*sync.Mutex

	// Track active executions
	executions sync.Map // map[string]*execution
	active     atomic.Int64
	closed     atomic.Bool
}

// execution is one run of an instance on the pool
type execution struct {
	instanceID string
	sched      *scheduler.Scheduler
	done       chan struct{}

	mu          sync.Mutex
	interrupted bool
	rows        map[string]*domain.StepExecution
}

func (e *execution) interrupt() {
	e.mu.Lock()
	e.interrupted = true
	e.mu.Unlock()
	e.sched.Halt()
}

func (e *execution) wasInterrupted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interrupted
}

// NewManager creates a new orchestrator manager
func NewManager(cfg Config, deps Dependencies) (*Manager, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Tools == nil && deps.Invoker == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("worker pool is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = noop.NewCollector()
	}
	if deps.Plans == nil {
		deps.Plans = deps.Store
	}
	if deps.Invoker == nil {
		deps.Invoker = invoker.New(deps.Tools, deps.Metrics, deps.Logger)
	}
	if cfg.DefaultConcurrency < 1 {
		cfg.DefaultConcurrency = 1
	}
	cfg.DefaultRetry = cfg.DefaultRetry.Normalize()

	m := &Manager{
		cfg:       cfg,
		store:     deps.Store,
		plans:     deps.Plans,
		eventBus:  deps.EventBus,
		metrics:   deps.Metrics,
		archiver:  deps.Archiver,
		pool:      deps.Pool,
		invoker:   deps.Invoker,
		validator: NewValidator(),
		logger:    deps.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	deps.Pool.OnFailure(m.onRunFailed)

	return m, nil
}

// Create loads and validates a plan and persists a planned instance with
// pending steps. A plan that fails validation is persisted as failed and its
// id is returned together with the validation error.
func (m *Manager) Create(ctx context.Context, planID string, opts domain.ExecutionOptions) (string, error) {
	plan, err := m.plans.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) || errors.Is(err, domain.ErrPlanNotFound) {
			return "", fmt.Errorf("%w: %s", domain.ErrPlanNotFound, planID)
		}
		return "", fmt.Errorf("failed to load plan: %w", err)
	}

	instanceID := "exec_" + uuid.New().String()
	now := m.now()
	inst := &domain.Instance{
		ID:        instanceID,
		PlanID:    plan.ID,
		PlanName:  plan.Name,
		Status:    domain.InstanceStatusPlanned,
		CreatedAt: now,
		UpdatedAt: now,
		Options:   m.applyDefaults(opts),
		Plan:      plan.Clone(),
	}

	if verr := m.validator.Validate(plan.Steps); verr != nil {
		inst.Status = domain.InstanceStatusFailed
		inst.Error = verr.Error()
		inst.CurrentStep = domain.CurrentStepValidation
		inst.CompletedAt = &now

		if err := m.store.CreateInstance(ctx, inst, nil); err != nil {
			return "", fmt.Errorf("failed to create instance: %w", err)
		}
		m.emit(ctx, instanceID, domain.EventInstanceCreated, instanceCreatedPayload(plan))
		m.emit(ctx, instanceID, domain.EventInstanceFailed, errorPayload{Error: inst.Error})
		m.metrics.RecordInstanceCreated(string(domain.InstanceStatusFailed))

		m.logger.Warn("plan validation failed",
			zap.String("instance_id", instanceID),
			zap.String("plan_id", plan.ID),
			zap.Error(verr))
		return instanceID, verr
	}

	if err := m.store.CreateInstance(ctx, inst, domain.NewStepExecutions(instanceID, plan.Steps)); err != nil {
		return "", fmt.Errorf("failed to create instance: %w", err)
	}
	m.emit(ctx, instanceID, domain.EventInstanceCreated, instanceCreatedPayload(plan))
	m.metrics.RecordInstanceCreated(string(domain.InstanceStatusPlanned))

	m.logger.Info("instance created",
		zap.String("instance_id", instanceID),
		zap.String("plan_id", plan.ID),
		zap.Int("steps", len(plan.Steps)))

	return instanceID, nil
}

// Execute moves a planned instance to running and submits its run to the pool
func (m *Manager) Execute(ctx context.Context, instanceID string) (*workers.Handle, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	unlock := m.lock(instanceID)
	inst, err := m.getInstance(ctx, instanceID)
	if err != nil {
		unlock()
		return nil, err
	}
	if inst.Status != domain.InstanceStatusPlanned {
		unlock()
		return nil, fmt.Errorf("%w: instance %s is %s", domain.ErrInvalidTransition, instanceID, inst.Status)
	}

	exec, err := m.newExecution(ctx, inst)
	if err != nil {
		unlock()
		return nil, err
	}

	now := m.now()
	if _, err := m.store.UpdateInstance(ctx, domain.InstancePatch{
		ID:        instanceID,
		Status:    domain.Ptr(domain.InstanceStatusRunning),
		StartedAt: &now,
		UpdatedAt: now,
	}); err != nil {
		unlock()
		return nil, fmt.Errorf("failed to update instance: %w", err)
	}
	m.emit(ctx, instanceID, domain.EventInstanceStarted, nil)
	m.track(exec)
	unlock()

	m.logger.Info("instance started", zap.String("instance_id", instanceID))

	return m.submit(ctx, exec)
}

// Start creates an instance of planID and executes it
func (m *Manager) Start(ctx context.Context, planID string, opts domain.ExecutionOptions) (string, *workers.Handle, error) {
	instanceID, err := m.Create(ctx, planID, opts)
	if err != nil {
		return instanceID, nil, err
	}

	handle, err := m.Execute(ctx, instanceID)
	if err != nil {
		return instanceID, nil, err
	}
	return instanceID, handle, nil
}

// Pause stops dispatching new steps of a running instance. Steps in flight
// finish and are recorded. Other statuses are returned unchanged.
func (m *Manager) Pause(ctx context.Context, instanceID string) (domain.InstanceStatus, error) {
	unlock := m.lock(instanceID)
	defer unlock()

	inst, err := m.getInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if inst.Status != domain.InstanceStatusRunning {
		return inst.Status, nil
	}

	if _, err := m.store.UpdateInstance(ctx, domain.InstancePatch{
		ID:        instanceID,
		Status:    domain.Ptr(domain.InstanceStatusPaused),
		UpdatedAt: m.now(),
	}); err != nil {
		return "", fmt.Errorf("failed to update instance: %w", err)
	}
	m.emit(ctx, instanceID, domain.EventInstancePaused, nil)

	if exec := m.activeExecution(instanceID); exec != nil {
		exec.sched.Halt()
	}

	m.logger.Info("instance paused", zap.String("instance_id", instanceID))
	return domain.InstanceStatusPaused, nil
}

// Resume re-submits the steps of a paused instance that have not completed.
// Failed steps stay failed and their dependents stay blocked. Other statuses
// are returned unchanged.
//
// If the paused run still has steps in flight, Resume blocks until they finish
// or ctx is done. Without a step timeout that wait is bounded only by the tool
// call, so callers serving requests should pass a context with a deadline.
func (m *Manager) Resume(ctx context.Context, instanceID string) (domain.InstanceStatus, error) {
	if m.closed.Load() {
		return "", ErrManagerClosed
	}

	for {
		unlock := m.lock(instanceID)
		inst, err := m.getInstance(ctx, instanceID)
		if err != nil {
			unlock()
			return "", err
		}
		if inst.Status != domain.InstanceStatusPaused {
			unlock()
			return inst.Status, nil
		}

		// The previous run must settle before its steps are dispatched again
		if prev := m.activeExecution(instanceID); prev != nil {
			unlock()
			select {
			case <-prev.done:
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		exec, err := m.newExecution(ctx, inst)
		if err != nil {
			unlock()
			return "", err
		}

		if _, err := m.store.UpdateInstance(ctx, domain.InstancePatch{
			ID:          instanceID,
			Status:      domain.Ptr(domain.InstanceStatusRunning),
			CurrentStep: domain.Ptr(""),
			Error:       domain.Ptr(""),
			UpdatedAt:   m.now(),
		}); err != nil {
			unlock()
			return "", fmt.Errorf("failed to update instance: %w", err)
		}
		m.emit(ctx, instanceID, domain.EventInstanceResumed, nil)
		m.track(exec)
		unlock()

		m.logger.Info("instance resumed", zap.String("instance_id", instanceID))

		if _, err := m.submit(ctx, exec); err != nil {
			return "", err
		}
		return domain.InstanceStatusRunning, nil
	}
}

// Cancel fails a running or paused instance with ErrorCancelled. In-flight
// steps finish but nothing new is dispatched. Other statuses are returned unchanged.
func (m *Manager) Cancel(ctx context.Context, instanceID string) (domain.InstanceStatus, error) {
	unlock := m.lock(instanceID)
	defer unlock()

	inst, err := m.getInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if inst.Status != domain.InstanceStatusRunning && inst.Status != domain.InstanceStatusPaused {
		return inst.Status, nil
	}

	now := m.now()
	if _, err := m.store.UpdateInstance(ctx, domain.InstancePatch{
		ID:          instanceID,
		Status:      domain.Ptr(domain.InstanceStatusFailed),
		CurrentStep: domain.Ptr(domain.CurrentStepCancelled),
		Error:       domain.Ptr(domain.ErrorCancelled),
		CompletedAt: &now,
		UpdatedAt:   now,
	}); err != nil {
		return "", fmt.Errorf("failed to update instance: %w", err)
	}
	m.emit(ctx, instanceID, domain.EventInstanceCancelled, nil)

	if exec := m.activeExecution(instanceID); exec != nil {
		exec.sched.Halt()
	} else {
		m.metrics.RecordInstanceFinished(string(domain.InstanceStatusFailed), elapsed(inst, now))
	}

	m.logger.Info("instance cancelled", zap.String("instance_id", instanceID))
	return domain.InstanceStatusFailed, nil
}

// Wait blocks until the active run of an instance, if any, has finished
func (m *Manager) Wait(ctx context.Context, instanceID string) error {
	exec := m.activeExecution(instanceID)
	if exec == nil {
		return nil
	}
	select {
	case <-exec.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover marks instances left running by a previous process as paused so
// they can be resumed. It returns the number of recovered instances.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	orphans, err := m.store.ListInstances(ctx, domain.InstanceFilter{
		Statuses: []domain.InstanceStatus{domain.InstanceStatusRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list running instances: %w", err)
	}

	recovered := 0
	for _, inst := range orphans {
		if m.activeExecution(inst.ID) != nil {
			continue
		}
		ok, err := m.recoverInstance(ctx, inst.ID)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}

	if recovered > 0 {
		m.logger.Info("recovered interrupted instances", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (m *Manager) recoverInstance(ctx context.Context, instanceID string) (bool, error) {
	unlock := m.lock(instanceID)
	defer unlock()

	inst, err := m.getInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if inst.Status != domain.InstanceStatusRunning {
		return false, nil
	}

	rows, err := m.store.GetStepsForInstance(ctx, instanceID)
	if err != nil {
		return false, fmt.Errorf("failed to get steps: %w", err)
	}
	for _, row := range rows {
		if row.Status != domain.StepStatusRunning {
			continue
		}
		row.Status = domain.StepStatusPending
		row.StartedAt = nil
		if err := m.store.UpsertStep(ctx, row); err != nil {
			return false, fmt.Errorf("failed to reset step: %w", err)
		}
	}

	if _, err := m.store.UpdateInstance(ctx, domain.InstancePatch{
		ID:          instanceID,
		Status:      domain.Ptr(domain.InstanceStatusPaused),
		CurrentStep: domain.Ptr(domain.CurrentStepRecovered),
		UpdatedAt:   m.now(),
	}); err != nil {
		return false, fmt.Errorf("failed to update instance: %w", err)
	}
	m.emit(ctx, instanceID, domain.EventInstanceRecovered, nil)

	m.logger.Info("instance recovered", zap.String("instance_id", instanceID))
	return true, nil
}

// Alive reports whether the manager accepts new runs
func (m *Manager) Alive() bool {
	return !m.closed.Load()
}

// ActiveExecutions returns the number of runs in progress
func (m *Manager) ActiveExecutions() int {
	return int(m.active.Load())
}

// Shutdown halts every active run and waits for them to settle. Runs stopped
// this way leave their instance paused.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")
	m.closed.Store(true)

	var pending []*execution
	m.executions.Range(func(key, value interface{}) bool {
		exec := value.(*execution)
		exec.interrupt()
		pending = append(pending, exec)
		return true
	})

	for _, exec := range pending {
		select {
		case <-exec.done:
		case <-ctx.Done():
			return fmt.Errorf("shutdown timeout: %w", ctx.Err())
		}
	}

	m.logger.Info("orchestrator manager shut down complete")
	return nil
}

// applyDefaults fills unset execution options from the manager config
func (m *Manager) applyDefaults(opts domain.ExecutionOptions) domain.ExecutionOptions {
	if opts.Concurrency < 1 {
		opts.Concurrency = m.cfg.DefaultConcurrency
	}
	if opts.TimeoutMs <= 0 {
		opts.TimeoutMs = m.cfg.StepTimeout.Milliseconds()
	}
	opts.PauseOnError = opts.PauseOnError || m.cfg.PauseOnError
	return opts
}

// newExecution prepares a run of the steps of inst that still have to execute.
// Callers hold the instance lock.
func (m *Manager) newExecution(ctx context.Context, inst *domain.Instance) (*execution, error) {
	if inst.Plan == nil {
		return nil, fmt.Errorf("instance %s has no plan snapshot", inst.ID)
	}

	rows, err := m.store.GetStepsForInstance(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get steps: %w", err)
	}

	exec := &execution{
		instanceID: inst.ID,
		done:       make(chan struct{}),
		rows:       make(map[string]*domain.StepExecution, len(rows)),
	}
	for _, row := range rows {
		exec.rows[row.StepID] = row
	}

	steps := remainingSteps(inst.Plan.Steps, rows)
	exec.sched = scheduler.New(steps, scheduler.Options{Concurrency: inst.Options.Concurrency}, m.logger)
	return exec, nil
}

// track registers a prepared run as active
func (m *Manager) track(exec *execution) {
	m.executions.Store(exec.instanceID, exec)
	m.metrics.SetActiveInstances(int(m.active.Add(1)))
}

func (m *Manager) endExecution(exec *execution) {
	m.executions.CompareAndDelete(exec.instanceID, exec)
	m.metrics.SetActiveInstances(int(m.active.Add(-1)))
	close(exec.done)
}

func (m *Manager) activeExecution(instanceID string) *execution {
	if v, ok := m.executions.Load(instanceID); ok {
		return v.(*execution)
	}
	return nil
}

// submit hands a registered run to the pool. A run that cannot be queued
// leaves the instance paused.
func (m *Manager) submit(ctx context.Context, exec *execution) (*workers.Handle, error) {
	handle, err := m.pool.Submit(ctx, exec.instanceID, func(ctx context.Context) error {
		return m.run(ctx, exec)
	})
	if err == nil {
		return handle, nil
	}

	m.logger.Error("failed to submit run",
		zap.String("instance_id", exec.instanceID),
		zap.Error(err))

	pctx := context.WithoutCancel(ctx)
	unlock := m.lock(exec.instanceID)
	if _, uerr := m.store.UpdateInstance(pctx, domain.InstancePatch{
		ID:          exec.instanceID,
		Status:      domain.Ptr(domain.InstanceStatusPaused),
		CurrentStep: domain.Ptr(domain.CurrentStepInterrupted),
		Error:       domain.Ptr(err.Error()),
		UpdatedAt:   m.now(),
	}); uerr != nil {
		m.logger.Error("failed to update instance",
			zap.String("instance_id", exec.instanceID),
			zap.Error(uerr))
	}
	m.emit(pctx, exec.instanceID, domain.EventRunFailed, errorPayload{Error: err.Error()})
	unlock()

	m.endExecution(exec)
	return nil, fmt.Errorf("failed to submit run: %w", err)
}

// onRunFailed records runs that ended with an infrastructure error
func (m *Manager) onRunFailed(instanceID string, err error) {
	ctx := context.Background()

	unlock := m.lock(instanceID)
	defer unlock()

	m.emit(ctx, instanceID, domain.EventRunFailed, errorPayload{Error: err.Error()})

	inst, gerr := m.getInstance(ctx, instanceID)
	if gerr != nil {
		m.logger.Error("failed to load instance after run failure",
			zap.String("instance_id", instanceID),
			zap.Error(gerr))
		return
	}
	if inst.Status != domain.InstanceStatusRunning {
		return
	}
	if _, uerr := m.store.UpdateInstance(ctx, domain.InstancePatch{
		ID:          instanceID,
		Status:      domain.Ptr(domain.InstanceStatusPaused),
		CurrentStep: domain.Ptr(domain.CurrentStepInterrupted),
		Error:       domain.Ptr(err.Error()),
		UpdatedAt:   m.now(),
	}); uerr != nil {
		m.logger.Error("failed to update instance",
			zap.String("instance_id", instanceID),
			zap.Error(uerr))
	}
}

func (m *Manager) lock(instanceID string) func() {
	v, _ := m.locks.LoadOrStore(instanceID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) getInstance(ctx context.Context, instanceID string) (*domain.Instance, error) {
	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, instanceID)
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

func elapsed(inst *domain.Instance, now time.Time) time.Duration {
	if inst.StartedAt == nil {
		return 0
	}
	return now.Sub(*inst.StartedAt)
}
