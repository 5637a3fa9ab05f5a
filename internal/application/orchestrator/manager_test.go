package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/dagrun/internal/application/workers"
	eventsmemory "github.com/aescanero/dagrun/pkg/adapters/events/memory"
	"github.com/aescanero/dagrun/pkg/adapters/storage/memory"
	"github.com/aescanero/dagrun/pkg/adapters/tools"
	"github.com/aescanero/dagrun/pkg/domain"
)

const waitTimeout = 5 * time.Second

type harness struct {
	manager  *Manager
	store    *memory.Store
	registry *tools.Registry
	calls    *callLog
}

// callLog records which steps a tool was invoked for
type callLog struct {
	mu    sync.Mutex
	steps []string
}

func (c *callLog) add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, id)
}

func (c *callLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.steps...)
}

func newHarness(t *testing.T, cfg Config, deps Dependencies) *harness {
	t.Helper()

	store := memory.NewStore()
	registry := tools.NewRegistry(nil)
	require.NoError(t, tools.RegisterBuiltins(registry))

	calls := &callLog{}
	require.NoError(t, registry.Register("record", func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		calls.add(p.ID)
		return params, nil
	}))
	require.NoError(t, registry.Register("fail", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}))

	pool := workers.NewPool(4, 16, nil, nil, 0)
	require.NoError(t, pool.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	deps.Store = store
	deps.Tools = registry
	deps.Pool = pool
	m, err := NewManager(cfg, deps)
	require.NoError(t, err)

	return &harness{manager: m, store: store, registry: registry, calls: calls}
}

func (h *harness) savePlan(t *testing.T, id string, steps ...domain.StepDef) {
	t.Helper()
	require.NoError(t, h.store.SavePlan(context.Background(), &domain.Plan{
		ID:        id,
		Name:      id,
		Steps:     steps,
		CreatedAt: time.Now().UTC(),
	}))
}

// gate registers a tool that signals when it starts and blocks until released
func (h *harness) gate(t *testing.T, name string) (started chan string, release chan struct{}) {
	t.Helper()
	started = make(chan string, 16)
	release = make(chan struct{})
	require.NoError(t, h.registry.Register(name, func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		started <- string(params)
		select {
		case <-release:
			return json.RawMessage(`{"released":true}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	return started, release
}

func toolStep(id, tool string, deps ...string) domain.StepDef {
	return domain.StepDef{ID: id, ToolName: tool, DependsOn: deps}
}

func recordStep(id string, deps ...string) domain.StepDef {
	return domain.StepDef{
		ID:         id,
		ToolName:   "record",
		Parameters: json.RawMessage(`{"id":"` + id + `"}`),
		DependsOn:  deps,
	}
}

func waitHandle(t *testing.T, handle *workers.Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, handle.Wait(ctx))
}

func (h *harness) wait(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.manager.Wait(ctx, id))
}

func waitStarted(t *testing.T, started chan string) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("step did not start")
	}
}

func stepsByID(t *testing.T, report *StatusReport) map[string]*domain.StepExecution {
	t.Helper()
	out := make(map[string]*domain.StepExecution, len(report.Steps))
	for _, s := range report.Steps {
		out[s.StepID] = s
	}
	return out
}

func eventTypes(t *testing.T, h *harness, id string) []domain.EventType {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), id, domain.EventFilter{})
	require.NoError(t, err)
	out := make([]domain.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestNewManagerRequiresDependencies(t *testing.T) {
	_, err := NewManager(Config{}, Dependencies{})
	require.Error(t, err)
}

func TestStartRunsDiamondToCompletion(t *testing.T) {
	bus := eventsmemory.NewInMemoryEventBus(nil)
	h := newHarness(t, Config{DefaultConcurrency: 2}, Dependencies{EventBus: bus})
	ctx := context.Background()

	completed := make(chan string, 1)
	require.NoError(t, bus.Subscribe(ctx, EventsTopic, func(_ context.Context, e domain.Event) error {
		if e.Type == domain.EventInstanceCompleted {
			completed <- e.InstanceID
		}
		return nil
	}))

	h.savePlan(t, "diamond", step("A"), step("B", "A"), step("C", "A"))

	id, handle, err := h.manager.Start(ctx, "diamond", domain.ExecutionOptions{})
	require.NoError(t, err)
	assert.Contains(t, id, "exec_")
	waitHandle(t, handle)

	report, err := h.manager.GetStatus(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusCompleted, report.Instance.Status)
	assert.Equal(t, "3/3 steps", report.Progress)
	assert.Equal(t, domain.CurrentStepFinished, report.Instance.CurrentStep)
	assert.NotNil(t, report.Instance.StartedAt)
	assert.NotNil(t, report.Instance.CompletedAt)
	assert.False(t, report.Running)

	for _, s := range report.Steps {
		assert.Equal(t, domain.StepStatusCompleted, s.Status, s.StepID)
		assert.Equal(t, 1, s.Attempts, s.StepID)
	}

	steps := stepsByID(t, report)
	assert.False(t, steps["B"].StartedAt.Before(*steps["A"].CompletedAt))
	assert.False(t, steps["C"].StartedAt.Before(*steps["A"].CompletedAt))

	types := eventTypes(t, h, id)
	assert.Equal(t, domain.EventInstanceCreated, types[0])
	assert.Equal(t, domain.EventInstanceStarted, types[1])
	assert.Equal(t, domain.EventInstanceCompleted, types[len(types)-1])

	select {
	case got := <-completed:
		assert.Equal(t, id, got)
	case <-time.After(waitTimeout):
		t.Fatal("completion event not published")
	}
}

func TestEmptyPlanCompletes(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	h.savePlan(t, "empty")

	id, handle, err := h.manager.Start(ctx, "empty", domain.ExecutionOptions{})
	require.NoError(t, err)
	waitHandle(t, handle)

	report, err := h.manager.GetStatus(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusCompleted, report.Instance.Status)
	assert.Equal(t, "0/0 steps", report.Progress)
}

func TestFailedStepBlocksDependents(t *testing.T) {
	h := newHarness(t, Config{DefaultConcurrency: 2}, Dependencies{})
	ctx := context.Background()
	h.savePlan(t, "fail-closed",
		toolStep("A", "fail"),
		recordStep("B", "A"),
		recordStep("C"),
	)

	id, handle, err := h.manager.Start(ctx, "fail-closed", domain.ExecutionOptions{})
	require.NoError(t, err)
	waitHandle(t, handle)

	report, err := h.manager.GetStatus(ctx, id, true)
	require.NoError(t, err)
	steps := stepsByID(t, report)

	assert.Equal(t, domain.InstanceStatusFailed, report.Instance.Status)
	assert.Equal(t, domain.StepStatusFailed, steps["A"].Status)
	assert.Equal(t, domain.StepStatusPending, steps["B"].Status)
	assert.Equal(t, domain.StepStatusCompleted, steps["C"].Status)
	assert.Equal(t, steps["A"].Error, report.Instance.Error)
	assert.Contains(t, report.Instance.Error, "boom")
	assert.Equal(t, "1/3 steps", report.Progress)
	assert.Equal(t, []string{"C"}, h.calls.list())
	assert.Contains(t, eventTypes(t, h, id), domain.EventInstanceFailed)
}

func TestFirstFailureIsKept(t *testing.T) {
	h := newHarness(t, Config{DefaultConcurrency: 2}, Dependencies{})
	ctx := context.Background()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, h.registry.Register("slowfail", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		started <- struct{}{}
		<-release
		return nil, errors.New("slow failure")
	}))
	require.NoError(t, h.registry.Register("fastfail", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("fast failure")
	}))

	// A is dispatched first but fails after C
	h.savePlan(t, "two-failures", toolStep("A", "slowfail"), toolStep("C", "fastfail"))

	id, handle, err := h.manager.Start(ctx, "two-failures", domain.ExecutionOptions{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("step A did not start")
	}
	require.Eventually(t, func() bool {
		inst, err := h.store.GetInstance(ctx, id)
		return err == nil && inst.Status == domain.InstanceStatusFailed
	}, waitTimeout, 5*time.Millisecond)
	close(release)
	waitHandle(t, handle)

	report, err := h.manager.GetStatus(ctx, id, true)
	require.NoError(t, err)
	steps := stepsByID(t, report)

	assert.Equal(t, domain.InstanceStatusFailed, report.Instance.Status)
	assert.Equal(t, "C", report.Instance.CurrentStep)
	assert.Contains(t, report.Instance.Error, "fast failure")
	assert.Equal(t, steps["C"].Error, report.Instance.Error)
	assert.Equal(t, domain.StepStatusFailed, steps["A"].Status)
	assert.Contains(t, steps["A"].Error, "slow failure")
}

func TestUnknownToolFailsStep(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	h.savePlan(t, "missing", toolStep("A", "does-not-exist"))

	id, handle, err := h.manager.Start(ctx, "missing", domain.ExecutionOptions{})
	require.NoError(t, err)
	waitHandle(t, handle)

	report, err := h.manager.GetStatus(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusFailed, report.Instance.Status)
	assert.Equal(t, 0, report.Steps[0].Attempts)
	assert.Contains(t, report.Steps[0].Error, domain.ErrToolNotFound.Error())
}

func TestStepRetryPolicy(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, h.registry.Register("flaky", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}))

	h.savePlan(t, "retry", domain.StepDef{
		ID:          "A",
		ToolName:    "flaky",
		RetryPolicy: &domain.RetryPolicy{MaxAttempts: 3, Backoff: domain.BackoffExponential, InitialDelayMs: 1},
	})

	id, handle, err := h.manager.Start(ctx, "retry", domain.ExecutionOptions{})
	require.NoError(t, err)
	waitHandle(t, handle)

	report, err := h.manager.GetStatus(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusCompleted, report.Instance.Status)
	assert.Equal(t, 3, report.Steps[0].Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(report.Steps[0].Result))
}

func TestValidationFailureIsPersisted(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	h.savePlan(t, "cyclic", recordStep("A", "B"), recordStep("B", "A"))

	id, handle, err := h.manager.Start(ctx, "cyclic", domain.ExecutionOptions{})
	require.Error(t, err)
	assert.Nil(t, handle)
	require.NotEmpty(t, id)

	var cycle *domain.CycleError
	assert.True(t, errors.As(err, &cycle))
	assert.True(t, domain.IsValidationError(err))

	inst, err := h.store.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusFailed, inst.Status)
	assert.Contains(t, inst.Error, "circular dependency")
	assert.Empty(t, h.calls.list())
	assert.Equal(t, []domain.EventType{domain.EventInstanceCreated, domain.EventInstanceFailed}, eventTypes(t, h, id))
}

func TestUnknownIDs(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()

	_, _, err := h.manager.Start(ctx, "nope", domain.ExecutionOptions{})
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)

	_, err = h.manager.Pause(ctx, "exec_missing")
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
	_, err = h.manager.Resume(ctx, "exec_missing")
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
	_, err = h.manager.Cancel(ctx, "exec_missing")
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
	_, err = h.manager.GetStatus(ctx, "exec_missing", false)
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	started, release := h.gate(t, "gate")
	h.savePlan(t, "pausable", toolStep("A", "gate"), recordStep("B", "A"))

	id, _, err := h.manager.Start(ctx, "pausable", domain.ExecutionOptions{})
	require.NoError(t, err)
	waitStarted(t, started)

	status, err := h.manager.Pause(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusPaused, status)

	// Pausing twice is a no-op
	status, err = h.manager.Pause(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusPaused, status)

	close(release)
	h.wait(t, id)

	report, err := h.manager.GetStatus(ctx, id, true)
	require.NoError(t, err)
	steps := stepsByID(t, report)
	assert.Equal(t, domain.InstanceStatusPaused, report.Instance.Status)
	assert.Equal(t, domain.StepStatusCompleted, steps["A"].Status)
	assert.Equal(t, domain.StepStatusPending, steps["B"].Status)
	assert.Equal(t, "1/2 steps", report.Progress)
	assert.Empty(t, h.calls.list())

	status, err = h.manager.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusRunning, status)
	h.wait(t, id)

	report, err = h.manager.GetStatus(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusCompleted, report.Instance.Status)
	assert.Equal(t, "2/2 steps", report.Progress)
	assert.Equal(t, []string{"B"}, h.calls.list())

	// Completed instances cannot be paused or resumed
	status, err = h.manager.Pause(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusCompleted, status)
	status, err = h.manager.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusCompleted, status)

	types := eventTypes(t, h, id)
	assert.Contains(t, types, domain.EventInstancePaused)
	assert.Contains(t, types, domain.EventInstanceResumed)
}

func TestResumeWaitsForInFlightSteps(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	started, release := h.gate(t, "gate")
	h.savePlan(t, "pausable", toolStep("A", "gate"), recordStep("B", "A"))

	id, _, err := h.manager.Start(ctx, "pausable", domain.ExecutionOptions{})
	require.NoError(t, err)
	waitStarted(t, started)

	status, err := h.manager.Pause(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.InstanceStatusPaused, status)

	// A is still running, so Resume gives up when its context expires
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = h.manager.Resume(short, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	report, err := h.manager.GetStatus(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusPaused, report.Instance.Status)

	// Once A settles the same call goes through
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	status, err = h.manager.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusRunning, status)
	h.wait(t, id)

	report, err = h.manager.GetStatus(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusCompleted, report.Instance.Status)
	assert.Equal(t, []string{"B"}, h.calls.list())
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	h.savePlan(t, "chain",
		recordStep("s1"),
		recordStep("s2", "s1"),
		recordStep("s3", "s2"),
		recordStep("s4", "s3"),
	)

	id, err := h.manager.Create(ctx, "chain", domain.ExecutionOptions{})
	require.NoError(t, err)

	rows, err := h.store.GetStepsForInstance(ctx, id)
	require.NoError(t, err)
	now := time.Now().UTC()
	for _, row := range rows[:2] {
		row.Status = domain.StepStatusCompleted
		row.Attempts = 1
		row.StartedAt = &now
		row.CompletedAt = &now
		require.NoError(t, h.store.UpsertStep(ctx, row))
	}
	_, err = h.store.UpdateInstance(ctx, domain.InstancePatch{
		ID:        id,
		Status:    domain.Ptr(domain.InstanceStatusPaused),
		StartedAt: &now,
		UpdatedAt: now,
	})
	require.NoError(t, err)

	status, err := h.manager.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusRunning, status)
	h.wait(t, id)

	assert.Equal(t, []string{"s3", "s4"}, h.calls.list())

	report, err := h.manager.GetStatus(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusCompleted, report.Instance.Status)
	assert.Equal(t, "4/4 steps", report.Progress)
}

func TestResumeKeepsFailedStepsBlocked(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	h.savePlan(t, "partial", recordStep("A"), recordStep("B", "A"), recordStep("C"))

	id, err := h.manager.Create(ctx, "partial", domain.ExecutionOptions{})
	require.NoError(t, err)

	rows, err := h.store.GetStepsForInstance(ctx, id)
	require.NoError(t, err)
	rows[0].Status = domain.StepStatusFailed
	rows[0].Error = "earlier failure"
	require.NoError(t, h.store.UpsertStep(ctx, rows[0]))
	_, err = h.store.UpdateInstance(ctx, domain.InstancePatch{ID: id, Status: domain.Ptr(domain.InstanceStatusPaused)})
	require.NoError(t, err)

	_, err = h.manager.Resume(ctx, id)
	require.NoError(t, err)
	h.wait(t, id)

	assert.Equal(t, []string{"C"}, h.calls.list())

	inst, err := h.store.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusFailed, inst.Status)
	assert.Equal(t, "earlier failure", inst.Error)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	started, release := h.gate(t, "gate")
	h.savePlan(t, "cancellable", toolStep("A", "gate"), recordStep("B", "A"))

	id, _, err := h.manager.Start(ctx, "cancellable", domain.ExecutionOptions{})
	require.NoError(t, err)
	waitStarted(t, started)

	status, err := h.manager.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusFailed, status)

	status, err = h.manager.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusFailed, status)

	close(release)
	h.wait(t, id)

	report, err := h.manager.GetStatus(ctx, id, true)
	require.NoError(t, err)
	steps := stepsByID(t, report)
	assert.Equal(t, domain.InstanceStatusFailed, report.Instance.Status)
	assert.Equal(t, domain.ErrorCancelled, report.Instance.Error)
	assert.Equal(t, domain.CurrentStepCancelled, report.Instance.CurrentStep)
	assert.Equal(t, domain.StepStatusCompleted, steps["A"].Status)
	assert.Equal(t, domain.StepStatusPending, steps["B"].Status)

	// Resume does not revive a cancelled instance
	status, err = h.manager.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusFailed, status)
	assert.Contains(t, eventTypes(t, h, id), domain.EventInstanceCancelled)
}

func TestCancelPlannedIsNoOp(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	h.savePlan(t, "planned", recordStep("A"))

	id, err := h.manager.Create(ctx, "planned", domain.ExecutionOptions{})
	require.NoError(t, err)

	status, err := h.manager.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusPlanned, status)

	_, err = h.manager.Execute(ctx, id)
	require.NoError(t, err)
	h.wait(t, id)

	_, err = h.manager.Execute(ctx, id)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancelPausedInstance(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	h.savePlan(t, "paused", recordStep("A"))

	id, err := h.manager.Create(ctx, "paused", domain.ExecutionOptions{})
	require.NoError(t, err)
	_, err = h.store.UpdateInstance(ctx, domain.InstancePatch{ID: id, Status: domain.Ptr(domain.InstanceStatusPaused)})
	require.NoError(t, err)

	status, err := h.manager.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusFailed, status)

	inst, err := h.store.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorCancelled, inst.Error)
	assert.NotNil(t, inst.CompletedAt)
}

func TestConcurrencyBound(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()

	var inFlight, peak atomic.Int32
	require.NoError(t, h.registry.Register("busy", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return json.RawMessage(`{}`), nil
	}))

	var steps []domain.StepDef
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		steps = append(steps, toolStep(id, "busy"))
	}
	h.savePlan(t, "wide", steps...)

	id, handle, err := h.manager.Start(ctx, "wide", domain.ExecutionOptions{Concurrency: 2})
	require.NoError(t, err)
	waitHandle(t, handle)

	report, err := h.manager.GetStatus(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusCompleted, report.Instance.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 2, report.Instance.Options.Concurrency)
}

func TestPauseOnError(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	h.savePlan(t, "pause-on-error", toolStep("A", "fail"), recordStep("B", "A"))

	id, handle, err := h.manager.Start(ctx, "pause-on-error", domain.ExecutionOptions{PauseOnError: true})
	require.NoError(t, err)
	waitHandle(t, handle)

	report, err := h.manager.GetStatus(ctx, id, true)
	require.NoError(t, err)
	steps := stepsByID(t, report)
	assert.Equal(t, domain.InstanceStatusPaused, report.Instance.Status)
	assert.Equal(t, steps["A"].Error, report.Instance.Error)
	assert.Equal(t, domain.StepStatusPending, steps["B"].Status)
}

func TestRecoverMarksOrphansPaused(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	h.savePlan(t, "orphan", recordStep("A"), recordStep("B", "A"))

	id, err := h.manager.Create(ctx, "orphan", domain.ExecutionOptions{})
	require.NoError(t, err)

	rows, err := h.store.GetStepsForInstance(ctx, id)
	require.NoError(t, err)
	rows[0].Status = domain.StepStatusRunning
	require.NoError(t, h.store.UpsertStep(ctx, rows[0]))
	_, err = h.store.UpdateInstance(ctx, domain.InstancePatch{ID: id, Status: domain.Ptr(domain.InstanceStatusRunning)})
	require.NoError(t, err)

	n, err := h.manager.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	report, err := h.manager.GetStatus(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusPaused, report.Instance.Status)
	assert.Equal(t, domain.CurrentStepRecovered, report.Instance.CurrentStep)
	assert.Equal(t, domain.StepStatusPending, report.Steps[0].Status)
	assert.Contains(t, eventTypes(t, h, id), domain.EventInstanceRecovered)

	_, err = h.manager.Resume(ctx, id)
	require.NoError(t, err)
	h.wait(t, id)
	assert.Equal(t, []string{"A", "B"}, h.calls.list())
}

func TestShutdownInterruptsRuns(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	started, release := h.gate(t, "gate")
	h.savePlan(t, "long", toolStep("A", "gate"), recordStep("B", "A"))

	id, _, err := h.manager.Start(ctx, "long", domain.ExecutionOptions{})
	require.NoError(t, err)
	waitStarted(t, started)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	shutdownCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	require.NoError(t, h.manager.Shutdown(shutdownCtx))
	assert.False(t, h.manager.Alive())

	report, err := h.manager.GetStatus(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusPaused, report.Instance.Status)
	assert.Equal(t, domain.CurrentStepInterrupted, report.Instance.CurrentStep)
	assert.Equal(t, "1/2 steps", report.Progress)

	_, _, err = h.manager.Start(ctx, "long", domain.ExecutionOptions{})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestRemainingSteps(t *testing.T) {
	steps := []domain.StepDef{step("a"), step("b", "a"), step("c", "b"), step("d"), step("e", "d")}
	rows := []*domain.StepExecution{
		{StepID: "a", Status: domain.StepStatusFailed},
		{StepID: "b", Status: domain.StepStatusPending},
		{StepID: "c", Status: domain.StepStatusPending},
		{StepID: "d", Status: domain.StepStatusCompleted},
		{StepID: "e", Status: domain.StepStatusRunning},
	}

	remaining := remainingSteps(steps, rows)
	require.Len(t, remaining, 1)
	assert.Equal(t, "e", remaining[0].ID)
}
