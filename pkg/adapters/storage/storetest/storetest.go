// Package storetest provides the behaviour suite shared by all ports.Store implementations.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

// Factory returns an empty store; cleanup is registered on t
type Factory func(t *testing.T) ports.Store

var base = time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)

// Run executes the suite against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("Plans", func(t *testing.T) { testPlans(t, newStore(t)) })
	t.Run("InstanceLifecycle", func(t *testing.T) { testInstanceLifecycle(t, newStore(t)) })
	t.Run("Steps", func(t *testing.T) { testSteps(t, newStore(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("ListInstances", func(t *testing.T) { testListInstances(t, newStore(t)) })
	t.Run("DeleteInstance", func(t *testing.T) { testDeleteInstance(t, newStore(t)) })
}

// SamplePlan returns a three-step plan a -> {b, c}
func SamplePlan(id string) *domain.Plan {
	return &domain.Plan{
		ID:          id,
		Name:        "sample " + id,
		Description: "fan-out",
		CreatedAt:   base,
		Steps: []domain.StepDef{
			{ID: "a", Name: "first", ToolName: "echo", Parameters: json.RawMessage(`{"n":1}`)},
			{ID: "b", ToolName: "echo", DependsOn: []string{"a"}, Cancellable: domain.CancellableReversible},
			{
				ID: "c", ToolName: "sleep", DependsOn: []string{"a"}, TimeoutMs: 500,
				RetryPolicy: &domain.RetryPolicy{MaxAttempts: 3, Backoff: domain.BackoffExponential, InitialDelayMs: 100},
			},
		},
	}
}

func sampleInstance(id string, status domain.InstanceStatus, updated time.Time) *domain.Instance {
	plan := SamplePlan("p1")
	return &domain.Instance{
		ID:        id,
		PlanID:    plan.ID,
		PlanName:  plan.Name,
		Status:    status,
		CreatedAt: updated.Add(-time.Minute),
		UpdatedAt: updated,
		Options:   domain.ExecutionOptions{Concurrency: 2, PauseOnError: true},
		Plan:      plan,
	}
}

func create(t *testing.T, s ports.Store, inst *domain.Instance) {
	t.Helper()
	steps := domain.NewStepExecutions(inst.ID, inst.Plan.Steps)
	require.NoError(t, s.CreateInstance(context.Background(), inst, steps))
}

func testPlans(t *testing.T, s ports.Store) {
	ctx := context.Background()

	_, err := s.GetPlan(ctx, "missing")
	require.ErrorIs(t, err, ports.ErrNotFound)

	plan := SamplePlan("p1")
	require.NoError(t, s.SavePlan(ctx, plan))

	got, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, plan.Name, got.Name)
	assert.Equal(t, plan.Description, got.Description)
	assert.True(t, plan.CreatedAt.Equal(got.CreatedAt))
	require.Len(t, got.Steps, 3)
	assert.Equal(t, []string{"a"}, got.Steps[2].DependsOn)
	assert.Equal(t, 3, got.Steps[2].RetryPolicy.MaxAttempts)
	assert.JSONEq(t, `{"n":1}`, string(got.Steps[0].Parameters))

	plan.Name = "renamed"
	require.NoError(t, s.SavePlan(ctx, plan))
	second := SamplePlan("p2")
	second.CreatedAt = base.Add(time.Hour)
	require.NoError(t, s.SavePlan(ctx, second))

	plans, err := s.ListPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "renamed", plans[0].Name)
	assert.Equal(t, "p2", plans[1].ID)

	require.NoError(t, s.DeletePlan(ctx, "p1"))
	require.ErrorIs(t, s.DeletePlan(ctx, "p1"), ports.ErrNotFound)
	_, err = s.GetPlan(ctx, "p1")
	require.ErrorIs(t, err, ports.ErrNotFound)
}

func testInstanceLifecycle(t *testing.T, s ports.Store) {
	ctx := context.Background()

	_, err := s.GetInstance(ctx, "missing")
	require.ErrorIs(t, err, ports.ErrNotFound)
	_, err = s.UpdateInstance(ctx, domain.InstancePatch{ID: "missing", UpdatedAt: base})
	require.ErrorIs(t, err, ports.ErrNotFound)

	inst := sampleInstance("i1", domain.InstanceStatusPlanned, base)
	create(t, s, inst)

	got, err := s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusPlanned, got.Status)
	assert.Equal(t, inst.Options, got.Options)
	require.NotNil(t, got.Plan)
	assert.Len(t, got.Plan.Steps, 3)
	assert.Nil(t, got.StartedAt)

	started := base.Add(time.Second)
	updated, err := s.UpdateInstance(ctx, domain.InstancePatch{
		ID:        "i1",
		Status:    domain.Ptr(domain.InstanceStatusRunning),
		StartedAt: &started,
		UpdatedAt: started,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusRunning, updated.Status)
	require.NotNil(t, updated.StartedAt)
	assert.True(t, started.Equal(*updated.StartedAt))

	// fields absent from the patch are untouched
	_, err = s.UpdateInstance(ctx, domain.InstancePatch{
		ID:          "i1",
		CurrentStep: domain.Ptr("b"),
		Error:       domain.Ptr("boom"),
		UpdatedAt:   started.Add(time.Second),
	})
	require.NoError(t, err)

	got, err = s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusRunning, got.Status)
	assert.Equal(t, "b", got.CurrentStep)
	assert.Equal(t, "boom", got.Error)
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))
	assert.True(t, started.Add(time.Second).Equal(got.UpdatedAt))
}

func testSteps(t *testing.T, s ports.Store) {
	ctx := context.Background()
	create(t, s, sampleInstance("i1", domain.InstanceStatusRunning, base))

	steps, err := s.GetStepsForInstance(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{steps[0].StepID, steps[1].StepID, steps[2].StepID})
	for _, step := range steps {
		assert.Equal(t, domain.StepStatusPending, step.Status)
	}
	assert.Equal(t, domain.CancellableReversible, steps[1].Cancellable)

	done := base.Add(2 * time.Second)
	require.NoError(t, s.UpsertStep(ctx, &domain.StepExecution{
		InstanceID:  "i1",
		StepID:      "c",
		Seq:         2,
		ToolName:    "sleep",
		Status:      domain.StepStatusCompleted,
		Attempts:    2,
		StartedAt:   &base,
		CompletedAt: &done,
		Result:      json.RawMessage(`{"slept_ms":5}`),
	}))

	steps, err = s.GetStepsForInstance(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	c := steps[2]
	assert.Equal(t, "c", c.StepID)
	assert.Equal(t, domain.StepStatusCompleted, c.Status)
	assert.Equal(t, 2, c.Attempts)
	assert.JSONEq(t, `{"slept_ms":5}`, string(c.Result))
	require.NotNil(t, c.CompletedAt)
	assert.True(t, done.Equal(*c.CompletedAt))

	none, err := s.GetStepsForInstance(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testEvents(t *testing.T, s ports.Store) {
	ctx := context.Background()
	create(t, s, sampleInstance("i1", domain.InstanceStatusRunning, base))

	types := []domain.EventType{
		domain.EventInstanceStarted,
		domain.EventStepStarted,
		domain.EventStepCompleted,
		domain.EventDecisionMade,
	}
	// append out of timestamp order; listing sorts
	order := []int{1, 0, 3, 2}
	for _, i := range order {
		require.NoError(t, s.AppendEvent(ctx, &domain.Event{
			ID:         "evt-" + string(rune('a'+i)),
			InstanceID: "i1",
			Type:       types[i],
			Timestamp:  base.Add(time.Duration(i) * time.Millisecond),
			Payload:    json.RawMessage(`{"i":` + string(rune('0'+i)) + `}`),
		}))
	}

	events, err := s.ListEvents(ctx, "i1", domain.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, types[i], e.Type)
		assert.Equal(t, "i1", e.InstanceID)
		assert.True(t, base.Add(time.Duration(i)*time.Millisecond).Equal(e.Timestamp))
	}
	assert.JSONEq(t, `{"i":0}`, string(events[0].Payload))

	filtered, err := s.ListEvents(ctx, "i1", domain.EventFilter{
		Types: []domain.EventType{domain.EventStepStarted, domain.EventStepCompleted},
	})
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	assert.Equal(t, domain.EventStepStarted, filtered[0].Type)

	paged, err := s.ListEvents(ctx, "i1", domain.EventFilter{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, domain.EventStepStarted, paged[0].Type)

	since := base.Add(2 * time.Millisecond)
	recent, err := s.ListEvents(ctx, "i1", domain.EventFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func testListInstances(t *testing.T, s ports.Store) {
	ctx := context.Background()

	completed := sampleInstance("done-old", domain.InstanceStatusCompleted, base)
	completed.CompletedAt = &base
	create(t, s, completed)

	failed := sampleInstance("failed", domain.InstanceStatusFailed, base.Add(time.Hour))
	create(t, s, failed)

	running := sampleInstance("running", domain.InstanceStatusRunning, base.Add(2*time.Hour))
	create(t, s, running)

	recentDone := base.Add(3 * time.Hour)
	completedNew := sampleInstance("done-new", domain.InstanceStatusCompleted, recentDone)
	completedNew.CompletedAt = &recentDone
	create(t, s, completedNew)

	all, err := s.ListInstances(ctx, domain.InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"done-new", "running", "failed", "done-old"}, ids(all))

	done, err := s.ListInstances(ctx, domain.InstanceFilter{
		Statuses: []domain.InstanceStatus{domain.InstanceStatusCompleted},
		OrderBy:  domain.OrderByCompletedAt,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"done-new", "done-old"}, ids(done))

	incomplete, err := s.ListInstances(ctx, domain.InstanceFilter{
		Statuses: []domain.InstanceStatus{domain.InstanceStatusRunning, domain.InstanceStatusPaused, domain.InstanceStatusPlanned},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"running"}, ids(incomplete))

	cutoff := base.Add(90 * time.Minute)
	old, err := s.ListInstances(ctx, domain.InstanceFilter{UpdatedBefore: &cutoff})
	require.NoError(t, err)
	assert.Equal(t, []string{"failed", "done-old"}, ids(old))

	oldDone, err := s.ListInstances(ctx, domain.InstanceFilter{CompletedBefore: &cutoff})
	require.NoError(t, err)
	assert.Equal(t, []string{"done-old"}, ids(oldDone))

	page, err := s.ListInstances(ctx, domain.InstanceFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"running", "failed"}, ids(page))

	byPlan, err := s.ListInstances(ctx, domain.InstanceFilter{PlanID: "other"})
	require.NoError(t, err)
	assert.Empty(t, byPlan)
}

func testDeleteInstance(t *testing.T, s ports.Store) {
	ctx := context.Background()

	for _, id := range []string{"keep-events", "drop-events"} {
		create(t, s, sampleInstance(id, domain.InstanceStatusCompleted, base))
		require.NoError(t, s.AppendEvent(ctx, &domain.Event{
			ID: "evt-" + id, InstanceID: id, Type: domain.EventInstanceCompleted, Timestamp: base,
		}))
	}

	require.NoError(t, s.DeleteInstance(ctx, "keep-events", false))
	require.NoError(t, s.DeleteInstance(ctx, "drop-events", true))
	require.ErrorIs(t, s.DeleteInstance(ctx, "drop-events", true), ports.ErrNotFound)

	_, err := s.GetInstance(ctx, "keep-events")
	require.ErrorIs(t, err, ports.ErrNotFound)

	steps, err := s.GetStepsForInstance(ctx, "keep-events")
	require.NoError(t, err)
	assert.Empty(t, steps)

	kept, err := s.ListEvents(ctx, "keep-events", domain.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	dropped, err := s.ListEvents(ctx, "drop-events", domain.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, dropped)
}

func ids(instances []*domain.Instance) []string {
	out := make([]string, len(instances))
	for i, inst := range instances {
		out[i] = inst.ID
	}
	return out
}
