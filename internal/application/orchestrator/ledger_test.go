package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/dagrun/pkg/domain"
)

func pausedInstance(t *testing.T, h *harness) string {
	t.Helper()
	ctx := context.Background()
	h.savePlan(t, "ledger", recordStep("A"), recordStep("B", "A"))

	id, err := h.manager.Create(ctx, "ledger", domain.ExecutionOptions{})
	require.NoError(t, err)
	_, err = h.store.UpdateInstance(ctx, domain.InstancePatch{ID: id, Status: domain.Ptr(domain.InstanceStatusPaused)})
	require.NoError(t, err)
	return id
}

func TestRecordDecisionStopCancels(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	id := pausedInstance(t, h)

	res, err := h.manager.RecordDecision(ctx, id, Decision{
		Action:  DecisionStop,
		Reason:  "upstream outage",
		Details: json.RawMessage(`{"ticket":"OPS-1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusFailed, res.Status)
	assert.Equal(t, domain.EventDecisionMade, res.Event.Type)
	assert.NotEmpty(t, res.Event.ID)

	var payload Decision
	require.NoError(t, json.Unmarshal(res.Event.Payload, &payload))
	assert.Equal(t, DecisionStop, payload.Action)
	assert.JSONEq(t, `{"ticket":"OPS-1"}`, string(payload.Details))

	inst, err := h.store.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorCancelled, inst.Error)

	types := eventTypes(t, h, id)
	assert.Contains(t, types, domain.EventDecisionMade)
	assert.Contains(t, types, domain.EventInstanceCancelled)
}

func TestRecordDecisionContinue(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	id := pausedInstance(t, h)

	res, err := h.manager.RecordDecision(ctx, id, Decision{Action: DecisionContinue, Reason: "looks fine"})
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusPaused, res.Status)

	_, err = h.manager.RecordDecision(ctx, id, Decision{Action: "retry", Reason: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.manager.RecordDecision(ctx, id, Decision{Action: DecisionStop})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.manager.RecordDecision(ctx, "exec_missing", Decision{Action: DecisionStop, Reason: "x"})
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
}

func TestRecordActionAndCompensation(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	id := pausedInstance(t, h)

	event, err := h.manager.RecordAction(ctx, id, Action{
		StepID:      "A",
		ActionType:  ActionCleanedUp,
		Description: "removed temp bucket",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.EventActionTaken, event.Type)

	_, err = h.manager.RecordAction(ctx, id, Action{ActionType: ActionNotified, Description: "paged on-call"})
	require.NoError(t, err)

	_, err = h.manager.RecordAction(ctx, id, Action{ActionType: "exploded", Description: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.manager.RecordAction(ctx, id, Action{StepID: "Z", ActionType: ActionOther, Description: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	event, err = h.manager.RecordCompensation(ctx, id, Compensation{
		StepID:      "B",
		Reason:      "partial write",
		ActionTaken: "reverted row",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.EventCompensation, event.Type)

	_, err = h.manager.RecordCompensation(ctx, id, Compensation{Reason: "x", ActionTaken: "y"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	events, err := h.manager.QueryLedger(ctx, id, domain.EventFilter{
		Types: []domain.EventType{domain.EventActionTaken, domain.EventCompensation},
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventActionTaken, events[0].Type)
	assert.Equal(t, domain.EventCompensation, events[2].Type)

	events, err = h.manager.QueryLedger(ctx, id, domain.EventFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventInstanceCreated, events[0].Type)

	_, err = h.manager.QueryLedger(ctx, "exec_missing", domain.EventFilter{})
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
}
