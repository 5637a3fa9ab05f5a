package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/aescanero/dagrun/pkg/domain"
)

// DecisionAction is the outcome of an operator decision
type DecisionAction string

const (
	DecisionStop     DecisionAction = "stop"
	DecisionContinue DecisionAction = "continue"
)

// ActionType classifies a manually performed action
type ActionType string

const (
	ActionStopped    ActionType = "stopped"
	ActionCleanedUp  ActionType = "cleaned_up"
	ActionNotified   ActionType = "notified"
	ActionRolledBack ActionType = "rolled_back"
	ActionOther      ActionType = "other"
)

func (a ActionType) valid() bool {
	switch a {
	case ActionStopped, ActionCleanedUp, ActionNotified, ActionRolledBack, ActionOther:
		return true
	}
	return false
}

// Decision is a stop/continue decision taken about an instance
type Decision struct {
	Action  DecisionAction  `json:"action"`
	Reason  string          `json:"reason"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Action is a manual action taken on a step
type Action struct {
	StepID      string          `json:"step_id,omitempty"`
	ActionType  ActionType      `json:"action_type"`
	Description string          `json:"description"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// Compensation records how a step's side effects were undone by hand
type Compensation struct {
	StepID      string          `json:"step_id"`
	Reason      string          `json:"reason"`
	ActionTaken string          `json:"action_taken"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// DecisionResult is the recorded event and the instance status afterwards
type DecisionResult struct {
	Event  *domain.Event         `json:"event"`
	Status domain.InstanceStatus `json:"status"`
}

// RecordDecision appends a decision to the ledger. A stop decision cancels the instance.
func (m *Manager) RecordDecision(ctx context.Context, instanceID string, d Decision) (*DecisionResult, error) {
	if d.Action != DecisionStop && d.Action != DecisionContinue {
		return nil, fmt.Errorf("%w: unknown decision action %q", domain.ErrInvalidInput, d.Action)
	}
	if d.Reason == "" {
		return nil, fmt.Errorf("%w: reason is required", domain.ErrInvalidInput)
	}

	inst, err := m.getInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	event, err := m.appendEvent(ctx, instanceID, domain.EventDecisionMade, d)
	if err != nil {
		return nil, err
	}

	status := inst.Status
	if d.Action == DecisionStop {
		if status, err = m.Cancel(ctx, instanceID); err != nil {
			return nil, err
		}
	}

	m.logger.Info("decision recorded",
		zap.String("instance_id", instanceID),
		zap.String("action", string(d.Action)))

	return &DecisionResult{Event: event, Status: status}, nil
}

// RecordAction appends a manually performed action to the ledger
func (m *Manager) RecordAction(ctx context.Context, instanceID string, a Action) (*domain.Event, error) {
	if !a.ActionType.valid() {
		return nil, fmt.Errorf("%w: unknown action type %q", domain.ErrInvalidInput, a.ActionType)
	}
	if a.Description == "" {
		return nil, fmt.Errorf("%w: description is required", domain.ErrInvalidInput)
	}
	if err := m.checkStep(ctx, instanceID, a.StepID, false); err != nil {
		return nil, err
	}

	return m.appendEvent(ctx, instanceID, domain.EventActionTaken, a)
}

// RecordCompensation appends a manual compensation of a step to the ledger.
// Nothing is executed; the entry is an audit record.
func (m *Manager) RecordCompensation(ctx context.Context, instanceID string, c Compensation) (*domain.Event, error) {
	if c.Reason == "" || c.ActionTaken == "" {
		return nil, fmt.Errorf("%w: reason and action_taken are required", domain.ErrInvalidInput)
	}
	if err := m.checkStep(ctx, instanceID, c.StepID, true); err != nil {
		return nil, err
	}

	return m.appendEvent(ctx, instanceID, domain.EventCompensation, c)
}

// QueryLedger returns the events of an instance in timestamp order
func (m *Manager) QueryLedger(ctx context.Context, instanceID string, filter domain.EventFilter) ([]*domain.Event, error) {
	if _, err := m.getInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	events, err := m.store.ListEvents(ctx, instanceID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// checkStep verifies the instance exists and, when given, that stepID belongs to it
func (m *Manager) checkStep(ctx context.Context, instanceID, stepID string, required bool) error {
	if _, err := m.getInstance(ctx, instanceID); err != nil {
		return err
	}
	if stepID == "" {
		if required {
			return fmt.Errorf("%w: step_id is required", domain.ErrInvalidInput)
		}
		return nil
	}

	rows, err := m.store.GetStepsForInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to get steps: %w", err)
	}
	for _, row := range rows {
		if row.StepID == stepID {
			return nil
		}
	}
	return fmt.Errorf("%w: step %q is not part of instance %s", domain.ErrInvalidInput, stepID, instanceID)
}
