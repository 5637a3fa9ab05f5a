package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/aescanero/dagrun/pkg/domain"
)

type createdPayload struct {
	PlanID   string `json:"plan_id"`
	PlanName string `json:"plan_name"`
	Steps    int    `json:"steps"`
}

type stepPayload struct {
	StepID   string `json:"step_id"`
	ToolName string `json:"tool_name,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

type errorPayload struct {
	StepID string `json:"step_id,omitempty"`
	Error  string `json:"error"`
}

type progressPayload struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

func instanceCreatedPayload(plan *domain.Plan) createdPayload {
	return createdPayload{PlanID: plan.ID, PlanName: plan.Name, Steps: len(plan.Steps)}
}

// appendEvent records an event in the store and publishes it on the event bus.
// Publish failures are logged; the store is the source of truth.
func (m *Manager) appendEvent(ctx context.Context, instanceID string, eventType domain.EventType, payload interface{}) (*domain.Event, error) {
	event := &domain.Event{
		ID:         ulid.Make().String(),
		InstanceID: instanceID,
		Type:       eventType,
		Timestamp:  m.now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event payload: %w", err)
		}
		event.Payload = data
	}

	if err := m.store.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	if m.eventBus != nil {
		if err := m.eventBus.Publish(ctx, EventsTopic, *event); err != nil {
			m.logger.Error("failed to publish event",
				zap.String("instance_id", instanceID),
				zap.String("type", string(eventType)),
				zap.Error(err))
		}
	}

	return event, nil
}

// emit records a lifecycle event, logging instead of returning errors
func (m *Manager) emit(ctx context.Context, instanceID string, eventType domain.EventType, payload interface{}) {
	if _, err := m.appendEvent(ctx, instanceID, eventType, payload); err != nil {
		m.logger.Error("failed to record event",
			zap.String("instance_id", instanceID),
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
}
