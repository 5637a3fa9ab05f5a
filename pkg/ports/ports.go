package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
)

// ToolRegistry resolves and invokes tools by name
type ToolRegistry interface {
	HasTool(name string) bool
	Invoke(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error)
}

// EventHandler handles events delivered by an EventBus
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus publishes instance events to subscribers
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// MetricsCollector records orchestrator metrics
type MetricsCollector interface {
	RecordInstanceCreated(status string)
	RecordInstanceFinished(status string, duration time.Duration)
	SetActiveInstances(count int)
	RecordStepFinished(tool, status string, duration time.Duration)
	RecordToolAttempt(tool, outcome string, duration time.Duration)
	RecordToolRetry(tool string)
	RecordWorkerPoolStatus(idle, busy, stopped int)
	SetQueueDepth(queue string, depth int)
}

// Archiver stores instance records before they are removed from the store
type Archiver interface {
	Archive(ctx context.Context, record *domain.InstanceRecord) error
}
