package ports

import (
	"context"
	"errors"

	"github.com/aescanero/dagrun/pkg/domain"
)

// ErrNotFound is returned by stores when a record does not exist
var ErrNotFound = errors.New("not found")

// PlanProvider resolves plan ids to plans
type PlanProvider interface {
	GetPlan(ctx context.Context, id string) (*domain.Plan, error)
}

// PlanStore persists plans
type PlanStore interface {
	PlanProvider
	SavePlan(ctx context.Context, plan *domain.Plan) error
	ListPlans(ctx context.Context) ([]*domain.Plan, error)
	DeletePlan(ctx context.Context, id string) error
}

// InstanceStore persists instances and their steps
type InstanceStore interface {
	CreateInstance(ctx context.Context, instance *domain.Instance, steps []*domain.StepExecution) error
	GetInstance(ctx context.Context, id string) (*domain.Instance, error)
	// UpdateInstance merges the patch and returns the stored result
	UpdateInstance(ctx context.Context, patch domain.InstancePatch) (*domain.Instance, error)
	UpsertStep(ctx context.Context, step *domain.StepExecution) error
	// GetStepsForInstance returns steps in plan order
	GetStepsForInstance(ctx context.Context, instanceID string) ([]*domain.StepExecution, error)
	ListInstances(ctx context.Context, filter domain.InstanceFilter) ([]*domain.Instance, error)
	DeleteInstance(ctx context.Context, id string, includeEvents bool) error
}

// EventLog is the append-only ledger of instance events
type EventLog interface {
	AppendEvent(ctx context.Context, event *domain.Event) error
	// ListEvents returns events in timestamp order
	ListEvents(ctx context.Context, instanceID string, filter domain.EventFilter) ([]*domain.Event, error)
}

// Store is the durable store used by the orchestrator
type Store interface {
	PlanStore
	InstanceStore
	EventLog
	Close() error
}
