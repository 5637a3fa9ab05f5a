package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

// Store implements ports.Store with in-memory maps
type Store struct {
	mu        sync.RWMutex
	plans     map[string]*domain.Plan
	instances map[string]*domain.Instance
	steps     map[string]map[string]*domain.StepExecution
	events    map[string][]*domain.Event
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		plans:     make(map[string]*domain.Plan),
		instances: make(map[string]*domain.Instance),
		steps:     make(map[string]map[string]*domain.StepExecution),
		events:    make(map[string][]*domain.Event),
	}
}

// SavePlan creates or replaces a plan
func (s *Store) SavePlan(ctx context.Context, plan *domain.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.plans[plan.ID] = plan.Clone()
	return nil
}

// GetPlan retrieves a plan by id
func (s *Store) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: plan %s", ports.ErrNotFound, id)
	}
	return plan.Clone(), nil
}

// ListPlans returns all plans ordered by creation time
func (s *Store) ListPlans(ctx context.Context) ([]*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := make([]*domain.Plan, 0, len(s.plans))
	for _, plan := range s.plans {
		plans = append(plans, plan.Clone())
	}
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].CreatedAt.Equal(plans[j].CreatedAt) {
			return plans[i].ID < plans[j].ID
		}
		return plans[i].CreatedAt.Before(plans[j].CreatedAt)
	})
	return plans, nil
}

// DeletePlan removes a plan
func (s *Store) DeletePlan(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[id]; !ok {
		return fmt.Errorf("%w: plan %s", ports.ErrNotFound, id)
	}
	delete(s.plans, id)
	return nil
}

// CreateInstance stores a new instance with its step rows
func (s *Store) CreateInstance(ctx context.Context, instance *domain.Instance, steps []*domain.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[instance.ID]; exists {
		return fmt.Errorf("instance %s already exists", instance.ID)
	}

	s.instances[instance.ID] = instance.Clone()
	rows := make(map[string]*domain.StepExecution, len(steps))
	for _, step := range steps {
		rows[step.StepID] = step.Clone()
	}
	s.steps[instance.ID] = rows
	return nil
}

// GetInstance retrieves an instance by id
func (s *Store) GetInstance(ctx context.Context, id string) (*domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: instance %s", ports.ErrNotFound, id)
	}
	return inst.Clone(), nil
}

// UpdateInstance merges patch into the stored instance
func (s *Store) UpdateInstance(ctx context.Context, patch domain.InstancePatch) (*domain.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[patch.ID]
	if !ok {
		return nil, fmt.Errorf("%w: instance %s", ports.ErrNotFound, patch.ID)
	}
	patch.Apply(inst)
	return inst.Clone(), nil
}

// UpsertStep creates or replaces a step row
func (s *Store) UpsertStep(ctx context.Context, step *domain.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.steps[step.InstanceID]
	if !ok {
		if _, exists := s.instances[step.InstanceID]; !exists {
			return fmt.Errorf("%w: instance %s", ports.ErrNotFound, step.InstanceID)
		}
		rows = make(map[string]*domain.StepExecution)
		s.steps[step.InstanceID] = rows
	}
	rows[step.StepID] = step.Clone()
	return nil
}

// GetStepsForInstance returns steps in plan order
func (s *Store) GetStepsForInstance(ctx context.Context, instanceID string) ([]*domain.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.steps[instanceID]
	steps := make([]*domain.StepExecution, 0, len(rows))
	for _, step := range rows {
		steps = append(steps, step.Clone())
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].Seq < steps[j].Seq
	})
	return steps, nil
}

// ListInstances returns instances matching filter, newest first
func (s *Store) ListInstances(ctx context.Context, filter domain.InstanceFilter) ([]*domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instances := make([]*domain.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		if filter.Matches(inst) {
			instances = append(instances, inst.Clone())
		}
	}
	filter.Sort(instances)
	return filter.Paginate(instances), nil
}

// DeleteInstance removes an instance, its steps and optionally its events
func (s *Store) DeleteInstance(ctx context.Context, id string, includeEvents bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[id]; !ok {
		return fmt.Errorf("%w: instance %s", ports.ErrNotFound, id)
	}
	delete(s.instances, id)
	delete(s.steps, id)
	if includeEvents {
		delete(s.events, id)
	}
	return nil
}

// AppendEvent appends an event to its instance's log
func (s *Store) AppendEvent(ctx context.Context, event *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.InstanceID] = append(s.events[event.InstanceID], event.Clone())
	return nil
}

// ListEvents returns events for an instance in timestamp order
func (s *Store) ListEvents(ctx context.Context, instanceID string, filter domain.EventFilter) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.events[instanceID]
	events := make([]*domain.Event, 0, len(stored))
	for _, e := range stored {
		events = append(events, e.Clone())
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return filter.Apply(events), nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}
