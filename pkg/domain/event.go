package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// EventType names an entry in an instance's append-only event log
type EventType string

const (
	EventInstanceCreated   EventType = "instance_created"
	EventInstanceStarted   EventType = "instance_started"
	EventInstancePaused    EventType = "instance_paused"
	EventInstanceResumed   EventType = "instance_resumed"
	EventInstanceCancelled EventType = "instance_cancelled"
	EventInstanceCompleted EventType = "instance_completed"
	EventInstanceFailed    EventType = "instance_failed"
	EventInstanceRecovered EventType = "instance_recovered"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventRunFailed         EventType = "run_failed"
	EventDecisionMade      EventType = "decision_made"
	EventActionTaken       EventType = "action_taken"
	EventCompensation      EventType = "compensation_recorded"
)

// Event is an immutable ledger entry for an instance
type Event struct {
	ID         string          `json:"id"`
	InstanceID string          `json:"instance_id"`
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Clone returns a deep copy of the event
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &out
}

// EventFilter narrows a ledger query
type EventFilter struct {
	Types  []EventType
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// Matches reports whether e passes the type and time constraints
func (f EventFilter) Matches(e *Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

// Apply filters and paginates events already sorted by timestamp
func (f EventFilter) Apply(events []*Event) []*Event {
	out := make([]*Event, 0, len(events))
	for _, e := range events {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return paginate(out, f.Offset, f.Limit)
}

// InstanceOrder selects the sort key of an instance listing, always newest first
type InstanceOrder string

const (
	OrderByUpdatedAt   InstanceOrder = "updated_at"
	OrderByCompletedAt InstanceOrder = "completed_at"
	OrderByCreatedAt   InstanceOrder = "created_at"
)

// InstanceFilter narrows a history query
type InstanceFilter struct {
	Statuses        []InstanceStatus
	PlanID          string
	UpdatedBefore   *time.Time
	CompletedBefore *time.Time
	OrderBy         InstanceOrder
	Limit           int
	Offset          int
}

// Matches reports whether inst passes the filter's predicates
func (f InstanceFilter) Matches(inst *Instance) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if inst.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.PlanID != "" && inst.PlanID != f.PlanID {
		return false
	}
	if f.UpdatedBefore != nil && !inst.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	if f.CompletedBefore != nil {
		if inst.CompletedAt == nil || !inst.CompletedAt.Before(*f.CompletedBefore) {
			return false
		}
	}
	return true
}

// SortKey returns the timestamp the filter orders by
func (f InstanceFilter) SortKey(inst *Instance) time.Time {
	switch f.OrderBy {
	case OrderByCompletedAt:
		if inst.CompletedAt != nil {
			return *inst.CompletedAt
		}
		return time.Time{}
	case OrderByCreatedAt:
		return inst.CreatedAt
	default:
		return inst.UpdatedAt
	}
}

// Sort orders instances newest first by the filter's sort key
func (f InstanceFilter) Sort(instances []*Instance) {
	sort.Slice(instances, func(i, j int) bool {
		a, b := f.SortKey(instances[i]), f.SortKey(instances[j])
		if a.Equal(b) {
			return instances[i].ID > instances[j].ID
		}
		return a.After(b)
	})
}

// Paginate applies Offset and Limit to an already sorted slice
func (f InstanceFilter) Paginate(instances []*Instance) []*Instance {
	return paginate(instances, f.Offset, f.Limit)
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// InstanceRecord is the full history of one instance, used for archiving
type InstanceRecord struct {
	Instance *Instance        `json:"instance"`
	Steps    []*StepExecution `json:"steps"`
	Events   []*Event         `json:"events,omitempty"`
	Archived time.Time        `json:"archived_at"`
}
