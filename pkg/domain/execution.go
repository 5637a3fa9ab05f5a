package domain

import (
	"encoding/json"
	"time"
)

// InstanceStatus is the lifecycle state of a plan execution
type InstanceStatus string

const (
	InstanceStatusPlanned   InstanceStatus = "planned"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusPaused    InstanceStatus = "paused"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
)

// IsTerminal reports whether no further transition is possible
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed
}

// StepStatus is the lifecycle state of one step in an instance
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// Markers written into Instance.Error and Instance.CurrentStep
const (
	ErrorCancelled         = "execution cancelled"
	CurrentStepCancelled   = "cancelled"
	CurrentStepFinished    = "finished"
	CurrentStepInterrupted = "interrupted"
	CurrentStepRecovered   = "recovered"
	CurrentStepValidation  = "validation"
)

// ExecutionOptions tune a single instance run
type ExecutionOptions struct {
	Concurrency  int   `json:"concurrency,omitempty"`
	TimeoutMs    int64 `json:"timeout_ms,omitempty"`
	PauseOnError bool  `json:"pause_on_error,omitempty"`
}

// Timeout returns the default per-attempt tool timeout for the run
func (o ExecutionOptions) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// Instance is one execution of a plan
type Instance struct {
	ID          string           `json:"id"`
	PlanID      string           `json:"plan_id"`
	PlanName    string           `json:"plan_name"`
	Status      InstanceStatus   `json:"status"`
	CurrentStep string           `json:"current_step,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       string           `json:"error,omitempty"`
	Options     ExecutionOptions `json:"options"`
	Plan        *Plan            `json:"plan,omitempty"`
}

// Clone returns a deep copy of the instance
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	out.StartedAt = cloneTime(i.StartedAt)
	out.CompletedAt = cloneTime(i.CompletedAt)
	out.Plan = i.Plan.Clone()
	return &out
}

// StepExecution is the persisted state of one step within an instance
type StepExecution struct {
	InstanceID  string          `json:"instance_id"`
	StepID      string          `json:"step_id"`
	Seq         int             `json:"seq"`
	Name        string          `json:"name,omitempty"`
	ToolName    string          `json:"tool_name"`
	Status      StepStatus      `json:"status"`
	Attempts    int             `json:"attempts"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Cancellable Cancellability  `json:"cancellable,omitempty"`
}

// Clone returns a deep copy of the step execution
func (s *StepExecution) Clone() *StepExecution {
	if s == nil {
		return nil
	}
	out := *s
	out.StartedAt = cloneTime(s.StartedAt)
	out.CompletedAt = cloneTime(s.CompletedAt)
	if s.Result != nil {
		out.Result = append(json.RawMessage(nil), s.Result...)
	}
	return &out
}

// NewStepExecutions builds the pending step rows for a plan
func NewStepExecutions(instanceID string, steps []StepDef) []*StepExecution {
	out := make([]*StepExecution, 0, len(steps))
	for i, s := range steps {
		out = append(out, &StepExecution{
			InstanceID:  instanceID,
			StepID:      s.ID,
			Seq:         i,
			Name:        s.Name,
			ToolName:    s.ToolName,
			Status:      StepStatusPending,
			Cancellable: s.Cancellable,
		})
	}
	return out
}

// InstancePatch is a partial instance update; nil fields are left untouched
type InstancePatch struct {
	ID          string
	Status      *InstanceStatus
	CurrentStep *string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *string
	UpdatedAt   time.Time
}

// Apply merges the patch into inst
func (p InstancePatch) Apply(inst *Instance) {
	if p.Status != nil {
		inst.Status = *p.Status
	}
	if p.CurrentStep != nil {
		inst.CurrentStep = *p.CurrentStep
	}
	if p.StartedAt != nil {
		inst.StartedAt = cloneTime(p.StartedAt)
	}
	if p.CompletedAt != nil {
		inst.CompletedAt = cloneTime(p.CompletedAt)
	}
	if p.Error != nil {
		inst.Error = *p.Error
	}
	if !p.UpdatedAt.IsZero() {
		inst.UpdatedAt = p.UpdatedAt
	}
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
