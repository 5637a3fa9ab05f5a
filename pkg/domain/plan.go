package domain

import (
	"encoding/json"
	"time"
)

// BackoffStrategy controls the delay between retry attempts
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Cancellability records how far a step's side effects can be undone
type Cancellability string

const (
	CancellableReversible          Cancellability = "reversible"
	CancellablePartiallyReversible Cancellability = "partially-reversible"
	CancellableIrreversible        Cancellability = "irreversible"
)

// Valid reports whether c is empty or one of the known values
func (c Cancellability) Valid() bool {
	switch c {
	case "", CancellableReversible, CancellablePartiallyReversible, CancellableIrreversible:
		return true
	}
	return false
}

// RetryPolicy bounds how often a failing tool call is attempted
type RetryPolicy struct {
	MaxAttempts    int             `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	Backoff        BackoffStrategy `json:"backoff" yaml:"backoff" toml:"backoff"`
	InitialDelayMs int64           `json:"initial_delay_ms" yaml:"initial_delay_ms" toml:"initial_delay_ms"`
}

// DefaultRetryPolicy is a single attempt with linear backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Backoff: BackoffLinear}
}

// InitialDelay returns the delay before the second attempt
func (p RetryPolicy) InitialDelay() time.Duration {
	return time.Duration(p.InitialDelayMs) * time.Millisecond
}

// Normalize fills zero values with the defaults
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Backoff == "" {
		p.Backoff = BackoffLinear
	}
	if p.InitialDelayMs < 0 {
		p.InitialDelayMs = 0
	}
	return p
}

// StepDef is one unit of work in a plan
type StepDef struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	ToolName    string          `json:"tool_name"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	RetryPolicy *RetryPolicy    `json:"retry_policy,omitempty"`
	Cancellable Cancellability  `json:"cancellable,omitempty"`
	TimeoutMs   int64           `json:"timeout_ms,omitempty"`
}

// Timeout returns the per-attempt timeout, zero when unset
func (s StepDef) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Clone returns a deep copy of the step
func (s StepDef) Clone() StepDef {
	out := s
	if s.Parameters != nil {
		out.Parameters = append(json.RawMessage(nil), s.Parameters...)
	}
	if s.DependsOn != nil {
		out.DependsOn = append([]string(nil), s.DependsOn...)
	}
	if s.RetryPolicy != nil {
		rp := *s.RetryPolicy
		out.RetryPolicy = &rp
	}
	return out
}

// Plan is a named set of steps with declared dependencies
type Plan struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Steps       []StepDef `json:"steps"`
	CreatedAt   time.Time `json:"created_at"`
}

// Clone returns a deep copy of the plan
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.Steps = make([]StepDef, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = s.Clone()
	}
	return &out
}
