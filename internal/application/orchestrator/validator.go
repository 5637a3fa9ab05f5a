package orchestrator

import (
	"fmt"

	"github.com/aescanero/dagrun/pkg/domain"
)

// Validator validates plan structure before anything executes
type Validator struct{}

// NewValidator creates a new plan validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks step ids, dependency references, retry policies and cycles.
// It returns a *domain.ValidationError or a *domain.CycleError.
func (v *Validator) Validate(steps []domain.StepDef) error {
	ids := make(map[string]bool, len(steps))
	for _, step := range steps {
		if step.ID == "" {
			return &domain.ValidationError{Message: "step ID is required"}
		}
		if ids[step.ID] {
			return &domain.ValidationError{StepID: step.ID, Message: "duplicate step ID"}
		}
		ids[step.ID] = true
	}

	for _, step := range steps {
		if err := v.validateStep(step, ids); err != nil {
			return err
		}
	}

	if stepID, ok := findCycle(steps); ok {
		return &domain.CycleError{StepID: stepID}
	}

	return nil
}

// validateStep validates a single step against the set of known ids
func (v *Validator) validateStep(step domain.StepDef, ids map[string]bool) error {
	if step.ToolName == "" {
		return &domain.ValidationError{StepID: step.ID, Message: "tool name is required"}
	}

	for _, dep := range step.DependsOn {
		if !ids[dep] {
			return &domain.ValidationError{
				StepID:  step.ID,
				Message: fmt.Sprintf("depends on unknown step %q", dep),
			}
		}
	}

	if !step.Cancellable.Valid() {
		return &domain.ValidationError{
			StepID:  step.ID,
			Message: fmt.Sprintf("unknown cancellable value %q", step.Cancellable),
		}
	}

	if step.TimeoutMs < 0 {
		return &domain.ValidationError{StepID: step.ID, Message: "timeout must not be negative"}
	}

	if rp := step.RetryPolicy; rp != nil {
		if rp.MaxAttempts < 1 {
			return &domain.ValidationError{StepID: step.ID, Message: "retry policy max_attempts must be at least 1"}
		}
		switch rp.Backoff {
		case "", domain.BackoffLinear, domain.BackoffExponential:
		default:
			return &domain.ValidationError{
				StepID:  step.ID,
				Message: fmt.Sprintf("unknown backoff strategy %q", rp.Backoff),
			}
		}
		if rp.InitialDelayMs < 0 {
			return &domain.ValidationError{StepID: step.ID, Message: "retry policy initial_delay_ms must not be negative"}
		}
	}

	return nil
}

// findCycle runs a depth-first search with a recursion stack and returns the
// step at which a back edge was found
func findCycle(steps []domain.StepDef) (string, bool) {
	deps := make(map[string][]string, len(steps))
	for _, step := range steps {
		deps[step.ID] = step.DependsOn
	}

	visited := make(map[string]bool, len(steps))
	onStack := make(map[string]bool)

	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		visited[id] = true
		onStack[id] = true
		for _, dep := range deps[id] {
			if onStack[dep] {
				return dep, true
			}
			if !visited[dep] {
				if cycleAt, found := visit(dep); found {
					return cycleAt, true
				}
			}
		}
		onStack[id] = false
		return "", false
	}

	for _, step := range steps {
		if visited[step.ID] {
			continue
		}
		if cycleAt, found := visit(step.ID); found {
			return cycleAt, true
		}
	}
	return "", false
}
