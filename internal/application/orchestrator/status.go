package orchestrator

import (
	"context"
	"fmt"

	"github.com/aescanero/dagrun/pkg/domain"
)

// StatusReport is the externally visible state of an instance
type StatusReport struct {
	Instance       *domain.Instance        `json:"instance"`
	Progress       string                  `json:"progress"`
	CompletedSteps int                     `json:"completed_steps"`
	TotalSteps     int                     `json:"total_steps"`
	Running        bool                    `json:"running"`
	Steps          []*domain.StepExecution `json:"steps,omitempty"`
}

// GetStatus returns the instance with its progress and, optionally, its steps
func (m *Manager) GetStatus(ctx context.Context, instanceID string, includeSteps bool) (*StatusReport, error) {
	inst, err := m.getInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	rows, err := m.store.GetStepsForInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get steps: %w", err)
	}

	report := newStatusReport(inst, rows)
	report.Running = m.activeExecution(instanceID) != nil
	if includeSteps {
		report.Steps = rows
	}
	return report, nil
}

func newStatusReport(inst *domain.Instance, rows []*domain.StepExecution) *StatusReport {
	completed := 0
	for _, row := range rows {
		if row.Status == domain.StepStatusCompleted {
			completed++
		}
	}
	return &StatusReport{
		Instance:       inst,
		Progress:       fmt.Sprintf("%d/%d steps", completed, len(rows)),
		CompletedSteps: completed,
		TotalSteps:     len(rows),
	}
}
