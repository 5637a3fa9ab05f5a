package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/dagrun/internal/application/invoker"
	"github.com/aescanero/dagrun/internal/application/scheduler"
	"github.com/aescanero/dagrun/pkg/domain"
)

// run executes one prepared run on a pool worker. Step failures are recorded
// on the instance; only infrastructure errors are returned.
func (m *Manager) run(ctx context.Context, exec *execution) error {
	defer m.endExecution(exec)

	// Transitions are persisted even after ctx is cancelled
	pctx := context.WithoutCancel(ctx)

	inst, err := m.getInstance(pctx, exec.instanceID)
	if err != nil {
		return err
	}

	// Step failures are recorded through OnError as they happen
	_ = exec.sched.Run(ctx, scheduler.Callbacks{
		OnStart: func(step domain.StepDef) {
			m.stepStarted(pctx, exec, step)
		},
		RunStep: func(ctx context.Context, step domain.StepDef) error {
			return m.runStep(ctx, pctx, exec, inst, step)
		},
		OnError: func(step domain.StepDef, err error) {
			m.stepFailed(pctx, exec, inst, step, err)
		},
	})

	return m.finalize(pctx, exec)
}

func (m *Manager) stepStarted(ctx context.Context, exec *execution, step domain.StepDef) {
	now := m.now()
	row := exec.row(step)
	row.Status = domain.StepStatusRunning
	row.StartedAt = &now
	row.CompletedAt = nil
	row.Attempts = 0
	row.Result = nil
	row.Error = ""
	if err := m.store.UpsertStep(ctx, row); err != nil {
		m.logger.Error("failed to persist step start",
			zap.String("instance_id", exec.instanceID),
			zap.String("step_id", step.ID),
			zap.Error(err))
	}

	unlock := m.lock(exec.instanceID)
	inst, err := m.getInstance(ctx, exec.instanceID)
	if err == nil && inst.Status == domain.InstanceStatusRunning {
		_, err = m.store.UpdateInstance(ctx, domain.InstancePatch{
			ID:          exec.instanceID,
			CurrentStep: domain.Ptr(step.ID),
			UpdatedAt:   now,
		})
	}
	unlock()
	if err != nil {
		m.logger.Error("failed to update current step",
			zap.String("instance_id", exec.instanceID),
			zap.String("step_id", step.ID),
			zap.Error(err))
	}

	m.emit(ctx, exec.instanceID, domain.EventStepStarted, stepPayload{StepID: step.ID, ToolName: step.ToolName})

	m.logger.Debug("step started",
		zap.String("instance_id", exec.instanceID),
		zap.String("step_id", step.ID),
		zap.String("tool", step.ToolName))
}

func (m *Manager) runStep(ctx, pctx context.Context, exec *execution, inst *domain.Instance, step domain.StepDef) error {
	res, err := m.invoker.Invoke(ctx, step.ToolName, step.Parameters, m.stepOptions(inst, step))
	if err != nil {
		return err
	}

	now := m.now()
	row := exec.row(step)
	row.Status = domain.StepStatusCompleted
	row.Attempts = res.Attempts
	row.Result = res.Output
	row.CompletedAt = &now
	if err := m.store.UpsertStep(pctx, row); err != nil {
		return fmt.Errorf("failed to persist step result: %w", err)
	}

	m.metrics.RecordStepFinished(step.ToolName, string(domain.StepStatusCompleted), stepDuration(row, now))
	m.emit(pctx, exec.instanceID, domain.EventStepCompleted, stepPayload{
		StepID:   step.ID,
		ToolName: step.ToolName,
		Attempts: res.Attempts,
	})

	m.logger.Debug("step completed",
		zap.String("instance_id", exec.instanceID),
		zap.String("step_id", step.ID),
		zap.Int("attempts", res.Attempts))
	return nil
}

func (m *Manager) stepFailed(ctx context.Context, exec *execution, inst *domain.Instance, step domain.StepDef, stepErr error) {
	attempts := 1
	var toolErr *domain.ToolExecutionError
	switch {
	case errors.As(stepErr, &toolErr):
		attempts = toolErr.Attempts
	case errors.Is(stepErr, domain.ErrToolNotFound):
		attempts = 0
	}

	now := m.now()
	row := exec.row(step)
	row.Status = domain.StepStatusFailed
	row.Attempts = attempts
	row.Error = stepErr.Error()
	row.CompletedAt = &now
	if err := m.store.UpsertStep(ctx, row); err != nil {
		m.logger.Error("failed to persist step failure",
			zap.String("instance_id", exec.instanceID),
			zap.String("step_id", step.ID),
			zap.Error(err))
	}

	m.metrics.RecordStepFinished(step.ToolName, string(domain.StepStatusFailed), stepDuration(row, now))
	m.emit(ctx, exec.instanceID, domain.EventStepFailed, stepPayload{
		StepID:   step.ID,
		ToolName: step.ToolName,
		Attempts: attempts,
		Error:    stepErr.Error(),
	})

	m.logger.Warn("step failed",
		zap.String("instance_id", exec.instanceID),
		zap.String("step_id", step.ID),
		zap.Int("attempts", attempts),
		zap.Error(stepErr))

	unlock := m.lock(exec.instanceID)
	defer unlock()

	cur, err := m.getInstance(ctx, exec.instanceID)
	if err != nil {
		m.logger.Error("failed to load instance after step failure",
			zap.String("instance_id", exec.instanceID),
			zap.Error(err))
		return
	}
	if cur.Status != domain.InstanceStatusRunning {
		return
	}

	patch := domain.InstancePatch{
		ID:          exec.instanceID,
		CurrentStep: domain.Ptr(step.ID),
		Error:       domain.Ptr(stepErr.Error()),
		UpdatedAt:   now,
	}
	if inst.Options.PauseOnError {
		patch.Status = domain.Ptr(domain.InstanceStatusPaused)
	} else {
		patch.Status = domain.Ptr(domain.InstanceStatusFailed)
		patch.CompletedAt = &now
	}
	if _, err := m.store.UpdateInstance(ctx, patch); err != nil {
		m.logger.Error("failed to update instance after step failure",
			zap.String("instance_id", exec.instanceID),
			zap.Error(err))
		return
	}

	if inst.Options.PauseOnError {
		exec.sched.Halt()
		m.emit(ctx, exec.instanceID, domain.EventInstancePaused, errorPayload{StepID: step.ID, Error: stepErr.Error()})
		return
	}
	m.emit(ctx, exec.instanceID, domain.EventInstanceFailed, errorPayload{StepID: step.ID, Error: stepErr.Error()})
}

// finalize settles the instance status once the scheduler is done. A failed
// or paused instance keeps the error it recorded first.
func (m *Manager) finalize(ctx context.Context, exec *execution) error {
	unlock := m.lock(exec.instanceID)
	defer unlock()

	inst, err := m.getInstance(ctx, exec.instanceID)
	if err != nil {
		return err
	}
	now := m.now()

	switch inst.Status {
	case domain.InstanceStatusFailed:
		if _, err := m.store.UpdateInstance(ctx, domain.InstancePatch{ID: inst.ID, UpdatedAt: now}); err != nil {
			return fmt.Errorf("failed to update instance: %w", err)
		}
		m.metrics.RecordInstanceFinished(string(inst.Status), elapsed(inst, now))
		return nil
	case domain.InstanceStatusRunning:
	default:
		if _, err := m.store.UpdateInstance(ctx, domain.InstancePatch{ID: inst.ID, UpdatedAt: now}); err != nil {
			return fmt.Errorf("failed to update instance: %w", err)
		}
		return nil
	}

	rows, err := m.store.GetStepsForInstance(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("failed to get steps: %w", err)
	}

	var failed *domain.StepExecution
	completed := 0
	for _, row := range rows {
		switch row.Status {
		case domain.StepStatusFailed:
			if failed == nil {
				failed = row
			}
		case domain.StepStatusCompleted:
			completed++
		}
	}

	switch {
	case failed != nil:
		if _, err := m.store.UpdateInstance(ctx, domain.InstancePatch{
			ID:          inst.ID,
			Status:      domain.Ptr(domain.InstanceStatusFailed),
			CurrentStep: domain.Ptr(failed.StepID),
			Error:       domain.Ptr(failed.Error),
			CompletedAt: &now,
			UpdatedAt:   now,
		}); err != nil {
			return fmt.Errorf("failed to update instance: %w", err)
		}
		m.emit(ctx, inst.ID, domain.EventInstanceFailed, errorPayload{StepID: failed.StepID, Error: failed.Error})
		m.metrics.RecordInstanceFinished(string(domain.InstanceStatusFailed), elapsed(inst, now))
		m.logger.Info("instance failed",
			zap.String("instance_id", inst.ID),
			zap.String("step_id", failed.StepID))

	case completed == len(rows):
		if _, err := m.store.UpdateInstance(ctx, domain.InstancePatch{
			ID:          inst.ID,
			Status:      domain.Ptr(domain.InstanceStatusCompleted),
			CurrentStep: domain.Ptr(domain.CurrentStepFinished),
			CompletedAt: &now,
			UpdatedAt:   now,
		}); err != nil {
			return fmt.Errorf("failed to update instance: %w", err)
		}
		m.emit(ctx, inst.ID, domain.EventInstanceCompleted, progressPayload{Completed: completed, Total: len(rows)})
		m.metrics.RecordInstanceFinished(string(domain.InstanceStatusCompleted), elapsed(inst, now))
		m.logger.Info("instance completed",
			zap.String("instance_id", inst.ID),
			zap.Int("steps", len(rows)))

	default:
		// Halted from outside (shutdown or worker cancellation) with work left
		if _, err := m.store.UpdateInstance(ctx, domain.InstancePatch{
			ID:          inst.ID,
			Status:      domain.Ptr(domain.InstanceStatusPaused),
			CurrentStep: domain.Ptr(domain.CurrentStepInterrupted),
			UpdatedAt:   now,
		}); err != nil {
			return fmt.Errorf("failed to update instance: %w", err)
		}
		m.emit(ctx, inst.ID, domain.EventInstancePaused, progressPayload{Completed: completed, Total: len(rows)})
		m.logger.Info("instance interrupted",
			zap.String("instance_id", inst.ID),
			zap.Bool("shutdown", exec.wasInterrupted()),
			zap.Int("completed", completed),
			zap.Int("total", len(rows)))
	}

	return nil
}

// stepOptions resolves the timeout and retry policy of one step
func (m *Manager) stepOptions(inst *domain.Instance, step domain.StepDef) invoker.Options {
	timeout := step.Timeout()
	if timeout <= 0 {
		timeout = inst.Options.Timeout()
	}

	retry := m.cfg.DefaultRetry
	if step.RetryPolicy != nil {
		retry = step.RetryPolicy.Normalize()
	}

	return invoker.Options{Timeout: timeout, Retry: retry}
}

// row returns the persisted row of step, creating one if it is missing
func (e *execution) row(step domain.StepDef) *domain.StepExecution {
	e.mu.Lock()
	defer e.mu.Unlock()

	row, ok := e.rows[step.ID]
	if !ok {
		row = &domain.StepExecution{
			InstanceID:  e.instanceID,
			StepID:      step.ID,
			Seq:         len(e.rows),
			Name:        step.Name,
			ToolName:    step.ToolName,
			Status:      domain.StepStatusPending,
			Cancellable: step.Cancellable,
		}
		e.rows[step.ID] = row
	}
	return row
}

// remainingSteps returns the steps a run still has to execute: everything not
// completed, minus failed steps and their transitive dependents
func remainingSteps(steps []domain.StepDef, rows []*domain.StepExecution) []domain.StepDef {
	status := make(map[string]domain.StepStatus, len(rows))
	for _, row := range rows {
		status[row.StepID] = row.Status
	}

	blocked := make(map[string]bool)
	for id, s := range status {
		if s == domain.StepStatusFailed {
			blocked[id] = true
		}
	}
	for changed := len(blocked) > 0; changed; {
		changed = false
		for _, step := range steps {
			if blocked[step.ID] {
				continue
			}
			for _, dep := range step.DependsOn {
				if blocked[dep] {
					blocked[step.ID] = true
					changed = true
					break
				}
			}
		}
	}

	out := make([]domain.StepDef, 0, len(steps))
	for _, step := range steps {
		if status[step.ID] == domain.StepStatusCompleted || blocked[step.ID] {
			continue
		}
		out = append(out, step)
	}
	return out
}

func stepDuration(row *domain.StepExecution, now time.Time) time.Duration {
	if row.StartedAt == nil {
		return 0
	}
	return now.Sub(*row.StartedAt)
}
