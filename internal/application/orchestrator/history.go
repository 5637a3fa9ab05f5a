package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/dagrun/pkg/domain"
)

// HistoryKind selects a predefined history query
type HistoryKind string

const (
	HistoryRecent     HistoryKind = "recent"
	HistoryIncomplete HistoryKind = "incomplete"
	HistoryFailed     HistoryKind = "failed"
	HistoryCompleted  HistoryKind = "completed"
	HistoryAll        HistoryKind = "all"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	defaultCleanupAge   = 30 * 24 * time.Hour
)

// HistoryQuery lists past and current instances
type HistoryQuery struct {
	Kind     HistoryKind             `json:"kind"`
	Statuses []domain.InstanceStatus `json:"statuses,omitempty"`
	PlanID   string                  `json:"plan_id,omitempty"`
	Limit    int                     `json:"limit,omitempty"`
	Offset   int                     `json:"offset,omitempty"`
}

// HistoryResult is one page of a history query
type HistoryResult struct {
	Kind      HistoryKind     `json:"kind"`
	Limit     int             `json:"limit"`
	Offset    int             `json:"offset"`
	Instances []*StatusReport `json:"instances"`
}

// CleanupKind selects which instances a cleanup removes
type CleanupKind string

const (
	CleanupCompletedOld  CleanupKind = "completed_old"
	CleanupFailedOld     CleanupKind = "failed_old"
	CleanupAllOld        CleanupKind = "all_old"
	CleanupOrphanedPlans CleanupKind = "orphaned_plans"
)

// CleanupRequest removes old history. OlderThan defaults to 30 days.
type CleanupRequest struct {
	Kind          CleanupKind   `json:"kind"`
	OlderThan     time.Duration `json:"older_than"`
	DryRun        bool          `json:"dry_run"`
	IncludeEvents bool          `json:"include_events"`
	Archive       bool          `json:"archive"`
}

// CleanupResult reports what a cleanup matched and removed
type CleanupResult struct {
	Kind     CleanupKind `json:"kind"`
	DryRun   bool        `json:"dry_run"`
	Found    int         `json:"found"`
	Deleted  int         `json:"deleted"`
	Archived int         `json:"archived"`
	IDs      []string    `json:"ids"`
}

// QueryHistory returns instances matching a predefined query, newest first
func (m *Manager) QueryHistory(ctx context.Context, q HistoryQuery) (*HistoryResult, error) {
	if q.Kind == "" {
		q.Kind = HistoryRecent
	}
	if q.Limit <= 0 {
		q.Limit = defaultHistoryLimit
	}
	if q.Limit > maxHistoryLimit {
		q.Limit = maxHistoryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	filter := domain.InstanceFilter{
		PlanID:  q.PlanID,
		OrderBy: domain.OrderByUpdatedAt,
		Limit:   q.Limit,
		Offset:  q.Offset,
	}
	switch q.Kind {
	case HistoryRecent:
		filter.OrderBy = domain.OrderByCreatedAt
	case HistoryIncomplete:
		filter.Statuses = []domain.InstanceStatus{
			domain.InstanceStatusPlanned,
			domain.InstanceStatusRunning,
			domain.InstanceStatusPaused,
		}
	case HistoryFailed:
		filter.Statuses = []domain.InstanceStatus{domain.InstanceStatusFailed}
	case HistoryCompleted:
		filter.Statuses = []domain.InstanceStatus{domain.InstanceStatusCompleted}
		filter.OrderBy = domain.OrderByCompletedAt
	case HistoryAll:
	default:
		return nil, fmt.Errorf("%w: unknown history kind %q", domain.ErrInvalidInput, q.Kind)
	}
	if len(q.Statuses) > 0 {
		filter.Statuses = intersectStatuses(filter.Statuses, q.Statuses)
		if len(filter.Statuses) == 0 {
			return &HistoryResult{Kind: q.Kind, Limit: q.Limit, Offset: q.Offset, Instances: []*StatusReport{}}, nil
		}
	}

	instances, err := m.store.ListInstances(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	result := &HistoryResult{
		Kind:      q.Kind,
		Limit:     q.Limit,
		Offset:    q.Offset,
		Instances: make([]*StatusReport, 0, len(instances)),
	}
	for _, inst := range instances {
		rows, err := m.store.GetStepsForInstance(ctx, inst.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get steps: %w", err)
		}
		report := newStatusReport(inst, rows)
		report.Running = m.activeExecution(inst.ID) != nil
		result.Instances = append(result.Instances, report)
	}
	return result, nil
}

// CleanupHistory deletes terminal instances older than the cutoff, archiving
// them first when requested
func (m *Manager) CleanupHistory(ctx context.Context, req CleanupRequest) (*CleanupResult, error) {
	if req.OlderThan <= 0 {
		req.OlderThan = defaultCleanupAge
	}
	if req.Archive && m.archiver == nil {
		return nil, fmt.Errorf("%w: no archiver configured", domain.ErrInvalidInput)
	}

	if req.Kind == CleanupOrphanedPlans {
		return m.cleanupOrphanedPlans(ctx, req)
	}

	cutoff := m.now().Add(-req.OlderThan)
	filter := domain.InstanceFilter{UpdatedBefore: &cutoff}
	switch req.Kind {
	case CleanupCompletedOld:
		filter.Statuses = []domain.InstanceStatus{domain.InstanceStatusCompleted}
		filter.UpdatedBefore = nil
		filter.CompletedBefore = &cutoff
		filter.OrderBy = domain.OrderByCompletedAt
	case CleanupFailedOld:
		filter.Statuses = []domain.InstanceStatus{domain.InstanceStatusFailed}
	case CleanupAllOld:
		filter.Statuses = []domain.InstanceStatus{domain.InstanceStatusCompleted, domain.InstanceStatusFailed}
	default:
		return nil, fmt.Errorf("%w: unknown cleanup kind %q", domain.ErrInvalidInput, req.Kind)
	}

	instances, err := m.store.ListInstances(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	result := &CleanupResult{Kind: req.Kind, DryRun: req.DryRun, IDs: []string{}}
	for _, inst := range instances {
		if m.activeExecution(inst.ID) != nil {
			continue
		}
		result.Found++
		result.IDs = append(result.IDs, inst.ID)
		if req.DryRun {
			continue
		}

		if req.Archive {
			if err := m.archiveInstance(ctx, inst); err != nil {
				return result, err
			}
			result.Archived++
		}

		if err := m.store.DeleteInstance(ctx, inst.ID, req.IncludeEvents); err != nil {
			return result, fmt.Errorf("failed to delete instance %s: %w", inst.ID, err)
		}
		m.locks.Delete(inst.ID)
		result.Deleted++
	}

	m.logger.Info("history cleanup finished",
		zap.String("kind", string(req.Kind)),
		zap.Bool("dry_run", req.DryRun),
		zap.Int("found", result.Found),
		zap.Int("deleted", result.Deleted),
		zap.Int("archived", result.Archived))

	return result, nil
}

// cleanupOrphanedPlans deletes stored plans no instance refers to
func (m *Manager) cleanupOrphanedPlans(ctx context.Context, req CleanupRequest) (*CleanupResult, error) {
	plans, err := m.store.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	instances, err := m.store.ListInstances(ctx, domain.InstanceFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	used := make(map[string]bool, len(instances))
	for _, inst := range instances {
		used[inst.PlanID] = true
	}

	result := &CleanupResult{Kind: req.Kind, DryRun: req.DryRun, IDs: []string{}}
	for _, plan := range plans {
		if used[plan.ID] {
			continue
		}
		result.Found++
		result.IDs = append(result.IDs, plan.ID)
		if req.DryRun {
			continue
		}
		if err := m.store.DeletePlan(ctx, plan.ID); err != nil {
			return result, fmt.Errorf("failed to delete plan %s: %w", plan.ID, err)
		}
		result.Deleted++
	}
	return result, nil
}

func (m *Manager) archiveInstance(ctx context.Context, inst *domain.Instance) error {
	steps, err := m.store.GetStepsForInstance(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("failed to get steps: %w", err)
	}
	events, err := m.store.ListEvents(ctx, inst.ID, domain.EventFilter{})
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}

	record := &domain.InstanceRecord{
		Instance: inst,
		Steps:    steps,
		Events:   events,
		Archived: m.now(),
	}
	if err := m.archiver.Archive(ctx, record); err != nil {
		return fmt.Errorf("failed to archive instance %s: %w", inst.ID, err)
	}
	return nil
}

func intersectStatuses(base, requested []domain.InstanceStatus) []domain.InstanceStatus {
	if len(base) == 0 {
		return requested
	}
	allowed := make(map[domain.InstanceStatus]bool, len(base))
	for _, s := range base {
		allowed[s] = true
	}
	out := make([]domain.InstanceStatus, 0, len(requested))
	for _, s := range requested {
		if allowed[s] {
			out = append(out, s)
		}
	}
	return out
}
