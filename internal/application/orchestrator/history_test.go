package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/dagrun/pkg/domain"
)

type fakeArchiver struct {
	mu      sync.Mutex
	records []*domain.InstanceRecord
}

func (f *fakeArchiver) Archive(_ context.Context, record *domain.InstanceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

// seedHistory creates one completed, one failed and one planned instance
func seedHistory(t *testing.T, h *harness) (completed, failed, planned string) {
	t.Helper()
	ctx := context.Background()
	h.savePlan(t, "ok", recordStep("A"))
	h.savePlan(t, "bad", toolStep("A", "fail"))

	completed, handle, err := h.manager.Start(ctx, "ok", domain.ExecutionOptions{})
	require.NoError(t, err)
	waitHandle(t, handle)

	failed, handle, err = h.manager.Start(ctx, "bad", domain.ExecutionOptions{})
	require.NoError(t, err)
	waitHandle(t, handle)

	planned, err = h.manager.Create(ctx, "ok", domain.ExecutionOptions{})
	require.NoError(t, err)
	return completed, failed, planned
}

func historyIDs(res *HistoryResult) []string {
	ids := make([]string, 0, len(res.Instances))
	for _, r := range res.Instances {
		ids = append(ids, r.Instance.ID)
	}
	return ids
}

func TestQueryHistory(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	completed, failed, planned := seedHistory(t, h)

	res, err := h.manager.QueryHistory(ctx, HistoryQuery{})
	require.NoError(t, err)
	assert.Equal(t, HistoryRecent, res.Kind)
	assert.Equal(t, defaultHistoryLimit, res.Limit)
	assert.Equal(t, []string{planned, failed, completed}, historyIDs(res))

	res, err = h.manager.QueryHistory(ctx, HistoryQuery{Kind: HistoryCompleted})
	require.NoError(t, err)
	assert.Equal(t, []string{completed}, historyIDs(res))
	assert.Equal(t, "1/1 steps", res.Instances[0].Progress)

	res, err = h.manager.QueryHistory(ctx, HistoryQuery{Kind: HistoryFailed})
	require.NoError(t, err)
	assert.Equal(t, []string{failed}, historyIDs(res))

	res, err = h.manager.QueryHistory(ctx, HistoryQuery{Kind: HistoryIncomplete})
	require.NoError(t, err)
	assert.Equal(t, []string{planned}, historyIDs(res))

	res, err = h.manager.QueryHistory(ctx, HistoryQuery{
		Kind:     HistoryAll,
		Statuses: []domain.InstanceStatus{domain.InstanceStatusCompleted, domain.InstanceStatusFailed},
		Limit:    500,
	})
	require.NoError(t, err)
	assert.Equal(t, maxHistoryLimit, res.Limit)
	assert.Len(t, res.Instances, 2)

	res, err = h.manager.QueryHistory(ctx, HistoryQuery{Kind: HistoryFailed, Statuses: []domain.InstanceStatus{domain.InstanceStatusCompleted}})
	require.NoError(t, err)
	assert.Empty(t, res.Instances)

	res, err = h.manager.QueryHistory(ctx, HistoryQuery{Kind: HistoryAll, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, res.Instances, 1)

	_, err = h.manager.QueryHistory(ctx, HistoryQuery{Kind: "weird"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCleanupHistory(t *testing.T) {
	archiver := &fakeArchiver{}
	h := newHarness(t, Config{}, Dependencies{Archiver: archiver})
	ctx := context.Background()
	completed, failed, planned := seedHistory(t, h)

	// Nothing is old yet
	res, err := h.manager.CleanupHistory(ctx, CleanupRequest{Kind: CleanupAllOld})
	require.NoError(t, err)
	assert.Zero(t, res.Found)

	h.manager.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }

	res, err = h.manager.CleanupHistory(ctx, CleanupRequest{Kind: CleanupAllOld, OlderThan: 24 * time.Hour, DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 2, res.Found)
	assert.Zero(t, res.Deleted)
	assert.ElementsMatch(t, []string{completed, failed}, res.IDs)

	res, err = h.manager.CleanupHistory(ctx, CleanupRequest{
		Kind:          CleanupCompletedOld,
		OlderThan:     24 * time.Hour,
		IncludeEvents: true,
		Archive:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Archived)
	require.Len(t, archiver.records, 1)
	assert.Equal(t, completed, archiver.records[0].Instance.ID)
	assert.NotEmpty(t, archiver.records[0].Steps)
	assert.NotEmpty(t, archiver.records[0].Events)

	_, err = h.manager.GetStatus(ctx, completed, false)
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
	events, err := h.store.ListEvents(ctx, completed, domain.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)

	res, err = h.manager.CleanupHistory(ctx, CleanupRequest{Kind: CleanupFailedOld, OlderThan: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []string{failed}, res.IDs)

	// Planned instances are never cleaned up
	_, err = h.manager.GetStatus(ctx, planned, false)
	require.NoError(t, err)

	_, err = h.manager.CleanupHistory(ctx, CleanupRequest{Kind: "everything"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCleanupOrphanedPlans(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	ctx := context.Background()
	h.savePlan(t, "used", recordStep("A"))
	h.savePlan(t, "unused", recordStep("A"))

	_, err := h.manager.Create(ctx, "used", domain.ExecutionOptions{})
	require.NoError(t, err)

	res, err := h.manager.CleanupHistory(ctx, CleanupRequest{Kind: CleanupOrphanedPlans})
	require.NoError(t, err)
	assert.Equal(t, []string{"unused"}, res.IDs)

	plans, err := h.store.ListPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "used", plans[0].ID)
}

func TestCleanupArchiveRequiresArchiver(t *testing.T) {
	h := newHarness(t, Config{}, Dependencies{})
	_, err := h.manager.CleanupHistory(context.Background(), CleanupRequest{Kind: CleanupAllOld, Archive: true})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
