package sql

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/dagrun/pkg/adapters/storage/storetest"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Dialect: DialectSQLite,
		DSN:     filepath.Join(t.TempDir(), "dagrun.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.Store {
		return openSQLite(t)
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("DAGRUN_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("DAGRUN_TEST_POSTGRES_URL not set")
	}

	storetest.Run(t, func(t *testing.T) ports.Store {
		s, err := Open(context.Background(), Config{Dialect: DialectPostgres, DSN: dsn}, nil)
		require.NoError(t, err)
		for _, table := range []string{"plans", "execution_instances", "execution_steps", "execution_events"} {
			_, err := s.DB().Exec("TRUNCATE " + table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dagrun.db")
	ctx := context.Background()

	s, err := Open(ctx, Config{Dialect: DialectSQLite, DSN: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s.SavePlan(ctx, storetest.SamplePlan("p1")))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Dialect: DialectSQLite, DSN: path}, nil)
	require.NoError(t, err)
	defer s.Close()

	plan, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, plan.Steps, 3)
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b IN (?, ?)"
	assert.Equal(t, q, DialectSQLite.rebind(q))
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)", DialectPostgres.rebind(q))
	assert.Equal(t, " FOR UPDATE", DialectPostgres.lockClause())
	assert.Empty(t, DialectSQLite.lockClause())
}

func TestTimestampsSortLexically(t *testing.T) {
	a := formatTime(storetestTime(0))
	b := formatTime(storetestTime(1))
	assert.Len(t, a, len(b))
	assert.Less(t, a, b)
}

func TestEmptyResultStaysNil(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	inst := &domain.Instance{
		ID: "i1", PlanID: "p1", Status: domain.InstanceStatusPlanned,
		CreatedAt: storetestTime(0), UpdatedAt: storetestTime(0),
	}
	require.NoError(t, s.CreateInstance(ctx, inst, []*domain.StepExecution{
		{InstanceID: "i1", StepID: "a", ToolName: "echo", Status: domain.StepStatusPending},
	}))

	got, err := s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Nil(t, got.Plan)

	steps, err := s.GetStepsForInstance(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Nil(t, steps[0].Result)
	assert.Nil(t, steps[0].StartedAt)
}

func storetestTime(ms int) time.Time {
	return time.Date(2025, 1, 1, 0, 0, 0, ms*int(time.Millisecond), time.UTC)
}
