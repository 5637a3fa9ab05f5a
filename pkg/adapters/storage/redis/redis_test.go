package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/dagrun/pkg/adapters/storage/storetest"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.Store {
		_, client := newClient(t)
		return NewStore(client, 0, nil)
	})
}

func TestStoreTTLExpiresInstances(t *testing.T) {
	mr, client := newClient(t)
	s := NewStore(client, time.Minute, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	inst := &domain.Instance{ID: "i1", PlanID: "p1", Status: domain.InstanceStatusCompleted, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateInstance(ctx, inst, nil))

	list, err := s.ListInstances(ctx, domain.InstanceFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	mr.FastForward(2 * time.Minute)

	_, err = s.GetInstance(ctx, "i1")
	require.ErrorIs(t, err, ports.ErrNotFound)

	list, err = s.ListInstances(ctx, domain.InstanceFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	// the stale id is pruned from the index
	members, err := client.ZRange(ctx, instancesIndexKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestCreateInstanceRejectsDuplicates(t *testing.T) {
	_, client := newClient(t)
	s := NewStore(client, 0, nil)
	ctx := context.Background()

	inst := &domain.Instance{ID: "i1", PlanID: "p1", Status: domain.InstanceStatusPlanned}
	require.NoError(t, s.CreateInstance(ctx, inst, nil))
	require.Error(t, s.CreateInstance(ctx, inst, nil))
}
