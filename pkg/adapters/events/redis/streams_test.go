package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/dagrun/pkg/domain"
)

func newBus(t *testing.T) (*StreamsEventBus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bus, err := NewStreamsEventBus(client, "test", "consumer-1", nil)
	require.NoError(t, err)
	return bus, client
}

func TestPublishAppendsToStream(t *testing.T) {
	bus, client := newBus(t)
	ctx := context.Background()

	event := domain.Event{
		ID:         "evt-1",
		InstanceID: "i1",
		Type:       domain.EventInstanceStarted,
		Timestamp:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, bus.Publish(ctx, "instance.events", event))

	msgs, err := client.XRange(ctx, getStreamKey("instance.events"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var got domain.Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &got))
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, event.Type, got.Type)
}

func TestSubscribeReceivesNewEvents(t *testing.T) {
	bus, _ := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan domain.Event, 4)
	require.NoError(t, bus.Subscribe(ctx, "instance.events", func(_ context.Context, e domain.Event) error {
		received <- e
		return nil
	}))

	require.NoError(t, bus.Publish(context.Background(), "instance.events", domain.Event{ID: "evt-1", InstanceID: "i1"}))

	select {
	case e := <-received:
		assert.Equal(t, "evt-1", e.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestNewStreamsEventBusRequiresClient(t *testing.T) {
	_, err := NewStreamsEventBus(nil, "", "", nil)
	require.Error(t, err)
}
