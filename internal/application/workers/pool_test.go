package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedPool(t *testing.T, size, queue int) *Pool {
	t.Helper()
	p := NewPool(size, queue, nil, nil, 0)
	require.NoError(t, p.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestSubmitBeforeStart(t *testing.T) {
	p := NewPool(1, 1, nil, nil, 0)
	_, err := p.Submit(context.Background(), "x", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestHandleWait(t *testing.T) {
	p := startedPool(t, 2, 4)

	h, err := p.Submit(context.Background(), "ok", func(context.Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))

	boom := errors.New("boom")
	h, err = p.Submit(context.Background(), "bad", func(context.Context) error { return boom })
	require.NoError(t, err)
	<-h.Done()
	assert.ErrorIs(t, h.Err(), boom)
	assert.Equal(t, "bad", h.ID)
}

func TestFailureHookReceivesErrors(t *testing.T) {
	p := NewPool(1, 1, nil, nil, 0)

	var mu sync.Mutex
	failures := make(map[string]error)
	p.OnFailure(func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failures[id] = err
	})
	require.NoError(t, p.Start())
	defer p.Shutdown(context.Background())

	h, err := p.Submit(context.Background(), "panicky", func(context.Context) error {
		panic("kaboom")
	})
	require.NoError(t, err)
	require.Error(t, h.Wait(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failures["panicky"] != nil
	}, time.Second, 5*time.Millisecond)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := startedPool(t, 2, 10)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	var handles []*Handle
	for i := 0; i < 6; i++ {
		h, err := p.Submit(context.Background(), "t", func(context.Context) error {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.NoError(t, h.Wait(context.Background()))
	}
	assert.LessOrEqual(t, peak, 2)
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	p := NewPool(1, 1, nil, nil, 0)
	require.NoError(t, p.Start())

	started := make(chan struct{})
	h, err := p.Submit(context.Background(), "slow", func(context.Context) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, h.Err())

	select {
	case <-h.Done():
	default:
		t.Fatal("in-flight task did not finish before shutdown returned")
	}

	_, err = p.Submit(context.Background(), "late", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestShutdownTimeoutCancelsTasks(t *testing.T) {
	p := NewPool(1, 1, nil, nil, 0)
	require.NoError(t, p.Start())

	started := make(chan struct{})
	h, err := p.Submit(context.Background(), "stuck", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, p.Shutdown(ctx))
	assert.ErrorIs(t, h.Err(), context.Canceled)
}

func TestHealthStatus(t *testing.T) {
	p := startedPool(t, 3, 1)

	status := p.Health().GetStatus()
	assert.Equal(t, 3, status.TotalWorkers)
	assert.Equal(t, 3, status.IdleWorkers)
	assert.True(t, status.Healthy)
}
