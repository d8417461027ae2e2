package resourcelock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/orchestrator/apperrors"
	"github.com/flowforge/orchestrator/eventbus"
	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/resourcelock"
)

func newManager(t *testing.T, opts ...resourcelock.Option) *resourcelock.Manager {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return resourcelock.New(client, opts...)
}

func TestAcquireExcludesSecondOwner(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	h1, err := m.Acquire(ctx, "res-1", "agent-a", time.Minute, 0, "")
	require.NoError(t, err)
	require.NotNil(t, h1)

	_, err = m.Acquire(ctx, "res-1", "agent-b", time.Minute, 0, "")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindLocked, apperrors.KindOf(err))
}

func TestAcquireNotReentrant(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "res-1", "agent-a", time.Minute, 0, "")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "res-1", "agent-a", time.Minute, 0, "")
	assert.Error(t, err, "same agent re-acquiring before release must fail like any other contender")
}

func TestReleaseIsOwnerScoped(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	m := resourcelock.New(client)
	ctx := context.Background()

	h1, err := m.Acquire(ctx, "res-1", "agent-a", 50*time.Millisecond, 0, "")
	require.NoError(t, err)

	// Simulate expiry and a second owner acquiring the resource. miniredis
	// only expires keys when its clock is fast-forwarded.
	srv.FastForward(80 * time.Millisecond)
	h2, err := m.Acquire(ctx, "res-1", "agent-b", time.Minute, 0, "")
	require.NoError(t, err)

	require.NoError(t, h1.Release(ctx), "stale release must be a no-op, not an error")

	locked, err := m.IsLocked(ctx, "res-1")
	require.NoError(t, err)
	assert.True(t, locked, "agent-b's lock must survive agent-a's stale release")

	require.NoError(t, h2.Release(ctx))
	locked, err = m.IsLocked(ctx, "res-1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestAcquireWaitAndRetrySucceedsAfterRelease(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	h1, err := m.Acquire(ctx, "res-1", "agent-a", time.Minute, 0, "")
	require.NoError(t, err)

	var h2 *resourcelock.Handle
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var acquireErr error
		h2, acquireErr = m.Acquire(ctx, "res-1", "agent-b", time.Minute, 2*time.Second, "")
		assert.NoError(t, acquireErr)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, h1.Release(ctx))
	wg.Wait()
	require.NotNil(t, h2)
}

func TestAcquireWaitTimeoutExpires(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "res-1", "agent-a", time.Minute, 0, "")
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(ctx, "res-1", "agent-b", time.Minute, 150*time.Millisecond, "")
	assert.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestForceUnlockEmitsAdminReason(t *testing.T) {
	bus := eventbus.New()
	m := newManager(t, resourcelock.WithEventBus(bus))
	ctx := context.Background()

	var gotReason string
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(model.EventResourceUnlocked, func(_ context.Context, evt model.Event) {
		gotReason, _ = evt.Payload["reason"].(string)
		wg.Done()
	})

	_, err := m.Acquire(ctx, "res-1", "agent-a", time.Minute, 0, "")
	require.NoError(t, err)
	require.NoError(t, m.ForceUnlock(ctx, "res-1", "admin-1"))
	wg.Wait()
	assert.Equal(t, "admin", gotReason)
}

func TestTTLExpiry(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	m := resourcelock.New(client)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "res-1", "agent-a", 50*time.Millisecond, 0, "")
	require.NoError(t, err)

	locked, err := m.IsLocked(ctx, "res-1")
	require.NoError(t, err)
	assert.True(t, locked)

	srv.FastForward(80 * time.Millisecond)
	locked, err = m.IsLocked(ctx, "res-1")
	require.NoError(t, err)
	assert.False(t, locked, "lock must expire once its ttl elapses")
}

func TestGetLockInfoReturnsNilWhenUnlocked(t *testing.T) {
	m := newManager(t)
	info, err := m.GetLockInfo(context.Background(), "res-missing")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestConcurrentAcquireOnlyOneWinner(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	const n = 20
	var wins int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			if _, err := m.Acquire(ctx, "contended", "agent", time.Minute, 0, ""); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}
