package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duetchat/duet/internal/cache"
	"github.com/duetchat/duet/internal/config"
)

// setupCache starts a miniredis per test and wires a RedisCache to it.
func setupCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := config.New()
	cfg.Redis.Addr = mr.Addr()

	return cache.NewRedisCache(cfg), mr
}

const lockTTL = 4 * time.Second

// TestReserveLocksCandidate checks the happy path: one waiting
// candidate gets popped and locked, a second round finds nobody.
func TestReserveLocksCandidate(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	require.NoError(t, c.Enqueue(ctx, 200, "", false))

	status, resv, err := c.Reserve(ctx, 100, lockTTL, []string{cache.QueueGlobal()})
	require.NoError(t, err)
	require.Equal(t, cache.ReserveOK, status)
	assert.Equal(t, int64(200), resv.CandidateTG)
	assert.Equal(t, cache.QueueGlobal(), resv.SourceQueue)

	// Candidate is locked and no longer queued.
	assert.True(t, mr.Exists(cache.LockMatch(200)))
	assert.False(t, mr.Exists(cache.QueueGlobal()))

	status, _, err = c.Reserve(ctx, 100, lockTTL, []string{cache.QueueGlobal()})
	require.NoError(t, err)
	assert.Equal(t, cache.ReserveNone, status)
}

// TestReserveSkipsSelf ensures a searcher never reserves their own
// stale queue entry; the entry is pushed back untouched.
func TestReserveSkipsSelf(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	require.NoError(t, c.Enqueue(ctx, 100, "", false))

	status, _, err := c.Reserve(ctx, 100, lockTTL, []string{cache.QueueGlobal()})
	require.NoError(t, err)
	assert.Equal(t, cache.ReserveNone, status)

	members, err := mr.List(cache.QueueGlobal())
	require.NoError(t, err)
	assert.Equal(t, []string{"100"}, members)
}

// TestReserveSearcherAlreadyActive: a searcher with an active-dialog
// mirror is reported ACTIVE before any queue is touched.
func TestReserveSearcherAlreadyActive(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	require.NoError(t, c.Enqueue(ctx, 200, "", false))
	require.NoError(t, mr.Set(cache.ActiveDialog(100), "7"))

	status, _, err := c.Reserve(ctx, 100, lockTTL, []string{cache.QueueGlobal()})
	require.NoError(t, err)
	assert.Equal(t, cache.ReserveActive, status)

	// Queue untouched.
	members, err := mr.List(cache.QueueGlobal())
	require.NoError(t, err)
	assert.Equal(t, []string{"200"}, members)
}

// TestReserveSkipsActiveCandidate: a candidate whose active-dialog
// mirror is set goes back to the queue instead of being reserved.
func TestReserveSkipsActiveCandidate(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	require.NoError(t, c.Enqueue(ctx, 200, "", false))
	require.NoError(t, mr.Set(cache.ActiveDialog(200), "7"))

	status, _, err := c.Reserve(ctx, 100, lockTTL, []string{cache.QueueGlobal()})
	require.NoError(t, err)
	assert.Equal(t, cache.ReserveNone, status)

	members, err := mr.List(cache.QueueGlobal())
	require.NoError(t, err)
	assert.Equal(t, []string{"200"}, members)
	assert.False(t, mr.Exists(cache.LockMatch(200)))
}

// TestReserveSkipsLockedCandidate: a candidate already locked by a
// concurrent search is pushed back, not double-reserved.
func TestReserveSkipsLockedCandidate(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	require.NoError(t, c.Enqueue(ctx, 200, "", false))
	require.NoError(t, mr.Set(cache.LockMatch(200), "1"))

	status, _, err := c.Reserve(ctx, 100, lockTTL, []string{cache.QueueGlobal()})
	require.NoError(t, err)
	assert.Equal(t, cache.ReserveNone, status)

	members, err := mr.List(cache.QueueGlobal())
	require.NoError(t, err)
	assert.Equal(t, []string{"200"}, members)
}

// TestRequeue returns an abandoned reservation: candidate back in the
// source queue, lock released.
func TestRequeue(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	require.NoError(t, c.Enqueue(ctx, 200, "", false))

	status, resv, err := c.Reserve(ctx, 100, lockTTL, []string{cache.QueueGlobal()})
	require.NoError(t, err)
	require.Equal(t, cache.ReserveOK, status)

	require.NoError(t, c.Requeue(ctx, resv))

	assert.False(t, mr.Exists(cache.LockMatch(200)))
	members, err := mr.List(cache.QueueGlobal())
	require.NoError(t, err)
	assert.Equal(t, []string{"200"}, members)
}

// TestReserveQueuePriority: the first queue in the argument list wins.
func TestReserveQueuePriority(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCache(t)

	require.NoError(t, c.Enqueue(ctx, 200, "berlin", false))
	require.NoError(t, c.Enqueue(ctx, 300, "", false))

	status, resv, err := c.Reserve(ctx, 100, lockTTL,
		[]string{cache.QueueCity("berlin"), cache.QueueGlobal()})
	require.NoError(t, err)
	require.Equal(t, cache.ReserveOK, status)
	assert.Equal(t, int64(200), resv.CandidateTG)
	assert.Equal(t, cache.QueueCity("berlin"), resv.SourceQueue)
}

// TestEnqueueIsIdempotent: repeated searches keep one slot per queue.
func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	require.NoError(t, c.Enqueue(ctx, 100, "berlin", true))
	require.NoError(t, c.Enqueue(ctx, 100, "berlin", true))

	for _, q := range []string{cache.QueuePremiumCity("berlin"), cache.QueuePremiumGlobal()} {
		members, err := mr.List(q)
		require.NoError(t, err)
		assert.Equal(t, []string{"100"}, members, q)
	}
}

// TestDequeueAllClearsEveryVariant covers cancel search.
func TestDequeueAllClearsEveryVariant(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	require.NoError(t, c.Enqueue(ctx, 100, "berlin", false))
	require.NoError(t, c.Enqueue(ctx, 100, "berlin", true))

	require.NoError(t, c.DequeueAll(ctx, 100, "berlin"))

	for _, q := range []string{
		cache.QueueGlobal(), cache.QueuePremiumGlobal(),
		cache.QueueCity("berlin"), cache.QueuePremiumCity("berlin"),
	} {
		assert.False(t, mr.Exists(q), q)
	}
}

// TestRateLimit: first call passes, second inside the window is
// limited, a new window admits again.
func TestRateLimit(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	key := cache.RateLimitTerminate(100)
	assert.True(t, c.RateLimit(ctx, key, 2*time.Second))
	assert.False(t, c.RateLimit(ctx, key, 2*time.Second))

	mr.FastForward(3 * time.Second)
	assert.True(t, c.RateLimit(ctx, key, 2*time.Second))
}
