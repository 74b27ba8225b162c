//go:build integration

package integration

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
	redisstore "github.com/PBaumfalk/AI-Lawyer-sub005/internal/redis"
)

// newRedisClient returns a client connected to the test container and flushes
// the database on test cleanup so tests don't interfere with each other.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ── state store ──────────────────────────────────────────────────────────────

func TestRedis_SetGetStatus_RoundTrip(t *testing.T) {
	store := redisstore.NewStateStore(newRedisClient(t))
	ctx := context.Background()

	require.NoError(t, store.SetStatus(ctx, "task-1", domain.StatusRunning))

	got, err := store.GetStatus(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got)
}

func TestRedis_GetStatus_NotFound(t *testing.T) {
	store := redisstore.NewStateStore(newRedisClient(t))

	_, err := store.GetStatus(context.Background(), "does-not-exist")
	require.Error(t, err)

	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "does-not-exist", notFound.ID)
}

func TestRedis_SetGetMeta_RoundTrip(t *testing.T) {
	store := redisstore.NewStateStore(newRedisClient(t))
	ctx := context.Background()

	task := &domain.Task{
		ID:          "task-meta-1",
		CaseID:      "case-1",
		UserID:      "user-1",
		Instruction: "Akte zusammenfassen.",
		Status:      domain.StatusQueued,
	}
	require.NoError(t, store.SetTaskMeta(ctx, task))

	got, err := store.GetTaskMeta(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.CaseID, got.CaseID)
	assert.Equal(t, task.Status, got.Status)
}

func TestRedis_StatusTransitions(t *testing.T) {
	store := redisstore.NewStateStore(newRedisClient(t))
	ctx := context.Background()

	transitions := []domain.Status{
		domain.StatusQueued,
		domain.StatusRunning,
		domain.StatusDone,
	}
	for _, status := range transitions {
		require.NoError(t, store.SetStatus(ctx, "task-fsm", status))
		got, err := store.GetStatus(ctx, "task-fsm")
		require.NoError(t, err)
		assert.Equal(t, status, got, "status should be %s", status)
	}
}

// ── processing lease ─────────────────────────────────────────────────────────

func TestRedis_Lease_ClaimIsExclusive(t *testing.T) {
	lease := redisstore.NewLeaseStore(newRedisClient(t))
	ctx := context.Background()

	claimed, err := lease.Claim(ctx, "task-1", "worker-a")
	require.NoError(t, err)
	assert.True(t, claimed)

	// A duplicate delivery on another worker must lose the claim.
	claimed, err = lease.Claim(ctx, "task-1", "worker-b")
	require.NoError(t, err)
	assert.False(t, claimed)

	held, err := lease.Held(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestRedis_Lease_ExtendOnlyByOwner(t *testing.T) {
	lease := redisstore.NewLeaseStore(newRedisClient(t))
	ctx := context.Background()

	claimed, err := lease.Claim(ctx, "task-1", "worker-a")
	require.NoError(t, err)
	require.True(t, claimed)

	ok, err := lease.Extend(ctx, "task-1", "worker-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lease.Extend(ctx, "task-1", "worker-b")
	require.NoError(t, err)
	assert.False(t, ok, "a non-owner must not renew the lease")
}

func TestRedis_Lease_ReleaseFreesTheTask(t *testing.T) {
	lease := redisstore.NewLeaseStore(newRedisClient(t))
	ctx := context.Background()

	claimed, err := lease.Claim(ctx, "task-1", "worker-a")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, lease.Release(ctx, "task-1", "worker-a"))

	held, err := lease.Held(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, held)
}

// ── review lock ──────────────────────────────────────────────────────────────

func TestRedis_ReviewLock_AcquireContendRelease(t *testing.T) {
	locks := redisstore.NewReviewLockStore(newRedisClient(t))
	ctx := context.Background()

	ok, _, err := locks.Acquire(ctx, "draft-1", redisstore.LockHolder{UserID: "user-1", UserName: "Dr. Weber"})
	require.NoError(t, err)
	assert.True(t, ok)

	// Contention returns the current holder.
	ok, holder, err := locks.Acquire(ctx, "draft-1", redisstore.LockHolder{UserID: "user-2", UserName: "B. Fischer"})
	require.NoError(t, err)
	assert.False(t, ok)
	require.NotNil(t, holder)
	assert.Equal(t, "user-1", holder.UserID)
	assert.Equal(t, "Dr. Weber", holder.UserName)

	// Only the holder releases without force.
	released, err := locks.Release(ctx, "draft-1", "user-2", false)
	require.NoError(t, err)
	assert.False(t, released)

	released, err = locks.Release(ctx, "draft-1", "user-1", false)
	require.NoError(t, err)
	assert.True(t, released)

	current, err := locks.Holder(ctx, "draft-1")
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestRedis_ReviewLock_ForceRelease(t *testing.T) {
	locks := redisstore.NewReviewLockStore(newRedisClient(t))
	ctx := context.Background()

	ok, _, err := locks.Acquire(ctx, "draft-1", redisstore.LockHolder{UserID: "user-1", UserName: "Dr. Weber"})
	require.NoError(t, err)
	require.True(t, ok)

	released, err := locks.Release(ctx, "draft-1", "admin-1", true)
	require.NoError(t, err)
	assert.True(t, released, "force must override the holder check")
}

// ── event bus ────────────────────────────────────────────────────────────────

func TestRedis_EventBus_UserAndCaseChannels(t *testing.T) {
	client := newRedisClient(t)
	bus := redisstore.NewEventBus(client, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, stop := bus.SubscribeUser(ctx, "user-1", "case-1")
	defer stop()

	// Redis pub/sub drops messages published before the subscription is
	// live; give it a moment.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, bus.Publish(ctx, "user-1", domain.Event{
		Kind:   domain.EventTaskStarted,
		TaskID: "task-1",
		CaseID: "case-2",
	}))
	require.NoError(t, bus.Publish(ctx, "", domain.Event{
		Kind:    domain.EventDraftLocked,
		CaseID:  "case-1",
		DraftID: "draft-1",
	}))

	kinds := make(map[string]bool)
	for len(kinds) < 2 {
		select {
		case ev := <-events:
			kinds[ev.Kind] = true
		case <-ctx.Done():
			t.Fatalf("timed out, received kinds: %v", kinds)
		}
	}
	assert.True(t, kinds[domain.EventTaskStarted], "user channel event")
	assert.True(t, kinds[domain.EventDraftLocked], "case channel event")
}

func TestRedis_EventBus_CancelBroadcast(t *testing.T) {
	client := newRedisClient(t)
	bus := redisstore.NewEventBus(client, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cancels, stop := bus.SubscribeCancel(ctx)
	defer stop()
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, bus.RequestCancel(ctx, "task-42"))

	select {
	case taskID := <-cancels:
		assert.Equal(t, "task-42", taskID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for cancel broadcast")
	}
}

// ── rate limiter ─────────────────────────────────────────────────────────────

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 5, time.Second)
	ctx := context.Background()

	for i := range 5 {
		ok, err := limiter.Allow(ctx, "within-limit")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 3, time.Second)
	ctx := context.Background()

	for range 3 {
		ok, err := limiter.Allow(ctx, "over-limit")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "over-limit")
	require.NoError(t, err)
	assert.False(t, ok, "4th request should be rate-limited")
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	// Use a short window so the test doesn't take too long.
	window := 200 * time.Millisecond
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 2, window)
	ctx := context.Background()

	for range 2 {
		ok, err := limiter.Allow(ctx, "expiry-key")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "expiry-key")
	require.NoError(t, err)
	assert.False(t, ok, "should be blocked within window")

	// After the window expires, the limit resets.
	time.Sleep(window + 50*time.Millisecond)

	ok, err = limiter.Allow(ctx, "expiry-key")
	require.NoError(t, err)
	assert.True(t, ok, "should be allowed after window expires")
}

func TestRateLimiter_IndependentCases(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 1, time.Second)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "case-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "case-a")
	require.NoError(t, err)
	assert.False(t, ok, "case-a should be limited")

	// case-b has its own independent window.
	ok, err = limiter.Allow(ctx, "case-b")
	require.NoError(t, err)
	assert.True(t, ok, "case-b should be independent of case-a")
}
