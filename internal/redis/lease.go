package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaseTTL is the processing-lease window. A worker renews on every agent
// step; a lease that outlives its worker expires and marks the task as
// orphaned for the janitor. Agent steps are LLM round-trips, so the window
// must comfortably cover one model call.
const LeaseTTL = 90 * time.Second

func leaseKey(taskID string) string { return "agent:task:lease:" + taskID }

// LeaseStore is the worker's time-boxed claim on a running task. Claiming
// guards against duplicate queue delivery; extension on every step is the
// anti-stall signal that the worker is still alive.
type LeaseStore interface {
	// Claim takes the lease via SETNX. False means another worker holds it.
	Claim(ctx context.Context, taskID, workerID string) (bool, error)
	// Extend renews the TTL, but only while workerID still owns the lease.
	Extend(ctx context.Context, taskID, workerID string) (bool, error)
	// Release deletes the lease if owned by workerID.
	Release(ctx context.Context, taskID, workerID string) error
	// Held reports whether any worker currently holds the lease.
	Held(ctx context.Context, taskID string) (bool, error)
}

type leaseStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLeaseStore creates a Redis-backed LeaseStore with the default TTL.
func NewLeaseStore(client *redis.Client) LeaseStore {
	return &leaseStore{client: client, ttl: LeaseTTL}
}

func (s *leaseStore) Claim(ctx context.Context, taskID, workerID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, leaseKey(taskID), workerID, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim lease for %s: %w", taskID, err)
	}
	return ok, nil
}

// extendScript renews the TTL only for the owning worker (atomic Lua script
// avoids races with janitor cleanup and competing claims).
var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

func (s *leaseStore) Extend(ctx context.Context, taskID, workerID string) (bool, error) {
	res, err := extendScript.Run(ctx, s.client, []string{leaseKey(taskID)}, workerID, s.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis extend lease for %s: %w", taskID, err)
	}
	return res == 1, nil
}

var releaseLeaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

func (s *leaseStore) Release(ctx context.Context, taskID, workerID string) error {
	err := releaseLeaseScript.Run(ctx, s.client, []string{leaseKey(taskID)}, workerID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release lease for %s: %w", taskID, err)
	}
	return nil
}

func (s *leaseStore) Held(ctx context.Context, taskID string) (bool, error) {
	n, err := s.client.Exists(ctx, leaseKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis lease exists for %s: %w", taskID, err)
	}
	return n == 1, nil
}
