package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockTTL is the review lock expiry. There is no heartbeat renewal: a
// reviewer who holds a lock longer than this silently loses it.
const LockTTL = 5 * time.Minute

func lockKey(draftID string) string { return "review:lock:" + draftID }

// LockHolder is the JSON value stored under a lock key.
type LockHolder struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// ReviewLockStore is the key-value side of review locking. Mutual exclusion
// comes entirely from Redis SETNX; the application holds no in-process lock
// state, which is what makes failing open on store errors safe to reason
// about.
type ReviewLockStore interface {
	// Acquire attempts SETNX on the draft's lock key. On contention the
	// current holder is returned with acquired=false.
	Acquire(ctx context.Context, draftID string, holder LockHolder) (acquired bool, current *LockHolder, err error)
	// Release deletes the key if held by userID (or unconditionally when
	// force is set). Releasing a missing lock reports released=true.
	Release(ctx context.Context, draftID, userID string, force bool) (released bool, err error)
	// Holder returns the current holder, or nil when unlocked.
	Holder(ctx context.Context, draftID string) (*LockHolder, error)
}

type reviewLockStore struct {
	client *redis.Client
}

// NewReviewLockStore creates a Redis-backed ReviewLockStore.
func NewReviewLockStore(client *redis.Client) ReviewLockStore {
	return &reviewLockStore{client: client}
}

func (s *reviewLockStore) Acquire(ctx context.Context, draftID string, holder LockHolder) (bool, *LockHolder, error) {
	val, err := json.Marshal(holder)
	if err != nil {
		return false, nil, fmt.Errorf("marshal lock holder: %w", err)
	}

	ok, err := s.client.SetNX(ctx, lockKey(draftID), val, LockTTL).Result()
	if err != nil {
		return false, nil, fmt.Errorf("redis setnx lock for draft %s: %w", draftID, err)
	}
	if ok {
		return true, nil, nil
	}

	current, err := s.Holder(ctx, draftID)
	if err != nil {
		return false, nil, err
	}
	if current == nil {
		// Lock expired between SETNX and GET. Report contention with an
		// unknown holder; the caller simply retries.
		return false, &LockHolder{}, nil
	}
	return false, current, nil
}

// releaseScript deletes the lock only when the stored holder matches.
// The compare-and-delete must be atomic or a just-expired-and-reacquired
// lock could be deleted out from under its new holder.
var releaseScript = redis.NewScript(`
	local val = redis.call("get", KEYS[1])
	if not val then
		return 1
	end
	local holder = cjson.decode(val)
	if holder["user_id"] == ARGV[1] or ARGV[2] == "1" then
		redis.call("del", KEYS[1])
		return 1
	end
	return 0
`)

func (s *reviewLockStore) Release(ctx context.Context, draftID, userID string, force bool) (bool, error) {
	forceArg := "0"
	if force {
		forceArg = "1"
	}
	res, err := releaseScript.Run(ctx, s.client, []string{lockKey(draftID)}, userID, forceArg).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis release lock for draft %s: %w", draftID, err)
	}
	return res == 1, nil
}

func (s *reviewLockStore) Holder(ctx context.Context, draftID string) (*LockHolder, error) {
	data, err := s.client.Get(ctx, lockKey(draftID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get lock for draft %s: %w", draftID, err)
	}
	var holder LockHolder
	if err := json.Unmarshal(data, &holder); err != nil {
		return nil, fmt.Errorf("unmarshal lock holder for draft %s: %w", draftID, err)
	}
	return &holder, nil
}
