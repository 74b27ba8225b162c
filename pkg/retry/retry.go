// Package retry provides bounded retries with quadratic backoff for
// transient failures: queue publishes, webhook deliveries, and similar
// calls that are worth a second attempt but not an unbounded loop.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls including the first.
	// Zero or negative means a single attempt.
	MaxAttempts int
	// BaseDelay scales the backoff. The wait after attempt n is
	// BaseDelay * n².
	BaseDelay time.Duration
	// OnRetry runs after a failed attempt, before the backoff sleep.
	// attempt is 1-indexed (1 = first attempt just failed).
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds or cfg.MaxAttempts is exhausted, returning
// nil on the first success and the last error otherwise. A cancelled ctx
// aborts the backoff sleep but never interrupts a running fn.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		select {
		case <-time.After(cfg.BaseDelay * time.Duration(attempt*attempt)):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}
