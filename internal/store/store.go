// Package store provides the shared key-value contract used by replay
// protection, rate limiting, response caching and abuse counters. A
// Redis implementation backs normal operation; an in-process
// implementation with identical semantics serves as the degraded-mode
// fallback behind Failover.
package store

import (
	"context"
	"time"
)

// TakeResult is the outcome of one atomic token-bucket deduction.
type TakeResult struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until the bucket holds enough tokens for
	// the rejected cost. Zero when Allowed.
	RetryAfter time.Duration
}

// Store is the shared contract. SetNX, IncrBy and TakeTokens must be
// atomic per key under concurrent callers.
type Store interface {
	// SetNX records value only when key is absent, with ttl. Reports
	// whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// IncrBy adjusts a counter by delta, applying ttl only when the
	// increment creates the key.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Get returns the value and whether the key exists. A missing key
	// is not an error.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// TakeTokens refills the bucket at key by the time elapsed since
	// its last update, capped at capacity, then deducts cost if
	// available, all in one atomic step.
	TakeTokens(ctx context.Context, key string, capacity, refillPerSec, cost float64) (TakeResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// bucketTTL is how long an idle bucket key lives: twice the time a
// drained bucket needs to refill completely, with a one minute floor.
func bucketTTL(capacity, refillPerSec float64) time.Duration {
	full := time.Duration(capacity / refillPerSec * float64(time.Second))
	ttl := 2 * full
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// takeBucket is the refill-and-deduct arithmetic shared by the Lua
// script and the in-process store. now and last are microsecond
// timestamps.
func takeBucket(tokens float64, last, now int64, capacity, refillPerSec, cost float64) (float64, TakeResult) {
	elapsed := now - last
	if elapsed < 0 {
		elapsed = 0
	}
	tokens += float64(elapsed) / 1e6 * refillPerSec
	if tokens > capacity {
		tokens = capacity
	}

	if tokens >= cost {
		tokens -= cost
		return tokens, TakeResult{Allowed: true, Remaining: tokens}
	}

	wait := time.Duration((cost - tokens) / refillPerSec * float64(time.Second))
	return tokens, TakeResult{Allowed: false, Remaining: tokens, RetryAfter: wait}
}
