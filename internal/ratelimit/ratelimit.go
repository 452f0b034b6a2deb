// Package ratelimit enforces per-client, per-model token buckets
// against the shared store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/modelgate/modelgate/internal/models"
	"github.com/modelgate/modelgate/internal/store"
)

// Verdict is the immediate answer for one acquisition attempt.
type Verdict struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Limiter meters request admission with one token bucket per
// (client, model) pair. Buckets live in the shared store so every
// gateway instance draws from the same budget; refill and deduction
// happen in a single atomic store operation, so the limiter never
// blocks and concurrent bursts cannot overdraw.
type Limiter struct {
	store    store.Store
	defaults models.Quota
}

// NewLimiter creates a limiter. defaults applies to any model the
// client has no explicit quota for.
func NewLimiter(s store.Store, defaults models.Quota) *Limiter {
	return &Limiter{store: s, defaults: defaults}
}

// TryAcquire deducts cost from the client's bucket for modelID and
// reports the verdict. It never waits; a denied verdict carries the
// shortest delay after which one retry could succeed.
func (l *Limiter) TryAcquire(ctx context.Context, client *models.Client, modelID string, cost float64) (Verdict, error) {
	if cost <= 0 {
		cost = 1
	}
	quota := client.QuotaFor(modelID, l.defaults)
	key := fmt.Sprintf("rl:%s:%s", client.ID, modelID)

	res, err := l.store.TakeTokens(ctx, key, quota.Capacity, quota.RefillPerSec, cost)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{
		Allowed:    res.Allowed,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}
