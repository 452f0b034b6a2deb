package store

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Failover routes every operation to the primary store under a bounded
// timeout and falls back to the local store when the primary fails.
// After a failure the primary is skipped for a cooldown before being
// probed again. Falling back weakens replay and rate-limit guarantees
// to per-process scope, so the transition is logged as a
// security-relevant degradation.
type Failover struct {
	primary  Store
	local    Store
	timeout  time.Duration
	cooldown time.Duration

	mu        sync.Mutex
	downUntil time.Time
	nowFunc   func() time.Time
}

func NewFailover(primary, local Store, timeout, cooldown time.Duration) *Failover {
	return &Failover{
		primary:  primary,
		local:    local,
		timeout:  timeout,
		cooldown: cooldown,
		nowFunc:  time.Now,
	}
}

// Down reports whether operations are currently served by the local
// fallback.
func (f *Failover) Down() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nowFunc().Before(f.downUntil)
}

// Mode is the health-endpoint label for the active backing.
func (f *Failover) Mode() string {
	if f.Down() {
		return "fallback"
	}
	return "shared"
}

func (f *Failover) markDown(op string, err error) {
	f.mu.Lock()
	now := f.nowFunc()
	already := now.Before(f.downUntil)
	f.downUntil = now.Add(f.cooldown)
	f.mu.Unlock()

	if !already {
		logrus.WithFields(logrus.Fields{
			"component": "store",
			"op":        op,
			"cooldown":  f.cooldown.String(),
		}).WithError(err).Warn("shared store unreachable, using in-process fallback")
	}
}

func (f *Failover) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, f.timeout)
}

func (f *Failover) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !f.Down() {
		pctx, cancel := f.bound(ctx)
		ok, err := f.primary.SetNX(pctx, key, value, ttl)
		cancel()
		if err == nil {
			return ok, nil
		}
		if ctx.Err() != nil {
			return false, err
		}
		f.markDown("setnx", err)
	}
	return f.local.SetNX(ctx, key, value, ttl)
}

func (f *Failover) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if !f.Down() {
		pctx, cancel := f.bound(ctx)
		n, err := f.primary.IncrBy(pctx, key, delta, ttl)
		cancel()
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, err
		}
		f.markDown("incrby", err)
	}
	return f.local.IncrBy(ctx, key, delta, ttl)
}

func (f *Failover) Get(ctx context.Context, key string) (string, bool, error) {
	if !f.Down() {
		pctx, cancel := f.bound(ctx)
		v, ok, err := f.primary.Get(pctx, key)
		cancel()
		if err == nil {
			return v, ok, nil
		}
		if ctx.Err() != nil {
			return "", false, err
		}
		f.markDown("get", err)
	}
	return f.local.Get(ctx, key)
}

func (f *Failover) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if !f.Down() {
		pctx, cancel := f.bound(ctx)
		err := f.primary.Set(pctx, key, value, ttl)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		f.markDown("set", err)
	}
	return f.local.Set(ctx, key, value, ttl)
}

func (f *Failover) Delete(ctx context.Context, key string) error {
	if !f.Down() {
		pctx, cancel := f.bound(ctx)
		err := f.primary.Delete(pctx, key)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		f.markDown("delete", err)
	}
	return f.local.Delete(ctx, key)
}

func (f *Failover) TakeTokens(ctx context.Context, key string, capacity, refillPerSec, cost float64) (TakeResult, error) {
	if !f.Down() {
		pctx, cancel := f.bound(ctx)
		res, err := f.primary.TakeTokens(pctx, key, capacity, refillPerSec, cost)
		cancel()
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return TakeResult{}, err
		}
		f.markDown("taketokens", err)
	}
	return f.local.TakeTokens(ctx, key, capacity, refillPerSec, cost)
}

func (f *Failover) Ping(ctx context.Context) error {
	pctx, cancel := f.bound(ctx)
	defer cancel()
	return f.primary.Ping(pctx)
}

func (f *Failover) Close() error {
	err := f.primary.Close()
	if lerr := f.local.Close(); err == nil {
		err = lerr
	}
	return err
}
