package db

import (
	"context"
	"sync"
	"time"

	"github.com/modelgate/modelgate/internal/models"
)

// ClientSource is the lookup the cache reads through to.
type ClientSource interface {
	GetClientByID(ctx context.Context, id string) (*models.Client, error)
}

type cachedClient struct {
	client    *models.Client
	expiresAt time.Time
}

// ClientCache is a read-through cache over client lookups. The
// per-request directory hit is far too frequent for Postgres, and a
// short TTL keeps admin actions (suspend, quota change) visible within
// seconds across every gateway instance.
type ClientCache struct {
	src     ClientSource
	ttl     time.Duration
	entries sync.Map
	nowFunc func() time.Time
}

func NewClientCache(src ClientSource, ttl time.Duration) *ClientCache {
	return &ClientCache{src: src, ttl: ttl, nowFunc: time.Now}
}

// SetClock overrides the cache's time source. Tests only; call before
// any concurrent use.
func (c *ClientCache) SetClock(now func() time.Time) {
	c.nowFunc = now
}

// GetClientByID serves from cache within the TTL, refreshing from the
// source otherwise. Lookup failures are not cached.
func (c *ClientCache) GetClientByID(ctx context.Context, id string) (*models.Client, error) {
	if v, ok := c.entries.Load(id); ok {
		entry := v.(cachedClient)
		if c.nowFunc().Before(entry.expiresAt) {
			return entry.client, nil
		}
		c.entries.Delete(id)
	}

	client, err := c.src.GetClientByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.entries.Store(id, cachedClient{client: client, expiresAt: c.nowFunc().Add(c.ttl)})
	return client, nil
}

// Invalidate drops one client so the next lookup refetches. Admin
// mutations call this on their own instance; other instances converge
// within the TTL.
func (c *ClientCache) Invalidate(id string) {
	c.entries.Delete(id)
}
