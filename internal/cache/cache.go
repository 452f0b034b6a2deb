// Package cache stores model responses keyed by request fingerprint.
//
// The shared store is the primary backing so every gateway instance
// sees the same entries. While the shared store is down, a bounded
// in-process LRU takes over; it holds fewer entries and is local to
// one instance, which trades hit rate for never letting the cache grow
// without limit during an outage.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/modelgate/modelgate/internal/models"
)

// ScopeGlobal marks entries shareable across clients. Anything else is
// fingerprinted per client.
const ScopeGlobal = "global"

const keyPrefix = "resp:"

// Backing is the slice of the shared store the cache needs, plus the
// degradation signal that switches it onto the local fallback.
type Backing interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Down() bool
}

// Stats is a point-in-time counter snapshot for the admin surface.
type Stats struct {
	Hits            uint64 `json:"hits"`
	Misses          uint64 `json:"misses"`
	FallbackHits    uint64 `json:"fallback_hits"`
	StoreErrors     uint64 `json:"store_errors"`
	FallbackEntries int    `json:"fallback_entries"`
	Mode            string `json:"mode"`
}

// Cache is a read-through response cache with single-flight fill.
type Cache struct {
	backing Backing
	local   *expirable.LRU[string, models.UpstreamResponse]
	ttl     time.Duration
	flight  singleflight.Group

	hits         atomic.Uint64
	misses       atomic.Uint64
	fallbackHits atomic.Uint64
	storeErrors  atomic.Uint64
}

// New creates a cache writing entries with the given ttl. fallbackSize
// bounds the local LRU used while the shared store is down.
func New(backing Backing, ttl time.Duration, fallbackSize int) *Cache {
	return &Cache{
		backing: backing,
		local:   expirable.NewLRU[string, models.UpstreamResponse](fallbackSize, nil, ttl),
		ttl:     ttl,
	}
}

// Fingerprint derives the cache key for one request. It binds the
// model, the cache scope and the normalized body, so equivalent
// requests collide and anything else cannot.
func Fingerprint(modelID, scope string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(normalizeBody(body))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeBody re-marshals JSON bodies so key order does not change
// the fingerprint. Non-JSON bodies fingerprint as raw bytes.
func normalizeBody(body []byte) []byte {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return body
	}
	norm, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return norm
}

// Get returns the cached response for a fingerprint, if present.
func (c *Cache) Get(ctx context.Context, fp string) (models.UpstreamResponse, bool) {
	if c.backing.Down() {
		if resp, ok := c.local.Get(fp); ok {
			c.fallbackHits.Add(1)
			return resp, true
		}
		c.misses.Add(1)
		return models.UpstreamResponse{}, false
	}

	raw, ok, err := c.backing.Get(ctx, keyPrefix+fp)
	if err != nil {
		c.storeErrors.Add(1)
		c.misses.Add(1)
		return models.UpstreamResponse{}, false
	}
	if !ok {
		c.misses.Add(1)
		return models.UpstreamResponse{}, false
	}

	var resp models.UpstreamResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		c.storeErrors.Add(1)
		c.misses.Add(1)
		return models.UpstreamResponse{}, false
	}
	c.hits.Add(1)
	return resp, true
}

// Put stores a response under a fingerprint for the given ttl. A zero
// ttl uses the cache's configured default. Failures are absorbed into
// the fallback; a response the cache cannot store is never an error
// for the request that produced it.
func (c *Cache) Put(ctx context.Context, fp string, resp models.UpstreamResponse, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if c.backing.Down() {
		c.local.Add(fp, resp)
		return
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.backing.Set(ctx, keyPrefix+fp, string(raw), ttl); err != nil {
		c.storeErrors.Add(1)
		c.local.Add(fp, resp)
	}
}

// Fetch returns the cached response for fp or fills it with a single
// upstream call, coalescing concurrent misses on the same fingerprint.
// fill reports whether its response may be stored. The returned status
// is "HIT" or "MISS".
func (c *Cache) Fetch(ctx context.Context, fp string, fill func(context.Context) (models.UpstreamResponse, bool, error)) (models.UpstreamResponse, string, error) {
	if resp, ok := c.Get(ctx, fp); ok {
		return resp, "HIT", nil
	}

	v, err, _ := c.flight.Do(fp, func() (interface{}, error) {
		resp, cacheable, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		if cacheable {
			c.Put(ctx, fp, resp, 0)
		}
		return resp, nil
	})
	if err != nil {
		return models.UpstreamResponse{}, "MISS", err
	}
	return v.(models.UpstreamResponse), "MISS", nil
}

// Stats snapshots the counters.
func (c *Cache) Stats() Stats {
	mode := "shared"
	if c.backing.Down() {
		mode = "fallback"
	}
	return Stats{
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		FallbackHits:    c.fallbackHits.Load(),
		StoreErrors:     c.storeErrors.Load(),
		FallbackEntries: c.local.Len(),
		Mode:            mode,
	}
}
