// Package router resolves model identifiers to upstream backends and
// forwards validated requests to them.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modelgate/modelgate/internal/cache"
	"github.com/modelgate/modelgate/internal/models"
)

var (
	// ErrUnknownModel means the model id is not in the catalog.
	ErrUnknownModel = errors.New("unknown model")
	// ErrModelNotAllowed means the client's allow list excludes the model.
	ErrModelNotAllowed = errors.New("model not allowed for client")
)

// Responses larger than this are truncated rather than buffered.
const maxResponseBytes = 32 << 20

// Entry describes one cataloged model.
type Entry struct {
	ModelID    string        `json:"model_id"`
	Upstream   string        `json:"-"`
	Cacheable  bool          `json:"cacheable"`
	CacheScope string        `json:"cache_scope,omitempty"`
	Cost       float64       `json:"cost"`
	Timeout    time.Duration `json:"-"`
}

// Catalog is the immutable model registry built at startup.
type Catalog struct {
	entries map[string]Entry
	order   []string
}

func NewCatalog(entries ...Entry) *Catalog {
	c := &Catalog{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if _, dup := c.entries[e.ModelID]; dup {
			continue
		}
		c.entries[e.ModelID] = e
		c.order = append(c.order, e.ModelID)
	}
	return c
}

// DefaultCatalog registers the built-in models against one upstream
// base URL. Deterministic backends are marked cacheable; the embedding
// model produces client-independent vectors and shares its entries
// globally.
func DefaultCatalog(baseURL string) *Catalog {
	return NewCatalog(
		Entry{ModelID: "swift-mini", Upstream: baseURL + "/v1/generate", Cacheable: true, CacheScope: "client", Cost: 1, Timeout: 30 * time.Second},
		Entry{ModelID: "swift-pro", Upstream: baseURL + "/v1/generate", Cost: 4, Timeout: 120 * time.Second},
		Entry{ModelID: "embed-lite", Upstream: baseURL + "/v1/embed", Cacheable: true, CacheScope: cache.ScopeGlobal, Cost: 1, Timeout: 15 * time.Second},
	)
}

func (c *Catalog) Lookup(modelID string) (Entry, bool) {
	e, ok := c.entries[modelID]
	return e, ok
}

// List returns entries in registration order.
func (c *Catalog) List() []Entry {
	out := make([]Entry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id])
	}
	return out
}

// Scope returns the cache scope key for an entry and client: the
// client id unless the entry is globally shareable.
func (c *Catalog) Scope(e Entry, clientID string) string {
	if e.CacheScope == cache.ScopeGlobal {
		return cache.ScopeGlobal
	}
	return clientID
}

// Router forwards requests that passed every pipeline check.
type Router struct {
	catalog *Catalog
	client  *http.Client
}

// New creates a router. timeout caps any upstream call whose catalog
// entry does not set its own.
func New(catalog *Catalog, timeout time.Duration) *Router {
	return &Router{
		catalog: catalog,
		client:  &http.Client{Timeout: timeout},
	}
}

// Route sends the payload to the model's upstream and captures the
// reply. The second return reports whether the response may be cached:
// only successful replies from cacheable entries qualify.
func (r *Router) Route(ctx context.Context, client *models.Client, requestID, modelID string, payload []byte) (models.UpstreamResponse, bool, error) {
	entry, ok := r.catalog.Lookup(modelID)
	if !ok {
		return models.UpstreamResponse{}, false, ErrUnknownModel
	}
	if !client.ModelAllowed(modelID) {
		return models.UpstreamResponse{}, false, ErrModelNotAllowed
	}

	if entry.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, entry.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, entry.Upstream, bytes.NewReader(payload))
	if err != nil {
		return models.UpstreamResponse{}, false, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("X-Model-ID", modelID)

	resp, err := r.client.Do(req)
	if err != nil {
		return models.UpstreamResponse{}, false, fmt.Errorf("upstream %s: %w", modelID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return models.UpstreamResponse{}, false, fmt.Errorf("read upstream %s response: %w", modelID, err)
	}

	out := models.UpstreamResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
	cacheable := entry.Cacheable && resp.StatusCode == http.StatusOK
	return out, cacheable, nil
}
