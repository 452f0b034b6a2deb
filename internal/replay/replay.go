// Package replay rejects reuse of client-supplied request identifiers
// within their validity window.
package replay

import (
	"context"
	"time"

	"github.com/modelgate/modelgate/internal/store"
)

const keyPrefix = "rid:"

// Guard admits each request id at most once per TTL window. Admission
// is a single conditional set, so concurrent submissions of the same
// id cannot race past the check. Whether protection is cluster-wide or
// per-process is the backing store's concern.
type Guard struct {
	store store.Store
	ttl   time.Duration
}

// NewGuard creates a guard. ttl should cover the signature clock-skew
// window on both sides plus a safety margin; a shorter ttl would let a
// captured request replay after its nonce expired but while its
// timestamp still verified.
func NewGuard(s store.Store, ttl time.Duration) *Guard {
	return &Guard{store: s, ttl: ttl}
}

// Admit records requestID and reports whether this was its first
// appearance. false means a duplicate within the window.
func (g *Guard) Admit(ctx context.Context, requestID string) (bool, error) {
	return g.store.SetNX(ctx, keyPrefix+requestID, "1", g.ttl)
}

// TTL is the configured validity window.
func (g *Guard) TTL() time.Duration {
	return g.ttl
}
