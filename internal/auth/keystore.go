package auth

import (
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// SigningKey is one generation of token-signing key material. Exactly
// one key is current at a time; retired keys remain usable for
// verification until their grace period ends.
type SigningKey struct {
	Version    string
	Material   []byte
	ActiveFrom time.Time
	RetiredAt  time.Time // zero while current
}

// keyRing is an immutable snapshot of the live key set. Lookups walk a
// map keyed by version; versions preserves newest-first order.
type keyRing struct {
	current   *SigningKey
	byVersion map[string]*SigningKey
	versions  []string
}

// KeyStore holds signing keys behind an atomically swapped snapshot.
// Verification loads the snapshot without locking; Rotate is the only
// mutation and is serialized by a mutex. Readers always observe either
// the pre- or post-rotation key set, never a partial one.
type KeyStore struct {
	mu      sync.Mutex
	ring    atomic.Pointer[keyRing]
	grace   time.Duration
	seq     int
	nowFunc func() time.Time
}

// NewKeyStore creates a store with a freshly generated first key.
// grace is how long a retired key keeps verifying; it must cover the
// maximum token lifetime so rotation never strands live tokens.
func NewKeyStore(grace time.Duration) (*KeyStore, error) {
	ks := &KeyStore{grace: grace, nowFunc: time.Now}
	if _, err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// SetClock overrides the time source. Tests only; call before any
// concurrent use.
func (ks *KeyStore) SetClock(now func() time.Time) {
	ks.nowFunc = now
}

// Rotate generates a new current key, demotes the previous current key
// to verify-only, and drops keys retired longer than the grace period.
func (ks *KeyStore) Rotate() (*SigningKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("generate key material: %w", err)
	}

	now := ks.nowFunc()
	ks.seq++
	key := &SigningKey{
		Version:    fmt.Sprintf("v%d", ks.seq),
		Material:   material,
		ActiveFrom: now,
	}

	next := &keyRing{
		current:   key,
		byVersion: map[string]*SigningKey{key.Version: key},
		versions:  []string{key.Version},
	}

	if prev := ks.ring.Load(); prev != nil {
		for _, ver := range prev.versions {
			k := prev.byVersion[ver]
			if k == prev.current {
				demoted := *k
				demoted.RetiredAt = now
				k = &demoted
			}
			if now.Sub(k.RetiredAt) >= ks.grace {
				continue
			}
			next.byVersion[k.Version] = k
			next.versions = append(next.versions, k.Version)
		}
	}

	ks.ring.Store(next)
	return key, nil
}

// Current returns the key used for new issuance.
func (ks *KeyStore) Current() (*SigningKey, error) {
	ring := ks.ring.Load()
	if ring == nil || ring.current == nil {
		return nil, ErrNoKeys
	}
	return ring.current, nil
}

// KeyFor returns a verify-capable key for the claimed version.
// ErrKeyNotFound is permanent: the version is unknown or has been
// retired longer than the grace period.
func (ks *KeyStore) KeyFor(version string) (*SigningKey, error) {
	ring := ks.ring.Load()
	if ring == nil || len(ring.byVersion) == 0 {
		return nil, ErrNoKeys
	}
	k, ok := ring.byVersion[version]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if !k.RetiredAt.IsZero() && ks.nowFunc().Sub(k.RetiredAt) >= ks.grace {
		return nil, ErrKeyNotFound
	}
	return k, nil
}

// Versions lists live key versions, newest first.
func (ks *KeyStore) Versions() []string {
	ring := ks.ring.Load()
	if ring == nil {
		return nil
	}
	out := make([]string, len(ring.versions))
	copy(out, ring.versions)
	return out
}
