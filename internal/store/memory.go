package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type memBucket struct {
	tokens float64
	last   int64
	ttl    time.Duration
}

// Memory implements Store in-process. It is the degraded-mode backing:
// per-process guarantees only, but the same contract and the same
// bucket arithmetic as the Redis implementation.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	buckets map[string]*memBucket
	nowFunc func() time.Time
	stop    chan struct{}
	once    sync.Once
}

func NewMemory() *Memory {
	s := &Memory{
		entries: make(map[string]memEntry),
		buckets: make(map[string]*memBucket),
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// SetClock overrides the time source. Tests only.
func (s *Memory) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = now
}

func (s *Memory) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Memory) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
	for k, b := range s.buckets {
		if now.UnixMicro()-b.last > b.ttl.Microseconds() {
			delete(s.buckets, k)
		}
	}
}

func (s *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	if e, ok := s.entries[key]; ok && !e.expired(now) {
		return false, nil
	}
	s.entries[key] = memEntry{value: value, expiresAt: expiry(now, ttl)}
	return true, nil
}

func (s *Memory) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()

	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		s.entries[key] = memEntry{value: strconv.FormatInt(delta, 10), expiresAt: expiry(now, ttl)}
		return delta, nil
	}

	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %q is not an integer", key)
	}
	n += delta
	e.value = strconv.FormatInt(n, 10)
	s.entries[key] = e
	return n, nil
}

func (s *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.expired(s.nowFunc()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{value: value, expiresAt: expiry(s.nowFunc(), ttl)}
	return nil
}

func (s *Memory) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *Memory) TakeTokens(ctx context.Context, key string, capacity, refillPerSec, cost float64) (TakeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc().UnixMicro()
	ttl := bucketTTL(capacity, refillPerSec)

	b, ok := s.buckets[key]
	if !ok || now-b.last > b.ttl.Microseconds() {
		b = &memBucket{tokens: capacity, last: now}
		s.buckets[key] = b
	}

	tokens, res := takeBucket(b.tokens, b.last, now, capacity, refillPerSec, cost)
	b.tokens = tokens
	b.last = now
	b.ttl = ttl
	return res, nil
}

func (s *Memory) Ping(ctx context.Context) error {
	return nil
}

func (s *Memory) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
