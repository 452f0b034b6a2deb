package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelgate/modelgate/internal/models"
	"github.com/modelgate/modelgate/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testBacking exposes a memory store as the shared backing with a
// switchable degradation flag.
type testBacking struct {
	*store.Memory
	down atomic.Bool
}

func (b *testBacking) Down() bool {
	return b.down.Load()
}

func newTestCache(t *testing.T, ttl time.Duration, fallbackSize int) (*Cache, *testBacking, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	mem := store.NewMemory()
	mem.SetClock(clock.Now)
	t.Cleanup(func() { mem.Close() })
	backing := &testBacking{Memory: mem}
	return New(backing, ttl, fallbackSize), backing, clock
}

func sampleResponse(body string) models.UpstreamResponse {
	return models.UpstreamResponse{Status: 200, ContentType: "application/json", Body: []byte(body)}
}

func TestFingerprintIgnoresJSONKeyOrder(t *testing.T) {
	a := Fingerprint("swift-mini", "client-1", []byte(`{"prompt":"hi","max_tokens":16}`))
	b := Fingerprint("swift-mini", "client-1", []byte(`{"max_tokens":16,"prompt":"hi"}`))
	if a != b {
		t.Fatal("fingerprints differ for equivalent JSON bodies")
	}
}

func TestFingerprintSeparatesInputs(t *testing.T) {
	base := Fingerprint("swift-mini", "client-1", []byte(`{"prompt":"hi"}`))
	cases := map[string]string{
		"model":  Fingerprint("swift-pro", "client-1", []byte(`{"prompt":"hi"}`)),
		"scope":  Fingerprint("swift-mini", "client-2", []byte(`{"prompt":"hi"}`)),
		"global": Fingerprint("swift-mini", ScopeGlobal, []byte(`{"prompt":"hi"}`)),
		"body":   Fingerprint("swift-mini", "client-1", []byte(`{"prompt":"bye"}`)),
	}
	for name, fp := range cases {
		if fp == base {
			t.Errorf("changing %s did not change the fingerprint", name)
		}
	}
}

func TestFingerprintNonJSONBody(t *testing.T) {
	a := Fingerprint("swift-mini", "client-1", []byte("plain text"))
	b := Fingerprint("swift-mini", "client-1", []byte("plain text"))
	c := Fingerprint("swift-mini", "client-1", []byte("plain  text"))
	if a != b {
		t.Fatal("identical raw bodies fingerprint differently")
	}
	if a == c {
		t.Fatal("distinct raw bodies share a fingerprint")
	}
}

func TestCachePutGet(t *testing.T) {
	c, _, _ := newTestCache(t, 5*time.Minute, 8)
	ctx := context.Background()
	fp := Fingerprint("swift-mini", "client-1", []byte(`{"prompt":"hi"}`))

	if _, ok := c.Get(ctx, fp); ok {
		t.Fatal("hit on empty cache")
	}
	want := sampleResponse(`{"output":"hello"}`)
	c.Put(ctx, fp, want, 0)

	got, ok := c.Get(ctx, fp)
	if !ok {
		t.Fatal("miss after Put")
	}
	if got.Status != want.Status || string(got.Body) != string(want.Body) || got.ContentType != want.ContentType {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestCacheEntriesExpire(t *testing.T) {
	c, _, clock := newTestCache(t, 5*time.Minute, 8)
	ctx := context.Background()
	fp := Fingerprint("swift-mini", "client-1", []byte(`{"prompt":"hi"}`))

	c.Put(ctx, fp, sampleResponse(`{"output":"hello"}`), 0)
	clock.Advance(4 * time.Minute)
	if _, ok := c.Get(ctx, fp); !ok {
		t.Fatal("entry expired before ttl")
	}
	clock.Advance(2 * time.Minute)
	if _, ok := c.Get(ctx, fp); ok {
		t.Fatal("entry survived past ttl")
	}
}

func TestCacheFallbackWhenDown(t *testing.T) {
	c, backing, _ := newTestCache(t, 5*time.Minute, 8)
	ctx := context.Background()
	backing.down.Store(true)

	fp := Fingerprint("swift-mini", "client-1", []byte(`{"prompt":"hi"}`))
	c.Put(ctx, fp, sampleResponse(`{"output":"hello"}`), 0)

	if _, ok := c.Get(ctx, fp); !ok {
		t.Fatal("miss from fallback after Put while down")
	}
	// Nothing may have reached the shared store.
	if _, ok, _ := backing.Memory.Get(ctx, keyPrefix+fp); ok {
		t.Fatal("entry written to shared store while down")
	}
	if stats := c.Stats(); stats.Mode != "fallback" || stats.FallbackHits != 1 {
		t.Fatalf("stats = %+v, want fallback mode with one fallback hit", stats)
	}
}

func TestCacheFallbackIsBounded(t *testing.T) {
	c, backing, _ := newTestCache(t, 5*time.Minute, 2)
	ctx := context.Background()
	backing.down.Store(true)

	fps := []string{
		Fingerprint("swift-mini", "c", []byte(`{"n":1}`)),
		Fingerprint("swift-mini", "c", []byte(`{"n":2}`)),
		Fingerprint("swift-mini", "c", []byte(`{"n":3}`)),
	}
	for _, fp := range fps {
		c.Put(ctx, fp, sampleResponse(`{}`), 0)
	}

	if got := c.Stats().FallbackEntries; got != 2 {
		t.Fatalf("fallback holds %d entries, want 2", got)
	}
	if _, ok := c.Get(ctx, fps[0]); ok {
		t.Fatal("oldest entry not evicted from bounded fallback")
	}
	if _, ok := c.Get(ctx, fps[2]); !ok {
		t.Fatal("newest entry missing from fallback")
	}
}

func TestFetchCoalescesConcurrentMisses(t *testing.T) {
	c, _, _ := newTestCache(t, 5*time.Minute, 8)
	fp := Fingerprint("swift-mini", "client-1", []byte(`{"prompt":"hi"}`))

	gate := make(chan struct{})
	var fills atomic.Int64
	fill := func(ctx context.Context) (models.UpstreamResponse, bool, error) {
		fills.Add(1)
		<-gate
		return sampleResponse(`{"output":"hello"}`), true, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	var started sync.WaitGroup
	results := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		started.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			resp, status, err := c.Fetch(context.Background(), fp, fill)
			if err != nil {
				t.Errorf("Fetch: %v", err)
				return
			}
			if string(resp.Body) != `{"output":"hello"}` {
				t.Errorf("unexpected body %q", resp.Body)
			}
			results <- status
		}()
	}
	started.Wait()
	// Give every caller time to pass the miss check and join the
	// in-flight call before the fill is released.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)

	if got := fills.Load(); got != 1 {
		t.Fatalf("upstream filled %d times, want 1", got)
	}
	for status := range results {
		if status != "MISS" {
			t.Fatalf("coalesced caller reported %q, want MISS", status)
		}
	}
}

func TestFetchServesHitWithoutFill(t *testing.T) {
	c, _, _ := newTestCache(t, 5*time.Minute, 8)
	ctx := context.Background()
	fp := Fingerprint("swift-mini", "client-1", []byte(`{"prompt":"hi"}`))
	c.Put(ctx, fp, sampleResponse(`{"output":"hello"}`), 0)

	_, status, err := c.Fetch(ctx, fp, func(context.Context) (models.UpstreamResponse, bool, error) {
		t.Fatal("fill called on a warm cache")
		return models.UpstreamResponse{}, false, nil
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if status != "HIT" {
		t.Fatalf("status = %q, want HIT", status)
	}
}

func TestFetchSkipsStoringUncacheable(t *testing.T) {
	c, _, _ := newTestCache(t, 5*time.Minute, 8)
	ctx := context.Background()
	fp := Fingerprint("swift-pro", "client-1", []byte(`{"prompt":"hi"}`))

	_, _, err := c.Fetch(ctx, fp, func(context.Context) (models.UpstreamResponse, bool, error) {
		return sampleResponse(`{"output":"fresh"}`), false, nil
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, ok := c.Get(ctx, fp); ok {
		t.Fatal("uncacheable response was stored")
	}
}
