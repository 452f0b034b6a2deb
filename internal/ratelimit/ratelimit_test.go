package ratelimit

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

func newTestLimiter(t *testing.T, defaults models.Quota) (*Limiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	mem := store.NewMemory()
	mem.SetClock(clock.Now)
	t.Cleanup(func() { mem.Close() })
	return NewLimiter(mem, defaults), clock
}

func testClient() *models.Client {
	return &models.Client{ID: "client-1", Status: models.StatusActive}
}

func TestTryAcquireBurstThenDeny(t *testing.T) {
	limiter, _ := newTestLimiter(t, models.Quota{Capacity: 3, RefillPerSec: 1})
	ctx := context.Background()
	client := testClient()

	for i := 0; i < 3; i++ {
		v, err := limiter.TryAcquire(ctx, client, "swift-mini", 1)
		if err != nil {
			t.Fatalf("TryAcquire %d: %v", i, err)
		}
		if !v.Allowed {
			t.Fatalf("request %d denied within capacity", i)
		}
	}

	v, err := limiter.TryAcquire(ctx, client, "swift-mini", 1)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if v.Allowed {
		t.Fatal("request beyond capacity allowed")
	}
	if v.RetryAfter <= 0 || v.RetryAfter > time.Second {
		t.Fatalf("RetryAfter = %v, want within (0, 1s]", v.RetryAfter)
	}
}

func TestTryAcquireRefills(t *testing.T) {
	limiter, clock := newTestLimiter(t, models.Quota{Capacity: 2, RefillPerSec: 1})
	ctx := context.Background()
	client := testClient()

	for i := 0; i < 2; i++ {
		if v, _ := limiter.TryAcquire(ctx, client, "swift-mini", 1); !v.Allowed {
			t.Fatalf("request %d denied within capacity", i)
		}
	}
	if v, _ := limiter.TryAcquire(ctx, client, "swift-mini", 1); v.Allowed {
		t.Fatal("drained bucket allowed a request")
	}

	clock.Advance(time.Second)
	v, err := limiter.TryAcquire(ctx, client, "swift-mini", 1)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !v.Allowed {
		t.Fatal("request denied after refill interval")
	}
}

func TestTryAcquirePerModelOverride(t *testing.T) {
	limiter, _ := newTestLimiter(t, models.Quota{Capacity: 10, RefillPerSec: 5})
	ctx := context.Background()
	client := testClient()
	client.Quotas = map[string]models.Quota{
		"swift-pro": {Capacity: 1, RefillPerSec: 0.1},
	}

	if v, _ := limiter.TryAcquire(ctx, client, "swift-pro", 1); !v.Allowed {
		t.Fatal("first request against override denied")
	}
	if v, _ := limiter.TryAcquire(ctx, client, "swift-pro", 1); v.Allowed {
		t.Fatal("override capacity not enforced")
	}

	// The default quota still governs other models.
	if v, _ := limiter.TryAcquire(ctx, client, "swift-mini", 1); !v.Allowed {
		t.Fatal("default-quota model denied")
	}
}

func TestTryAcquireBucketsAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t, models.Quota{Capacity: 1, RefillPerSec: 1})
	ctx := context.Background()

	a := &models.Client{ID: "client-a", Status: models.StatusActive}
	b := &models.Client{ID: "client-b", Status: models.StatusActive}

	if v, _ := limiter.TryAcquire(ctx, a, "swift-mini", 1); !v.Allowed {
		t.Fatal("client-a first request denied")
	}
	if v, _ := limiter.TryAcquire(ctx, a, "swift-mini", 1); v.Allowed {
		t.Fatal("client-a second request allowed")
	}
	if v, _ := limiter.TryAcquire(ctx, b, "swift-mini", 1); !v.Allowed {
		t.Fatal("client-b throttled by client-a's bucket")
	}
	if v, _ := limiter.TryAcquire(ctx, a, "swift-pro", 1); !v.Allowed {
		t.Fatal("swift-pro throttled by swift-mini's bucket")
	}
}

func TestTryAcquireWeightedCost(t *testing.T) {
	limiter, _ := newTestLimiter(t, models.Quota{Capacity: 4, RefillPerSec: 1})
	ctx := context.Background()
	client := testClient()

	if v, _ := limiter.TryAcquire(ctx, client, "swift-pro", 3); !v.Allowed {
		t.Fatal("cost-3 request denied with 4 tokens")
	}
	v, _ := limiter.TryAcquire(ctx, client, "swift-pro", 3)
	if v.Allowed {
		t.Fatal("cost-3 request allowed with 1 token left")
	}
	if v.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want positive", v.RetryAfter)
	}
}

func TestTryAcquireConcurrentNeverOverdraws(t *testing.T) {
	limiter, _ := newTestLimiter(t, models.Quota{Capacity: 10, RefillPerSec: 0.001})
	ctx := context.Background()
	client := testClient()

	const workers = 40
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := limiter.TryAcquire(ctx, client, "swift-mini", 1)
			if err != nil {
				t.Errorf("TryAcquire: %v", err)
				return
			}
			if v.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 10 {
		t.Fatalf("allowed %d concurrent requests, want exactly 10", got)
	}
}
