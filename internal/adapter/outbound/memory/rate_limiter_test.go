package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/runlok/runlok/internal/domain/ratelimit"
)

func TestRateLimiter_AllowWithinLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()
	limit := ratelimit.PerMinute(10)

	key := ratelimit.FormatKey(ratelimit.KeyTypeToken, "abc")
	for i := 0; i < 10; i++ {
		res, err := limiter.Allow(ctx, key, limit)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d denied, want allowed within burst", i+1)
		}
	}
}

func TestRateLimiter_DeniesOverLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()
	limit := ratelimit.PerMinute(3)

	key := ratelimit.FormatKey(ratelimit.KeyTypeToken, "burst")
	for i := 0; i < 3; i++ {
		if res, _ := limiter.Allow(ctx, key, limit); !res.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}

	res, err := limiter.Allow(ctx, key, limit)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if res.Allowed {
		t.Error("request over burst allowed, want denied")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", res.RetryAfter)
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()
	limit := ratelimit.PerMinute(1)

	if res, _ := limiter.Allow(ctx, ratelimit.FormatKey(ratelimit.KeyTypeIP, "10.0.0.1"), limit); !res.Allowed {
		t.Fatal("first caller denied")
	}
	if res, _ := limiter.Allow(ctx, ratelimit.FormatKey(ratelimit.KeyTypeIP, "10.0.0.1"), limit); res.Allowed {
		t.Fatal("first caller second request allowed, want denied")
	}
	// Different key has its own budget.
	if res, _ := limiter.Allow(ctx, ratelimit.FormatKey(ratelimit.KeyTypeIP, "10.0.0.2"), limit); !res.Allowed {
		t.Error("second caller denied, want independent budget")
	}
}

func TestRateLimiter_RemainingDecreases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()
	limit := ratelimit.PerMinute(5)

	key := ratelimit.FormatKey(ratelimit.KeyTypeToken, "remaining")
	first, _ := limiter.Allow(ctx, key, limit)
	second, _ := limiter.Allow(ctx, key, limit)
	if second.Remaining >= first.Remaining {
		t.Errorf("Remaining did not decrease: %d then %d", first.Remaining, second.Remaining)
	}
}

func TestRateLimiter_ZeroRateTreatedAsOne(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()

	res, err := limiter.Allow(ctx, "k", ratelimit.Limit{Rate: 0, Period: time.Minute})
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !res.Allowed {
		t.Error("first request with zero rate denied, want allowed")
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter()
	limit := ratelimit.PerMinute(100)

	var wg sync.WaitGroup
	allowed := make([]bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := limiter.Allow(ctx, "shared", limit)
			if err != nil {
				t.Errorf("Allow() error: %v", err)
				return
			}
			allowed[n] = res.Allowed
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range allowed {
		if ok {
			count++
		}
	}
	if count != 50 {
		t.Errorf("allowed %d of 50 under a 100/min limit, want all", count)
	}
}

func TestRateLimiter_CleanupRemovesStaleKeys(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	// Tiny TTL so entries age out immediately; short interval so the
	// ticker fires within the test window.
	limiter := NewRateLimiterWithConfig(10*time.Millisecond, 1*time.Nanosecond)

	if _, err := limiter.Allow(ctx, "stale", ratelimit.PerMinute(10)); err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if limiter.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", limiter.Size())
	}

	limiter.StartCleanup(ctx)

	deadline := time.After(2 * time.Second)
	for limiter.Size() != 0 {
		select {
		case <-deadline:
			t.Fatalf("cleanup did not remove stale key, Size() = %d", limiter.Size())
		case <-time.After(20 * time.Millisecond):
		}
	}

	limiter.Stop()
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	limiter := NewRateLimiterWithConfig(time.Hour, time.Hour)
	limiter.StartCleanup(context.Background())

	limiter.Stop()
	limiter.Stop()
}
