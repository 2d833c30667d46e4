package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisClientForTest(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})
	return server, client
}

func TestRedisLimiterRejectsOverLimitAndReportsRetryAfter(t *testing.T) {
	ctx := context.Background()
	_, client := newRedisClientForTest(t)
	limiter := NewRedisLimiter(client, "rl_test", Policy{Window: time.Minute, MaxRequests: 3})

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, "u1:alert_send")
		if err != nil {
			t.Fatalf("allow call %d: %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("expected call %d within limit to be allowed", i+1)
		}
		if want := 3 - (i + 1); d.Remaining != want {
			t.Fatalf("call %d: remaining = %d, want %d", i+1, d.Remaining, want)
		}
	}

	d, err := limiter.Allow(ctx, "u1:alert_send")
	if err != nil {
		t.Fatalf("over-limit allow: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected 4th call in window to be rejected")
	}
	if d.RetryAfter < time.Second || d.RetryAfter > time.Minute {
		t.Fatalf("retry-after %v outside [1s, window]", d.RetryAfter)
	}

	other, err := limiter.Allow(ctx, "u2:alert_send")
	if err != nil {
		t.Fatalf("isolated key allow: %v", err)
	}
	if !other.Allowed {
		t.Fatal("expected independent key to be unaffected")
	}
}

func TestRedisLimiterResetsAfterWindowElapses(t *testing.T) {
	ctx := context.Background()
	_, client := newRedisClientForTest(t)
	limiter := NewRedisLimiter(client, "rl_test", Policy{Window: 50 * time.Millisecond, MaxRequests: 1})

	d, err := limiter.Allow(ctx, "u1:alert_send")
	if err != nil {
		t.Fatalf("first allow: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected first call to be allowed")
	}
	d, err = limiter.Allow(ctx, "u1:alert_send")
	if err != nil {
		t.Fatalf("second allow: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected second call in window to be rejected")
	}

	time.Sleep(60 * time.Millisecond)

	d, err = limiter.Allow(ctx, "u1:alert_send")
	if err != nil {
		t.Fatalf("post-window allow: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected first call after window reset to be allowed")
	}
	if d.Remaining != 0 {
		t.Fatalf("expected fresh window count of 1 (remaining 0), got remaining %d", d.Remaining)
	}
}

func TestRedisLimiterConcurrentBurstHonorsLimit(t *testing.T) {
	_, client := newRedisClientForTest(t)
	limiter := NewRedisLimiter(client, "rl_test", Policy{Window: 10 * time.Minute, MaxRequests: 20})

	const attempts = 100
	var allowed atomic.Int64
	errCh := make(chan error, attempts)
	var wg sync.WaitGroup

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Allow(context.Background(), "same-actor")
			if err != nil {
				errCh <- err
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("limiter allow failed: %v", err)
	}

	if got := allowed.Load(); got != 20 {
		t.Fatalf("expected exactly 20 allowed calls, got %d", got)
	}
}

func TestRedisLimiterMalformedState(t *testing.T) {
	ctx := context.Background()
	server, client := newRedisClientForTest(t)
	limiter := NewRedisLimiter(client, "rl_test", Policy{})

	// A string value where the script expects a hash makes HMGET error out;
	// the limiter must surface that instead of silently allowing.
	if err := server.Set("rl_test:broken", "not-a-hash"); err != nil {
		t.Fatalf("seed malformed key: %v", err)
	}
	if _, err := limiter.Allow(ctx, "broken"); err == nil {
		t.Fatal("expected error for malformed counter state")
	}
}

func TestRedisLimiterRetryAfterCoversRemainingWindow(t *testing.T) {
	_, client := newRedisClientForTest(t)
	limiter := NewRedisLimiter(client, "test:rl", Policy{Window: 10 * time.Second, MaxRequests: 1})
	ctx := context.Background()

	if d, err := limiter.Allow(ctx, "actor"); err != nil || !d.Allowed {
		t.Fatalf("first allow: %v allowed=%v", err, d.Allowed)
	}

	time.Sleep(600 * time.Millisecond)
	d, err := limiter.Allow(ctx, "actor")
	if err != nil {
		t.Fatalf("second allow: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected second call in window to be rejected")
	}
	if d.RetryAfter != 10*time.Second {
		t.Fatalf("retry-after = %v, want 10s (ceiling of remaining window)", d.RetryAfter)
	}
}
