package ratelimit

import (
	"context"
	"sync"
	"time"
)

type localWindow struct {
	count       int
	windowStart time.Time
}

// LocalLimiter keeps counters in process memory. The mutex is held across
// the whole read-modify-write, giving the same serialization guarantee as
// the Redis script. Suitable for tests and single-instance deployments.
type LocalLimiter struct {
	mu      sync.Mutex
	store   map[string]*localWindow
	policy  Policy
	cleanup time.Time
}

func NewLocalLimiter(policy Policy) *LocalLimiter {
	return &LocalLimiter{
		store:   make(map[string]*localWindow),
		policy:  policy.normalize(),
		cleanup: time.Now().Add(policy.normalize().Window),
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.cleanup) {
		for k, w := range l.store {
			if now.Sub(w.windowStart) > 2*l.policy.Window {
				delete(l.store, k)
			}
		}
		l.cleanup = now.Add(l.policy.Window)
	}

	w, ok := l.store[key]
	if !ok || !now.Before(w.windowStart.Add(l.policy.Window)) {
		w = &localWindow{count: 0, windowStart: now}
		l.store[key] = w
	}
	resetAt := w.windowStart.Add(l.policy.Window)
	if w.count >= l.policy.MaxRequests {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: retryAfterCeil(resetAt.Sub(now)),
			ResetAt:    resetAt,
		}, nil
	}
	w.count++
	return Decision{
		Allowed:   true,
		Remaining: l.policy.MaxRequests - w.count,
		ResetAt:   resetAt,
	}, nil
}
