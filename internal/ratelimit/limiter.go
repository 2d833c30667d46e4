package ratelimit

import (
	"context"
	"time"
)

// Policy bounds one keyed operation to MaxRequests per Window. The window is
// fixed at the first request in it and resets atomically once it elapses.
type Policy struct {
	Window      time.Duration
	MaxRequests int
}

const (
	DefaultWindow      = time.Minute
	DefaultMaxRequests = 20
)

func (p Policy) normalize() Policy {
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	if p.MaxRequests <= 0 {
		p.MaxRequests = DefaultMaxRequests
	}
	return p
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter checks and consumes quota for a key in one atomic step. Two
// concurrent calls for the same key must never both act on the same stale
// count.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// FailureMode picks the behavior when the counter store itself is down.
// Delivery call sites run FailOpen: alert delivery outranks strict quota
// enforcement there. That choice does not generalize to other callers.
type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

// retryAfterCeil rounds the remaining window up to whole seconds, never
// below one second. Rounding down would tell a caller that backs off exactly
// this long to re-enter a window that has not elapsed yet.
func retryAfterCeil(d time.Duration) time.Duration {
	if d <= time.Second {
		return time.Second
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}
