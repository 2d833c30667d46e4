package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beaconhq/beacon-delivery/internal/domain"
)

// DialFunc performs the actual transport reconnect. The Reconnector only
// schedules; the connection work is delegated to the presence manager's
// transport.
type DialFunc func(ctx context.Context) error

// DefaultBackoff is the fixed retry schedule, indexed by attempt number and
// clamped to the last element.
var DefaultBackoff = []time.Duration{
	time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

const DefaultMaxAttempts = 5

// Reconnector governs one session's reconnect lifecycle:
// Connected -> Disconnected -> Reconnecting -> {Connected | Failed}.
// Failed transitions back to Reconnecting only through an explicit Retry,
// which resets the attempt counter. At most one retry timer is pending at
// any instant; every scheduling path first cancels the outstanding one.
type Reconnector struct {
	dial        DialFunc
	backoff     []time.Duration
	maxAttempts int
	logger      *slog.Logger

	mu      sync.Mutex
	state   domain.SessionState
	attempt int
	timer   *time.Timer
	stopped bool
}

type ReconnectorOption func(*Reconnector)

// WithBackoff overrides the retry schedule and attempt cap.
func WithBackoff(schedule []time.Duration, maxAttempts int) ReconnectorOption {
	return func(r *Reconnector) {
		if len(schedule) > 0 {
			r.backoff = schedule
		}
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
	}
}

func NewReconnector(dial DialFunc, logger *slog.Logger, opts ...ReconnectorOption) *Reconnector {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconnector{
		dial:        dial,
		backoff:     DefaultBackoff,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger,
		state:       domain.SessionConnected,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconnector) State() domain.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconnector) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// HandleDisconnect reacts to a transport drop while connected: the session
// moves to Disconnected and the first retry is scheduled immediately.
// Transport errors never surface to the caller; presence simply goes stale
// until a reconnect succeeds or the machine gives up.
func (r *Reconnector) HandleDisconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.state != domain.SessionConnected {
		return
	}
	r.state = domain.SessionDisconnected
	r.scheduleLocked(r.delayFor(r.attempt))
}

// Retry is the manual escape from Failed. It resets the attempt counter and
// re-enters Reconnecting regardless of current state.
func (r *Reconnector) Retry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.state == domain.SessionConnected {
		return
	}
	r.attempt = 0
	r.scheduleLocked(0)
}

// Stop cancels any pending retry timer. Synchronous and idempotent;
// stopping an already-stopped machine is a no-op.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.cancelTimerLocked()
}

func (r *Reconnector) delayFor(attempt int) time.Duration {
	idx := attempt
	if idx >= len(r.backoff) {
		idx = len(r.backoff) - 1
	}
	return r.backoff[idx]
}

// scheduleLocked is the single entry point for retry scheduling. It cancels
// any outstanding timer first, keeping the one-pending-timer invariant.
func (r *Reconnector) scheduleLocked(delay time.Duration) {
	r.cancelTimerLocked()
	r.state = domain.SessionReconnecting
	r.timer = time.AfterFunc(delay, r.attemptReconnect)
}

func (r *Reconnector) cancelTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reconnector) attemptReconnect() {
	r.mu.Lock()
	if r.stopped || r.state != domain.SessionReconnecting {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.attempt++
	attempt := r.attempt
	r.mu.Unlock()

	err := r.dial(context.Background())

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	// A manual retry during the dial reset the counter; this result is stale.
	if r.attempt != attempt {
		return
	}
	if err == nil {
		r.state = domain.SessionConnected
		r.attempt = 0
		r.cancelTimerLocked()
		r.logger.Info("reconnected", "attempt", attempt)
		return
	}
	if attempt >= r.maxAttempts {
		r.state = domain.SessionFailed
		r.cancelTimerLocked()
		r.logger.Warn("reconnect gave up", "attempts", attempt, "error", err.Error())
		return
	}
	r.logger.Info("reconnect attempt failed", "attempt", attempt, "error", err.Error())
	r.scheduleLocked(r.delayFor(r.attempt))
}
