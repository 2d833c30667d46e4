package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beaconhq/beacon-delivery/internal/domain"
)

var testBackoff = []time.Duration{
	5 * time.Millisecond,
	5 * time.Millisecond,
	5 * time.Millisecond,
}

func waitForState(t *testing.T, r *Reconnector, want domain.SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q, at %q attempt %d", want, r.State(), r.Attempt())
}

func TestReconnectorRecoversAndResetsAttempts(t *testing.T) {
	var dials atomic.Int64
	dial := func(ctx context.Context) error {
		if dials.Add(1) < 3 {
			return errors.New("transport down")
		}
		return nil
	}
	r := NewReconnector(dial, slog.Default(), WithBackoff(testBackoff, 5))
	defer r.Stop()

	r.HandleDisconnect()
	waitForState(t, r, domain.SessionConnected)

	if got := dials.Load(); got != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", got)
	}
	if got := r.Attempt(); got != 0 {
		t.Fatalf("attempt counter = %d after success, want 0", got)
	}
}

func TestReconnectorGivesUpAfterMaxAttempts(t *testing.T) {
	var dials atomic.Int64
	dial := func(ctx context.Context) error {
		dials.Add(1)
		return errors.New("transport down")
	}
	r := NewReconnector(dial, slog.Default(), WithBackoff(testBackoff, 3))
	defer r.Stop()

	r.HandleDisconnect()
	waitForState(t, r, domain.SessionFailed)

	if got := dials.Load(); got != 3 {
		t.Fatalf("expected exactly 3 dial attempts before Failed, got %d", got)
	}

	// Failed stops automatic scheduling entirely.
	time.Sleep(30 * time.Millisecond)
	if got := dials.Load(); got != 3 {
		t.Fatalf("dials continued after Failed: %d", got)
	}
}

func TestManualRetryResetsCounterAndLeavesFailed(t *testing.T) {
	var dials atomic.Int64
	var succeed atomic.Bool
	dial := func(ctx context.Context) error {
		dials.Add(1)
		if succeed.Load() {
			return nil
		}
		return errors.New("transport down")
	}
	r := NewReconnector(dial, slog.Default(), WithBackoff(testBackoff, 2))
	defer r.Stop()

	r.HandleDisconnect()
	waitForState(t, r, domain.SessionFailed)

	succeed.Store(true)
	r.Retry()
	waitForState(t, r, domain.SessionConnected)

	if got := r.Attempt(); got != 0 {
		t.Fatalf("attempt counter = %d after manual retry success, want 0", got)
	}
}

func TestHandleDisconnectIgnoredUnlessConnected(t *testing.T) {
	var dials atomic.Int64
	dial := func(ctx context.Context) error {
		dials.Add(1)
		return errors.New("transport down")
	}
	r := NewReconnector(dial, slog.Default(), WithBackoff(testBackoff, 2))
	defer r.Stop()

	r.HandleDisconnect()
	r.HandleDisconnect() // second call must not schedule a duplicate storm
	waitForState(t, r, domain.SessionFailed)

	if got := dials.Load(); got != 2 {
		t.Fatalf("expected 2 dial attempts from a single disconnect, got %d", got)
	}
}

func TestStopCancelsPendingTimerAndIsIdempotent(t *testing.T) {
	var dials atomic.Int64
	dial := func(ctx context.Context) error {
		dials.Add(1)
		return errors.New("transport down")
	}
	r := NewReconnector(dial, slog.Default(), WithBackoff([]time.Duration{time.Hour}, 5))

	r.HandleDisconnect()
	r.Stop()
	r.Stop() // no-op

	time.Sleep(20 * time.Millisecond)
	if got := dials.Load(); got != 0 {
		t.Fatalf("dial fired after Stop: %d", got)
	}

	// Stopped machines ignore further scheduling requests.
	r.Retry()
	time.Sleep(20 * time.Millisecond)
	if got := dials.Load(); got != 0 {
		t.Fatalf("dial fired on stopped machine: %d", got)
	}
}

func TestAttemptCounterMonotonicWhileReconnecting(t *testing.T) {
	attemptCh := make(chan int, 16)
	var r *Reconnector
	dial := func(ctx context.Context) error {
		attemptCh <- r.Attempt()
		return errors.New("transport down")
	}
	r = NewReconnector(dial, slog.Default(), WithBackoff(testBackoff, 4))
	defer r.Stop()

	r.HandleDisconnect()
	waitForState(t, r, domain.SessionFailed)
	close(attemptCh)

	prev := 0
	for attempt := range attemptCh {
		if attempt <= prev {
			t.Fatalf("attempt counter not monotonically increasing: %d after %d", attempt, prev)
		}
		prev = attempt
	}
	if prev != 4 {
		t.Fatalf("final attempt = %d, want 4", prev)
	}
}
