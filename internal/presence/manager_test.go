package presence

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/beaconhq/beacon-delivery/internal/domain"
)

type fakeSender struct {
	mu     sync.Mutex
	events []domain.Event
	closed bool
}

func (f *fakeSender) Send(ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSender) eventTypes() []domain.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]domain.EventType, 0, len(f.events))
	for _, ev := range f.events {
		types = append(types, ev.Type)
	}
	return types
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestConnectMakesUserOnlineAndSendsSnapshotFirst(t *testing.T) {
	m := NewManager(slog.Default())
	sender := &fakeSender{}

	session := m.Connect("u1", sender)
	if session == nil || session.UserID != "u1" {
		t.Fatalf("unexpected session %+v", session)
	}

	online := m.ListOnline([]string{"u1", "u2"})
	if len(online) != 1 || online[0] != "u1" {
		t.Fatalf("ListOnline = %v, want [u1]", online)
	}

	types := sender.eventTypes()
	if len(types) == 0 || types[0] != domain.EventOnlineSnapshot {
		t.Fatalf("first event to joiner = %v, want online-snapshot", types)
	}
}

func TestConnectSupersedesPreviousSession(t *testing.T) {
	m := NewManager(slog.Default())
	oldSender := &fakeSender{}
	newSender := &fakeSender{}

	oldSession := m.Connect("u1", oldSender)
	newSession := m.Connect("u1", newSender)

	if !oldSender.isClosed() {
		t.Fatal("expected superseded session's transport to be closed")
	}
	if oldSession.Connected() {
		t.Fatal("expected superseded session to be disconnected")
	}
	if !newSession.Connected() {
		t.Fatal("expected new session to be connected")
	}

	// Disconnecting the stale handle must not evict the authoritative one.
	m.Disconnect(oldSession)
	if got := m.ListOnline([]string{"u1"}); len(got) != 1 {
		t.Fatalf("authoritative session evicted by stale disconnect, online = %v", got)
	}

	if err := m.Forward("u1", mustEvent(t, domain.EventAlertForward, domain.AlertForwardPayload{AlertID: "a1"})); err != nil {
		t.Fatalf("forward to authoritative session: %v", err)
	}
	for _, ev := range newSender.eventTypes() {
		if ev == domain.EventAlertForward {
			return
		}
	}
	t.Fatal("alert-forward not delivered to the new authoritative session")
}

func TestDisconnectIsIdempotentAndBroadcastsOffline(t *testing.T) {
	m := NewManager(slog.Default())
	watcher := &fakeSender{}
	m.Connect("watcher", watcher)

	s := m.Connect("u1", &fakeSender{})
	m.Disconnect(s)
	m.Disconnect(s) // no-op

	if got := m.ListOnline([]string{"u1"}); len(got) != 0 {
		t.Fatalf("expected u1 offline, got %v", got)
	}

	var offline int
	for _, ev := range watcher.eventTypes() {
		if ev == domain.EventPresenceOffline {
			offline++
		}
	}
	if offline != 1 {
		t.Fatalf("expected exactly one presence-offline broadcast, got %d", offline)
	}
}

func TestForwardToOfflineUserReturnsNotFound(t *testing.T) {
	m := NewManager(slog.Default())
	err := m.Forward("ghost", mustEvent(t, domain.EventAlertForward, domain.AlertForwardPayload{AlertID: "a1"}))
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSetVisibilityIsHintNotDisconnect(t *testing.T) {
	m := NewManager(slog.Default())
	watcher := &fakeSender{}
	m.Connect("watcher", watcher)
	s := m.Connect("u1", &fakeSender{})

	m.SetVisibility(s, false)

	// Hidden is a presence hint; the session still counts as connected for
	// delivery partitioning.
	if got := m.ListOnline([]string{"u1"}); len(got) != 1 {
		t.Fatalf("hidden session dropped from ListOnline: %v", got)
	}
	var sawOffline bool
	for _, ev := range watcher.eventTypes() {
		if ev == domain.EventPresenceOffline {
			sawOffline = true
		}
	}
	if !sawOffline {
		t.Fatal("expected presence-offline hint broadcast for hidden session")
	}

	m.SetVisibility(s, false) // unchanged, no extra broadcast
	m.SetVisibility(s, true)
	types := watcher.eventTypes()
	if types[len(types)-1] != domain.EventPresenceOnline {
		t.Fatalf("expected trailing presence-online hint, got %v", types)
	}
}

func TestSweepStaleDemotesIdleSessions(t *testing.T) {
	m := NewManager(slog.Default(), WithIdleTimeout(20*time.Millisecond, time.Hour))
	fresh := m.Connect("fresh", &fakeSender{})
	m.Connect("idle", &fakeSender{})

	time.Sleep(30 * time.Millisecond)
	m.Touch(fresh)

	if demoted := m.SweepStale(time.Now()); demoted != 1 {
		t.Fatalf("expected 1 demoted session, got %d", demoted)
	}
	if got := m.ListOnline([]string{"fresh", "idle"}); len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("ListOnline after sweep = %v, want [fresh]", got)
	}
}

func TestConcurrentConnectKeepsOneAuthoritativeSession(t *testing.T) {
	m := NewManager(slog.Default())
	const racers = 20
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Connect("u1", &fakeSender{})
		}()
	}
	wg.Wait()

	if got := m.ListOnline([]string{"u1"}); len(got) != 1 {
		t.Fatalf("expected a single authoritative session, online = %v", got)
	}
}

func mustEvent(t *testing.T, typ domain.EventType, payload any) domain.Event {
	t.Helper()
	ev, err := domain.NewEvent(typ, payload)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}
