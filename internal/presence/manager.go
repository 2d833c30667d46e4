package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beaconhq/beacon-delivery/internal/domain"
	"github.com/beaconhq/beacon-delivery/internal/observability"
)

// Sender pushes events onto one client's live transport. Implementations
// must not block the caller; a slow client is the transport's problem.
type Sender interface {
	Send(ev domain.Event) error
	Close()
}

// Session is one connected user-agent. At most one session per user is
// authoritative at a time; a newer connect supersedes the older session.
type Session struct {
	ID     string
	UserID string

	mu         sync.Mutex
	connected  bool
	visible    bool
	lastSeenAt time.Time
	sender     Sender
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) LastSeenAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeenAt
}

// Manager owns the authoritative session registry. The registry is the only
// shared mutable state in the delivery core and is mutated exclusively
// through Connect/Disconnect under one lock, so supersession cannot race
// into two authoritative sessions for the same user.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	maxIdle       time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
}

type Option func(*Manager)

// WithIdleTimeout bounds how long a silent session keeps counting as online
// before the sweep demotes it.
func WithIdleTimeout(maxIdle, sweepInterval time.Duration) Option {
	return func(m *Manager) {
		if maxIdle > 0 {
			m.maxIdle = maxIdle
		}
		if sweepInterval > 0 {
			m.sweepInterval = sweepInterval
		}
	}
}

func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		sessions:      make(map[string]*Session),
		maxIdle:       60 * time.Second,
		sweepInterval: 90 * time.Second,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect registers a live session for a verified user. Any previous session
// for the same user is torn down first (last-connect-wins) and the new
// session receives an online snapshot before its presence is announced, so
// no alert can be forwarded to it before it observed itself as online.
func (m *Manager) Connect(userID string, sender Sender) *Session {
	now := time.Now()
	session := &Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		connected:  true,
		visible:    true,
		lastSeenAt: now,
		sender:     sender,
	}

	m.mu.Lock()
	prev := m.sessions[userID]
	m.sessions[userID] = session
	online := m.onlineLocked()
	m.mu.Unlock()

	if prev != nil {
		prev.mu.Lock()
		prev.connected = false
		prevSender := prev.sender
		prev.mu.Unlock()
		if prevSender != nil {
			prevSender.Close()
		}
		m.logger.Info("session superseded", "user_id", userID, "old_session", prev.ID, "new_session", session.ID)
		observability.RecordPresenceTransition(context.Background(), "superseded")
	}

	if ev, err := domain.NewEvent(domain.EventOnlineSnapshot, domain.SnapshotPayload{Online: online}); err == nil {
		_ = sender.Send(ev)
	}
	m.broadcastPresence(domain.EventPresenceOnline, userID, session)
	observability.RecordPresenceTransition(context.Background(), "online")
	m.logger.Info("session connected", "user_id", userID, "session_id", session.ID)
	return session
}

// Disconnect tears down a session and announces presence-offline. Calling it
// for a session that is no longer authoritative (already superseded or
// already disconnected) is a no-op.
func (m *Manager) Disconnect(session *Session) {
	if session == nil {
		return
	}
	m.mu.Lock()
	current, ok := m.sessions[session.UserID]
	if !ok || current != session {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, session.UserID)
	m.mu.Unlock()

	session.mu.Lock()
	session.connected = false
	sender := session.sender
	session.mu.Unlock()
	if sender != nil {
		sender.Close()
	}

	m.broadcastPresence(domain.EventPresenceOffline, session.UserID, session)
	observability.RecordPresenceTransition(context.Background(), "offline")
	m.logger.Info("session disconnected", "user_id", session.UserID, "session_id", session.ID)
}

// SetVisibility maps app foreground state to a presence hint. It does not
// tear the session down; a hidden tab simply reads as offline to contacts
// until it surfaces again.
func (m *Manager) SetVisibility(session *Session, visible bool) {
	if session == nil {
		return
	}
	session.mu.Lock()
	if session.visible == visible {
		session.mu.Unlock()
		return
	}
	session.visible = visible
	session.lastSeenAt = time.Now()
	session.mu.Unlock()

	ev := domain.EventPresenceOffline
	if visible {
		ev = domain.EventPresenceOnline
	}
	m.broadcastPresence(ev, session.UserID, session)
}

// Touch marks transport traffic on the session for idle tracking.
func (m *Manager) Touch(session *Session) {
	if session == nil {
		return
	}
	session.mu.Lock()
	session.lastSeenAt = time.Now()
	session.mu.Unlock()
}

// ListOnline returns the subset of candidates with a connected session.
// Used by the fan-out protocol to partition recipients. Visibility is a
// presence display hint only and does not exclude a connected session here.
func (m *Manager) ListOnline(candidateIDs []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	online := make([]string, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		if s, ok := m.sessions[id]; ok {
			s.mu.Lock()
			live := s.connected
			s.mu.Unlock()
			if live {
				online = append(online, id)
			}
		}
	}
	return online
}

// Forward delivers an event over a user's live session. Returns
// domain.ErrSessionNotFound when the user has no authoritative session.
func (m *Manager) Forward(userID string, ev domain.Event) error {
	m.mu.Lock()
	session, ok := m.sessions[userID]
	m.mu.Unlock()
	if !ok {
		return domain.ErrSessionNotFound
	}
	session.mu.Lock()
	connected := session.connected
	sender := session.sender
	session.mu.Unlock()
	if !connected || sender == nil {
		return domain.ErrSessionNotFound
	}
	return sender.Send(ev)
}

// Run sweeps idle sessions until the context is done. A session with no
// transport traffic inside the idle bound is demoted exactly like an
// explicit disconnect, covering silently dropped connections.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepStale(time.Now())
		}
	}
}

func (m *Manager) SweepStale(now time.Time) int {
	m.mu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastSeenAt)
		s.mu.Unlock()
		if idle > m.maxIdle {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.logger.Warn("demoting stale session", "user_id", s.UserID, "session_id", s.ID)
		m.Disconnect(s)
	}
	return len(stale)
}

func (m *Manager) onlineLocked() []string {
	online := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		s.mu.Lock()
		live := s.connected
		s.mu.Unlock()
		if live {
			online = append(online, id)
		}
	}
	return online
}

// broadcastPresence fans a presence transition out to every other connected
// session. Contact filtering belongs to the collaborator observing these
// events; the core announces to everyone on the transport.
func (m *Manager) broadcastPresence(t domain.EventType, userID string, exclude *Session) {
	ev, err := domain.NewEvent(t, domain.PresenceInfo{
		UserID:     userID,
		Online:     t == domain.EventPresenceOnline,
		LastSeenAt: time.Now(),
	})
	if err != nil {
		return
	}
	m.mu.Lock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s == exclude {
			continue
		}
		targets = append(targets, s)
	}
	m.mu.Unlock()

	for _, s := range targets {
		s.mu.Lock()
		connected := s.connected
		sender := s.sender
		s.mu.Unlock()
		if connected && sender != nil {
			_ = sender.Send(ev)
		}
	}
}
