package domain

import "time"

// SessionState tracks one client's position in the connection lifecycle.
type SessionState string

const (
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionDisconnected SessionState = "disconnected"
	SessionReconnecting SessionState = "reconnecting"
	SessionFailed       SessionState = "failed"
)

// PresenceInfo is the externally visible slice of a session, used for
// presence broadcasts and online snapshots.
type PresenceInfo struct {
	UserID     string    `json:"user_id"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
