package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of real-time transport events. Unknown types
// are rejected at decode time; there is no dynamic event registration.
type EventType string

const (
	EventSessionJoin     EventType = "session-join"
	EventPresenceOnline  EventType = "presence-online"
	EventPresenceOffline EventType = "presence-offline"
	EventOnlineSnapshot  EventType = "online-snapshot"
	EventAlertForward    EventType = "alert-forward"
	EventTypingStart     EventType = "typing-start"
	EventTypingStop      EventType = "typing-stop"
)

type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SnapshotPayload struct {
	Online []string `json:"online"`
}

type AlertForwardPayload struct {
	AlertID    string     `json:"alert_id"`
	Class      AlertClass `json:"class"`
	FromUser   string     `json:"from_user"`
	Message    string     `json:"message"`
	Location   *Location  `json:"location,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Recipients []string   `json:"recipients"`
}

type TypingPayload struct {
	FromUser     string   `json:"from_user"`
	RecipientIDs []string `json:"recipient_ids"`
}

func NewEvent(t EventType, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Event{Type: t, Payload: raw}, nil
}

// DecodeEvent parses a wire event and rejects types outside the closed set.
func DecodeEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	switch ev.Type {
	case EventSessionJoin, EventPresenceOnline, EventPresenceOffline,
		EventOnlineSnapshot, EventAlertForward, EventTypingStart, EventTypingStop:
		return ev, nil
	default:
		return Event{}, fmt.Errorf("decode event: unknown type %q", ev.Type)
	}
}
