package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AlertClass selects the delivery guarantees for an alert. Assistance alerts
// reach connected recipients only; Critical alerts additionally go through
// the durable push channel for every recipient.
type AlertClass string

const (
	AlertClassAssistance AlertClass = "assistance"
	AlertClassCritical   AlertClass = "critical"
)

const (
	MinMessageLength = 1
	MaxMessageLength = 1000
)

var (
	ErrInvalidAlert     = errors.New("invalid alert")
	ErrDuplicateAlert   = errors.New("duplicate alert id")
	ErrSessionNotFound  = errors.New("session not found")
	ErrNoRecipients     = errors.New("alert has no recipients")
	ErrSubscriptionGone = errors.New("push subscription expired")
)

type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Alert is one emergency notification instance. The ID is client-generated
// and used for idempotent dedup; this core never deletes alerts.
type Alert struct {
	ID           string     `json:"id"`
	FromUserID   string     `json:"from_user_id"`
	Class        AlertClass `json:"class"`
	Message      string     `json:"message"`
	Location     *Location  `json:"location,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	RecipientIDs []string   `json:"recipient_ids"`
}

func (a *Alert) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidAlert)
	}
	if strings.TrimSpace(a.FromUserID) == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidAlert)
	}
	if a.Class != AlertClassAssistance && a.Class != AlertClassCritical {
		return fmt.Errorf("%w: unknown class %q", ErrInvalidAlert, a.Class)
	}
	if l := len(a.Message); l < MinMessageLength || l > MaxMessageLength {
		return fmt.Errorf("%w: message length %d outside [%d,%d]", ErrInvalidAlert, l, MinMessageLength, MaxMessageLength)
	}
	if len(a.RecipientIDs) == 0 {
		return ErrNoRecipients
	}
	return nil
}

// RateLimitError signals that the durable channel rejected a send wholesale;
// the caller should back off for RetryAfter before resubmitting.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RetryAfterSeconds rounds the backoff up to whole seconds with a floor of
// one, so waiting exactly this long always clears the closed window.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
