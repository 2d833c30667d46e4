package domain

import "time"

type DeliveryChannel string

const (
	ChannelRealtime DeliveryChannel = "realtime"
	ChannelDurable  DeliveryChannel = "durable"
)

type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "sent"
	DeliverySkipped DeliveryStatus = "skipped"
	DeliveryFailed  DeliveryStatus = "failed"
	// DeliveryExpired marks a durable attempt against a subscription the push
	// service reports as gone (HTTP 404/410). The subscription store owner is
	// responsible for pruning it.
	DeliveryExpired DeliveryStatus = "subscription_expired"
)

// DeliveryAttempt records the outcome of one (alert, recipient, channel)
// delivery. A recipient has at most one attempt per channel per alert.
type DeliveryAttempt struct {
	AlertID     string          `json:"alert_id"`
	RecipientID string          `json:"recipient_id"`
	Channel     DeliveryChannel `json:"channel"`
	Status      DeliveryStatus  `json:"status"`
	Retryable   bool            `json:"retryable,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	At          time.Time       `json:"at"`
}
