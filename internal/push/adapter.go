package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/beaconhq/beacon-delivery/internal/domain"
)

// Payload is the durable notification body handed to the push service.
type Payload struct {
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      string           `json:"type"` // "help" | "danger"
	FromUser  string           `json:"fromUser"`
	Location  *domain.Location `json:"location,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	AlertID   string           `json:"alertId"`
}

type Options struct {
	TTL     int
	Urgency string
	Topic   string
}

type Outcome struct {
	Status     domain.DeliveryStatus
	Retryable  bool
	Reason     string
	StatusCode int
}

// Adapter sends one durable notification to one subscription endpoint and
// classifies the result. It never retries and never touches subscription
// storage; expired endpoints are reported for the store owner to prune.
type Adapter struct {
	vapidPublicKey  string
	vapidPrivateKey string
	subscriber      string
	client          *http.Client
	logger          *slog.Logger
}

func NewAdapter(vapidPublicKey, vapidPrivateKey, subscriber string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		subscriber:      subscriber,
		client:          &http.Client{Timeout: 30 * time.Second},
		logger:          logger,
	}
}

// Configured reports whether the server signing keypair is present. When it
// is not, Deliver degrades to Skipped and realtime delivery carries on.
func (a *Adapter) Configured() bool {
	return a.vapidPublicKey != "" && a.vapidPrivateKey != ""
}

func validateSubscription(sub domain.PushSubscription) error {
	if sub.Endpoint == "" {
		return fmt.Errorf("%w: missing endpoint", domain.ErrInvalidAlert)
	}
	if sub.P256dh == "" || sub.Auth == "" {
		return fmt.Errorf("%w: missing subscription keys", domain.ErrInvalidAlert)
	}
	return nil
}

func validatePayload(p Payload) error {
	if l := len(p.Message); l < domain.MinMessageLength || l > domain.MaxMessageLength {
		return fmt.Errorf("%w: message length %d outside [%d,%d]", domain.ErrInvalidAlert, l, domain.MinMessageLength, domain.MaxMessageLength)
	}
	return nil
}

// Deliver validates before any network I/O, then classifies the transport
// outcome: 2xx Sent, 404/410 SubscriptionExpired, other 4xx terminal
// failure, 5xx or network error retryable failure.
func (a *Adapter) Deliver(ctx context.Context, sub domain.PushSubscription, payload Payload, opts *Options) (Outcome, error) {
	if err := validatePayload(payload); err != nil {
		return Outcome{}, err
	}
	if err := validateSubscription(sub); err != nil {
		return Outcome{}, err
	}
	if !a.Configured() {
		a.logger.Warn("push delivery skipped, signing keys not configured", "endpoint_owner", sub.OwnerID)
		return Outcome{Status: domain.DeliverySkipped, Reason: "server misconfigured"}, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal push payload: %w", err)
	}

	wopts := &webpush.Options{
		HTTPClient:      a.client,
		Subscriber:      a.subscriber,
		VAPIDPublicKey:  a.vapidPublicKey,
		VAPIDPrivateKey: a.vapidPrivateKey,
		TTL:             86400,
		Urgency:         webpush.UrgencyHigh,
	}
	if opts != nil {
		if opts.TTL > 0 {
			wopts.TTL = opts.TTL
		}
		if opts.Urgency != "" {
			u, err := parseUrgency(opts.Urgency)
			if err != nil {
				return Outcome{}, err
			}
			wopts.Urgency = u
		}
		wopts.Topic = opts.Topic
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, wopts)
	if err != nil {
		return Outcome{Status: domain.DeliveryFailed, Retryable: true, Reason: err.Error()}, nil
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	return classifyStatus(resp.StatusCode), nil
}

func classifyStatus(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return Outcome{Status: domain.DeliverySent, StatusCode: code}
	case code == http.StatusNotFound || code == http.StatusGone:
		return Outcome{Status: domain.DeliveryExpired, Reason: domain.ErrSubscriptionGone.Error(), StatusCode: code}
	case code >= 400 && code < 500:
		return Outcome{Status: domain.DeliveryFailed, Retryable: false, Reason: fmt.Sprintf("push service rejected: %d", code), StatusCode: code}
	default:
		return Outcome{Status: domain.DeliveryFailed, Retryable: true, Reason: fmt.Sprintf("push service error: %d", code), StatusCode: code}
	}
}

func parseUrgency(raw string) (webpush.Urgency, error) {
	switch webpush.Urgency(raw) {
	case webpush.UrgencyVeryLow, webpush.UrgencyLow, webpush.UrgencyNormal, webpush.UrgencyHigh:
		return webpush.Urgency(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown urgency %q", domain.ErrInvalidAlert, raw)
	}
}

// GenerateVAPIDKeys returns a fresh signing keypair for server configuration.
func GenerateVAPIDKeys() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}
