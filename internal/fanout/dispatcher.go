package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/beaconhq/beacon-delivery/internal/domain"
	"github.com/beaconhq/beacon-delivery/internal/observability"
	"github.com/beaconhq/beacon-delivery/internal/push"
	"github.com/beaconhq/beacon-delivery/internal/ratelimit"
)

// PresenceDirectory is the slice of the presence manager the protocol needs.
type PresenceDirectory interface {
	ListOnline(candidateIDs []string) []string
	Forward(userID string, ev domain.Event) error
}

// SubscriptionSource lists a recipient's durable endpoints and prunes the
// ones the push service reports as gone.
type SubscriptionSource interface {
	ListSubscriptions(ctx context.Context, userID string) ([]domain.PushSubscription, error)
	RemoveByEndpoint(ctx context.Context, endpoint string) error
}

// Pusher delivers one durable payload to one subscription.
type Pusher interface {
	Deliver(ctx context.Context, sub domain.PushSubscription, payload push.Payload, opts *push.Options) (push.Outcome, error)
}

// DurableResult summarizes the durable leg of one send. A rate-limited send
// is rejected wholesale, not per recipient; partial realtime delivery that
// already happened is not rolled back.
type DurableResult struct {
	Attempted         bool   `json:"attempted"`
	Rejected          bool   `json:"rejected,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

type Report struct {
	AlertID  string                   `json:"alert_id"`
	Online   []string                 `json:"online"`
	Offline  []string                 `json:"offline"`
	Attempts []domain.DeliveryAttempt `json:"attempts"`
	Durable  DurableResult            `json:"durable"`
}

// Dispatcher executes per-recipient delivery for one alert: realtime to
// connected recipients, and for the critical class a durable push to every
// recipient, gated by the sender's rate limit.
type Dispatcher struct {
	presence      PresenceDirectory
	subscriptions SubscriptionSource
	pusher        Pusher
	limiter       ratelimit.Limiter
	dedup         DedupStore
	logger        *slog.Logger

	pushConcurrency int
}

func NewDispatcher(
	presence PresenceDirectory,
	subscriptions SubscriptionSource,
	pusher Pusher,
	limiter ratelimit.Limiter,
	dedup DedupStore,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if dedup == nil {
		dedup = NewMemoryDedup(time.Hour)
	}
	return &Dispatcher{
		presence:        presence,
		subscriptions:   subscriptions,
		pusher:          pusher,
		limiter:         limiter,
		dedup:           dedup,
		logger:          logger,
		pushConcurrency: 8,
	}
}

// Dispatch validates, dedups, partitions by presence, forwards realtime and
// runs the durable leg per the alert class. The realtime and durable legs
// carry no relative ordering guarantee.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *domain.Alert) (*Report, error) {
	if err := alert.Validate(); err != nil {
		return nil, err
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}

	fresh, err := d.dedup.MarkSeen(ctx, alert.ID)
	if err != nil {
		// Dedup is best effort; at-least-once with idempotent recipients.
		d.logger.Warn("alert dedup store unavailable, proceeding", "alert_id", alert.ID, "error", err.Error())
	} else if !fresh {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateAlert, alert.ID)
	}

	online := d.presence.ListOnline(alert.RecipientIDs)
	onlineSet := make(map[string]struct{}, len(online))
	for _, id := range online {
		onlineSet[id] = struct{}{}
	}
	offline := make([]string, 0, len(alert.RecipientIDs)-len(online))
	for _, id := range alert.RecipientIDs {
		if _, ok := onlineSet[id]; !ok {
			offline = append(offline, id)
		}
	}

	report := &Report{AlertID: alert.ID, Online: online, Offline: offline}
	report.Attempts = append(report.Attempts, d.forwardRealtime(ctx, alert, online)...)

	if alert.Class == domain.AlertClassCritical {
		d.dispatchDurable(ctx, alert, report)
	}
	return report, nil
}

// forwardRealtime is fire-and-forget: no acknowledgment is awaited, and a
// transport failure is recorded but not retried here. The recipient's own
// reconnect machinery owns that failure.
func (d *Dispatcher) forwardRealtime(ctx context.Context, alert *domain.Alert, online []string) []domain.DeliveryAttempt {
	ev, err := domain.NewEvent(domain.EventAlertForward, domain.AlertForwardPayload{
		AlertID:    alert.ID,
		Class:      alert.Class,
		FromUser:   alert.FromUserID,
		Message:    alert.Message,
		Location:   alert.Location,
		CreatedAt:  alert.CreatedAt,
		Recipients: alert.RecipientIDs,
	})
	if err != nil {
		d.logger.Error("encode alert-forward event", "alert_id", alert.ID, "error", err.Error())
		return nil
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(online))
	for _, id := range online {
		attempt := domain.DeliveryAttempt{
			AlertID:     alert.ID,
			RecipientID: id,
			Channel:     domain.ChannelRealtime,
			Status:      domain.DeliverySent,
			At:          time.Now(),
		}
		if err := d.presence.Forward(id, ev); err != nil {
			attempt.Status = domain.DeliveryFailed
			attempt.Reason = err.Error()
		}
		observability.RecordDeliveryAttempt(ctx, string(domain.ChannelRealtime), string(attempt.Status))
		attempts = append(attempts, attempt)
	}
	return attempts
}

// dispatchDurable gates the whole send on the sender's quota, then pushes to
// every recipient's subscriptions concurrently. The quota store failing is
// handled fail-open: delivering the alert outranks enforcing the quota.
func (d *Dispatcher) dispatchDurable(ctx context.Context, alert *domain.Alert, report *Report) {
	report.Durable.Attempted = true

	decision, err := d.limiter.Allow(ctx, alert.FromUserID+":alert_send")
	switch {
	case err != nil:
		observability.RecordRateLimitDecision(ctx, "alert_send", "backend_error", string(ratelimit.FailOpen))
		d.logger.Warn("quota store unavailable, allowing durable delivery",
			"sender", alert.FromUserID, "error", err.Error())
	case !decision.Allowed:
		observability.RecordRateLimitDecision(ctx, "alert_send", "deny", string(ratelimit.FailOpen))
		observability.RecordRateLimitRetryAfter(ctx, "alert_send", decision.RetryAfter)
		rle := &domain.RateLimitError{RetryAfter: decision.RetryAfter}
		report.Durable.Rejected = true
		report.Durable.RetryAfterSeconds = rle.RetryAfterSeconds()
		report.Durable.Reason = "rate limited"
		return
	default:
		observability.RecordRateLimitDecision(ctx, "alert_send", "allow", string(ratelimit.FailOpen))
	}

	payload := push.Payload{
		Title:     "Emergency alert",
		Message:   alert.Message,
		Type:      "danger",
		FromUser:  alert.FromUserID,
		Location:  alert.Location,
		Timestamp: alert.CreatedAt,
		AlertID:   alert.ID,
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.pushConcurrency)
	for _, recipientID := range alert.RecipientIDs {
		recipientID := recipientID
		g.Go(func() error {
			attempt := d.pushToRecipient(gctx, recipientID, payload)
			observability.RecordDeliveryAttempt(gctx, string(domain.ChannelDurable), string(attempt.Status))
			mu.Lock()
			report.Attempts = append(report.Attempts, attempt)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// pushToRecipient attempts every subscription of one recipient and folds the
// outcomes into a single durable DeliveryAttempt: any success wins, an
// expired-only recipient reads as subscription_expired.
func (d *Dispatcher) pushToRecipient(ctx context.Context, recipientID string, payload push.Payload) domain.DeliveryAttempt {
	attempt := domain.DeliveryAttempt{
		AlertID:     payload.AlertID,
		RecipientID: recipientID,
		Channel:     domain.ChannelDurable,
		At:          time.Now(),
	}

	subs, err := d.subscriptions.ListSubscriptions(ctx, recipientID)
	if err != nil {
		attempt.Status = domain.DeliveryFailed
		attempt.Retryable = true
		attempt.Reason = fmt.Sprintf("list subscriptions: %v", err)
		return attempt
	}
	if len(subs) == 0 {
		attempt.Status = domain.DeliverySkipped
		attempt.Reason = "no push subscriptions"
		return attempt
	}

	var sent, expired, failed, skipped int
	var retryable bool
	var lastReason string
	for _, sub := range subs {
		outcome, err := d.pusher.Deliver(ctx, sub, payload, nil)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidAlert) {
				failed++
				lastReason = err.Error()
				continue
			}
			failed++
			retryable = true
			lastReason = err.Error()
			continue
		}
		switch outcome.Status {
		case domain.DeliverySent:
			sent++
		case domain.DeliveryExpired:
			expired++
			if err := d.subscriptions.RemoveByEndpoint(ctx, sub.Endpoint); err != nil {
				d.logger.Warn("prune expired subscription", "endpoint_owner", sub.OwnerID, "error", err.Error())
			}
		case domain.DeliverySkipped:
			skipped++
			lastReason = outcome.Reason
		default:
			failed++
			retryable = retryable || outcome.Retryable
			lastReason = outcome.Reason
		}
	}

	switch {
	case sent > 0:
		attempt.Status = domain.DeliverySent
	case expired > 0 && failed == 0 && skipped == 0:
		attempt.Status = domain.DeliveryExpired
		attempt.Reason = "all subscriptions expired"
	case skipped > 0 && failed == 0:
		attempt.Status = domain.DeliverySkipped
		attempt.Reason = lastReason
	default:
		attempt.Status = domain.DeliveryFailed
		attempt.Retryable = retryable
		attempt.Reason = lastReason
	}
	return attempt
}
