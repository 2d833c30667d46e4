package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/beaconhq/beacon-delivery/internal/domain"
	"github.com/beaconhq/beacon-delivery/internal/http/middleware"
	"github.com/beaconhq/beacon-delivery/internal/http/response"
	"github.com/beaconhq/beacon-delivery/internal/observability"
	"github.com/beaconhq/beacon-delivery/internal/push"
	"github.com/beaconhq/beacon-delivery/internal/ratelimit"
)

type PushDeliverer interface {
	Deliver(ctx context.Context, sub domain.PushSubscription, payload push.Payload, opts *push.Options) (push.Outcome, error)
}

// NotifyHandler is the durable delivery endpoint: one authenticated,
// rate-limited, validated push to one subscription.
type NotifyHandler struct {
	pusher  PushDeliverer
	limiter ratelimit.Limiter
	logger  *slog.Logger
}

func NewNotifyHandler(pusher PushDeliverer, limiter ratelimit.Limiter, logger *slog.Logger) *NotifyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyHandler{pusher: pusher, limiter: limiter, logger: logger}
}

type notifyRequest struct {
	Subscription struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	} `json:"subscription"`
	Payload struct {
		Title     string           `json:"title"`
		Message   string           `json:"message"`
		Type      string           `json:"type"` // "help" | "danger"
		FromUser  string           `json:"fromUser"`
		Location  *domain.Location `json:"location,omitempty"`
		Timestamp time.Time        `json:"timestamp"`
		AlertID   string           `json:"alertId"`
	} `json:"payload"`
	Options *struct {
		TTL     int    `json:"ttl,omitempty"`
		Urgency string `json:"urgency,omitempty"`
		Topic   string `json:"topic,omitempty"`
	} `json:"options,omitempty"`
}

func (h *NotifyHandler) Notify(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity", nil)
		return
	}

	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed notify body", nil)
		return
	}
	if req.Payload.Type != "help" && req.Payload.Type != "danger" {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "payload type must be help or danger", nil)
		return
	}

	decision, err := h.limiter.Allow(r.Context(), userID+":notify")
	if err != nil {
		// Fail open: quota enforcement never outranks delivering the alert.
		observability.RecordRateLimitDecision(r.Context(), "notify", "backend_error", string(ratelimit.FailOpen))
		h.logger.Warn("quota store unavailable, allowing notify", "user_id", userID, "error", err.Error())
	} else if !decision.Allowed {
		observability.RecordRateLimitDecision(r.Context(), "notify", "deny", string(ratelimit.FailOpen))
		observability.RecordRateLimitRetryAfter(r.Context(), "notify", decision.RetryAfter)
		retryAfter := int((decision.RetryAfter + time.Second - 1) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		response.RetryAfter(w, retryAfter)
		response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many notifications",
			map[string]any{"retryAfter": retryAfter})
		return
	} else {
		observability.RecordRateLimitDecision(r.Context(), "notify", "allow", string(ratelimit.FailOpen))
	}

	sub := domain.PushSubscription{
		OwnerID:  userID,
		Endpoint: req.Subscription.Endpoint,
		P256dh:   req.Subscription.Keys.P256dh,
		Auth:     req.Subscription.Keys.Auth,
	}
	payload := push.Payload{
		Title:     req.Payload.Title,
		Message:   req.Payload.Message,
		Type:      req.Payload.Type,
		FromUser:  req.Payload.FromUser,
		Location:  req.Payload.Location,
		Timestamp: req.Payload.Timestamp,
		AlertID:   req.Payload.AlertID,
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	var opts *push.Options
	if req.Options != nil {
		opts = &push.Options{TTL: req.Options.TTL, Urgency: req.Options.Urgency, Topic: req.Options.Topic}
	}

	outcome, err := h.pusher.Deliver(r.Context(), sub, payload, opts)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAlert) {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		h.logger.Error("push deliver", "error", err.Error())
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "push delivery failed", nil)
		return
	}

	observability.RecordDeliveryAttempt(r.Context(), string(domain.ChannelDurable), string(outcome.Status))
	switch outcome.Status {
	case domain.DeliverySent:
		response.JSON(w, r, http.StatusOK, map[string]any{"ok": true})
	case domain.DeliverySkipped:
		response.JSON(w, r, http.StatusServiceUnavailable, map[string]any{
			"ok": false, "skipped": true, "reason": outcome.Reason,
		})
	case domain.DeliveryExpired:
		response.JSON(w, r, http.StatusGone, map[string]any{"subscriptionExpired": true})
	default:
		response.Error(w, r, http.StatusBadGateway, "PUSH_FAILED", outcome.Reason,
			map[string]any{"retryable": outcome.Retryable})
	}
}
