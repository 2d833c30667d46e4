package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "beacon-delivery"

var (
	metricsOnce       sync.Once
	deliveryCounter   metric.Int64Counter
	rateLimitCounter  metric.Int64Counter
	presenceCounter   metric.Int64Counter
	retryAfterCounter metric.Int64Counter
)

// initMetrics binds counters to whatever global meter provider the embedding
// process installed. Without one, the otel default no-op provider applies
// and recording is free.
func initMetrics() {
	meter := otel.Meter(meterName)
	if c, err := meter.Int64Counter("delivery.attempts"); err == nil {
		deliveryCounter = c
	}
	if c, err := meter.Int64Counter("ratelimit.decisions"); err == nil {
		rateLimitCounter = c
	}
	if c, err := meter.Int64Counter("presence.transitions"); err == nil {
		presenceCounter = c
	}
	if c, err := meter.Int64Counter("ratelimit.retry_after_seconds"); err == nil {
		retryAfterCounter = c
	}
}

func RecordDeliveryAttempt(ctx context.Context, channel, status string) {
	metricsOnce.Do(initMetrics)
	if deliveryCounter == nil {
		return
	}
	deliveryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("status", status),
	))
}

func RecordRateLimitDecision(ctx context.Context, scope, outcome, mode string) {
	metricsOnce.Do(initMetrics)
	if rateLimitCounter == nil {
		return
	}
	rateLimitCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("outcome", outcome),
		attribute.String("mode", mode),
	))
}

func RecordRateLimitRetryAfter(ctx context.Context, scope string, retryAfter time.Duration) {
	metricsOnce.Do(initMetrics)
	if retryAfterCounter == nil {
		return
	}
	retryAfterCounter.Add(ctx, int64(retryAfter.Round(time.Second).Seconds()), metric.WithAttributes(
		attribute.String("scope", scope),
	))
}

func RecordPresenceTransition(ctx context.Context, event string) {
	metricsOnce.Do(initMetrics)
	if presenceCounter == nil {
		return
	}
	presenceCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
	))
}
