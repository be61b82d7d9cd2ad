// Package fallback escalates events the primary transport could not take to
// an ordered list of durable sinks.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"match-event-delivery/shared/breakerx"
	"match-event-delivery/shared/events"
	"match-event-delivery/shared/logx"
	"match-event-delivery/shared/metricsx"
	"match-event-delivery/shared/retryx"
)

// Tier is one sink guarded by its own breaker and retrier.
type Tier struct {
	Sink    Sink
	Breaker *breakerx.Breaker
	Retrier *retryx.Retrier
}

type Result struct {
	Tier   string
	SinkID string
	Record events.FallbackRecord
}

type TierFailure struct {
	Tier string
	Err  error
}

// ExhaustedError means no sink accepted the event. Nothing further can be
// tried; callers must raise an operational alert.
type ExhaustedError struct {
	EventID        string
	IdempotencyKey string
	Failures       []TierFailure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Tier+": "+f.Err.Error())
	}
	return fmt.Sprintf("escalation exhausted for event %s (key %s): %s", e.EventID, e.IdempotencyKey, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

type Chain struct {
	tiers  []Tier
	logger logx.Logger
	now    func() time.Time
}

func NewChain(logger logx.Logger, tiers ...Tier) (*Chain, error) {
	if len(tiers) == 0 {
		return nil, errors.New("fallback chain needs at least one tier")
	}
	for i, t := range tiers {
		if t.Sink == nil || t.Breaker == nil || t.Retrier == nil {
			return nil, fmt.Errorf("fallback tier %d is incomplete", i)
		}
	}
	return &Chain{tiers: tiers, logger: logger, now: time.Now}, nil
}

func (c *Chain) Tiers() []string {
	out := make([]string, 0, len(c.tiers))
	for _, t := range c.tiers {
		out = append(out, t.Sink.Name())
	}
	return out
}

// Escalate writes the event to the first tier that accepts it. The event's
// RetryCount is incremented once per escalation.
func (c *Chain) Escalate(ctx context.Context, event events.Event, cause error) (Result, error) {
	ctx, span := otel.Tracer("fallback").Start(ctx, "fallback.escalate")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.idempotency_key", event.IdempotencyKey),
	)

	event.RetryCount++
	base := events.FallbackRecord{
		Event:    event,
		FailedAt: c.now().UTC(),
	}
	if cause != nil {
		base.Cause = cause.Error()
	}
	attrs := []slog.Attr{
		slog.String("event_id", event.ID),
		slog.String("idempotency_key", event.IdempotencyKey),
		slog.Int("retry_count", event.RetryCount),
	}
	c.logger.Warn(ctx, "fallback_escalate", "primary delivery failed, escalating", append(attrs, slog.String("cause", base.Cause))...)

	failures := make([]TierFailure, 0, len(c.tiers))
	for i, tier := range c.tiers {
		name := tier.Sink.Name()
		rec := base
		rec.EscalationTier = name

		sinkID, err := breakerx.Execute(ctx, tier.Breaker, func(ctx context.Context) (string, error) {
			return retryx.Do(ctx, tier.Retrier, func(ctx context.Context) (string, error) {
				return tier.Sink.Write(ctx, rec)
			})
		})
		if err == nil {
			metricsx.IncFallback(name, "accepted")
			span.SetAttributes(attribute.String("fallback.tier", name))
			c.logger.Info(ctx, "fallback_accepted", "fallback tier accepted event",
				append(attrs, slog.String("tier", name), slog.Int("tier_index", i), slog.String("sink_id", sinkID))...)
			return Result{Tier: name, SinkID: sinkID, Record: rec}, nil
		}

		metricsx.IncFallback(name, "failed")
		failures = append(failures, TierFailure{Tier: name, Err: err})
		c.logger.Warn(ctx, "fallback_tier_failed", "fallback tier rejected event",
			append(attrs, slog.String("tier", name), slog.Int("tier_index", i), slog.String("error", err.Error()))...)
		if ctx.Err() != nil {
			break
		}
	}

	exhausted := &ExhaustedError{EventID: event.ID, IdempotencyKey: event.IdempotencyKey, Failures: failures}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, "escalation exhausted")
	c.logger.Error(ctx, "fallback_exhausted", "every fallback tier failed",
		append(attrs, slog.String("error_code", "ESCALATION_EXHAUSTED"), slog.String("error", exhausted.Error()))...)
	return Result{}, exhausted
}
