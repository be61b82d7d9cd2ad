// Package delivery is the only entry point other subsystems use to hand off a
// match event. It layers duplicate suppression, retry, circuit breaking and
// fallback escalation over the primary transport.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"match-event-delivery/publisher/internal/fallback"
	"match-event-delivery/publisher/internal/idempotency"
	"match-event-delivery/shared/breakerx"
	"match-event-delivery/shared/events"
	"match-event-delivery/shared/logx"
	"match-event-delivery/shared/metricsx"
	"match-event-delivery/shared/retryx"
)

const (
	DependencyPrimary = "primary-transport"
	SinkPrimary       = "primary"

	defaultFallbackTimeout = 10 * time.Second
)

// Transport is the primary event bus.
type Transport interface {
	Send(ctx context.Context, event events.Event) (string, error)
}

type Status string

const (
	StatusDelivered Status = "delivered"
	StatusDuplicate Status = "duplicate"
	StatusFailed    Status = "failed"
)

type Options struct {
	// IdempotencyKey overrides the event's own or derived key.
	IdempotencyKey string
	// TTL overrides the cache's default window.
	TTL time.Duration
}

type Result struct {
	Status         Status `json:"status"`
	SinkID         string `json:"sink_id,omitempty"`
	AcceptedID     string `json:"accepted_id,omitempty"`
	EventID        string `json:"event_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Outcome is emitted once per Publish call.
type Outcome struct {
	Event    events.Event
	Status   Status
	SinkID   string
	Duration time.Duration
	Err      error
}

type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, o Outcome)
}

// Alerter is told when an event could not be stored anywhere.
type Alerter interface {
	EscalationExhausted(ctx context.Context, event events.Event, err error)
}

type Deps struct {
	Transport Transport
	Retrier   *retryx.Retrier
	Breakers  *breakerx.Registry
	Cache     *idempotency.Cache
	Chain     *fallback.Chain
	Logger    logx.Logger

	Recorders       []OutcomeRecorder
	Alerter         Alerter
	FallbackTimeout time.Duration
	Now             func() time.Time
}

type Publisher struct {
	transport       Transport
	retrier         *retryx.Retrier
	breakers        *breakerx.Registry
	primary         *breakerx.Breaker
	cache           *idempotency.Cache
	chain           *fallback.Chain
	logger          logx.Logger
	recorders       []OutcomeRecorder
	alerter         Alerter
	fallbackTimeout time.Duration
	now             func() time.Time
}

func New(d Deps) (*Publisher, error) {
	switch {
	case d.Transport == nil:
		return nil, errors.New("delivery: transport is required")
	case d.Retrier == nil:
		return nil, errors.New("delivery: retrier is required")
	case d.Breakers == nil:
		return nil, errors.New("delivery: breaker registry is required")
	case d.Cache == nil:
		return nil, errors.New("delivery: idempotency cache is required")
	case d.Chain == nil:
		return nil, errors.New("delivery: fallback chain is required")
	}
	if d.FallbackTimeout <= 0 {
		d.FallbackTimeout = defaultFallbackTimeout
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Publisher{
		transport:       d.Transport,
		retrier:         d.Retrier,
		breakers:        d.Breakers,
		primary:         d.Breakers.Get(DependencyPrimary),
		cache:           d.Cache,
		chain:           d.Chain,
		logger:          d.Logger,
		recorders:       d.Recorders,
		alerter:         d.Alerter,
		fallbackTimeout: d.FallbackTimeout,
		now:             d.Now,
	}, nil
}

// ResolveKey picks the explicit option, then the event's own key, then the derived key.
func ResolveKey(event events.Event, opts Options) string {
	if k := strings.TrimSpace(opts.IdempotencyKey); k != "" {
		return k
	}
	if k := strings.TrimSpace(event.IdempotencyKey); k != "" {
		return k
	}
	return events.DeriveIdempotencyKey(event)
}

// Publish delivers event to the primary transport or, failing that, to a
// fallback sink. The only error it returns for a live context is
// *fallback.ExhaustedError.
func (p *Publisher) Publish(ctx context.Context, event events.Event, opts Options) (Result, error) {
	start := p.now()
	ctx, span := otel.Tracer("delivery").Start(ctx, "delivery.publish")
	defer span.End()

	event = events.Normalize(event, start)
	event.IdempotencyKey = ResolveKey(event, opts)
	result := Result{EventID: event.ID, IdempotencyKey: event.IdempotencyKey}
	span.SetAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", event.Type),
		attribute.String("event.idempotency_key", event.IdempotencyKey),
	)
	attrs := []slog.Attr{
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
		slog.String("idempotency_key", event.IdempotencyKey),
	}

	reservation, duplicate, err := p.cache.CheckAndReserve(ctx, event.IdempotencyKey, opts.TTL)
	if err != nil {
		return result, fmt.Errorf("publish %s: waiting for in-flight duplicate: %w", event.ID, err)
	}
	if duplicate {
		result.Status = StatusDuplicate
		span.SetAttributes(attribute.String("delivery.status", string(StatusDuplicate)))
		p.logger.Info(ctx, "publish_duplicate", "duplicate event suppressed", attrs...)
		p.finish(ctx, Outcome{Event: event, Status: StatusDuplicate, Duration: p.now().Sub(start)})
		return result, nil
	}

	event = p.stamp(ctx, event)
	acceptedID, sendErr := p.SendPrimary(ctx, event)
	if sendErr == nil {
		reservation.Commit()
		result.Status = StatusDelivered
		result.SinkID = SinkPrimary
		result.AcceptedID = acceptedID
		span.SetAttributes(attribute.String("delivery.status", string(StatusDelivered)), attribute.String("delivery.sink", SinkPrimary))
		p.logger.Info(ctx, "publish_delivered", "event delivered to primary transport",
			append(attrs, slog.String("sink_id", SinkPrimary), slog.String("accepted_id", acceptedID))...)
		p.finish(ctx, Outcome{Event: event, Status: StatusDelivered, SinkID: SinkPrimary, Duration: p.now().Sub(start)})
		return result, nil
	}
	// Fallback deliveries are deliberately not recorded so a later publish of
	// the same key can still reach the primary transport.
	defer reservation.Release()

	escCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		escCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), p.fallbackTimeout)
		defer cancel()
		p.logger.Warn(ctx, "publish_cancelled", "caller cancelled primary delivery, escalating on detached context",
			append(attrs, slog.String("error", sendErr.Error()))...)
	}

	fb, escErr := p.chain.Escalate(escCtx, event, sendErr)
	if escErr != nil {
		span.RecordError(escErr)
		span.SetStatus(codes.Error, "escalation exhausted")
		if p.alerter != nil {
			p.alerter.EscalationExhausted(escCtx, event, escErr)
		}
		p.finish(escCtx, Outcome{Event: event, Status: StatusFailed, Duration: p.now().Sub(start), Err: escErr})
		return result, escErr
	}

	result.Status = StatusDelivered
	result.SinkID = fb.Tier
	result.AcceptedID = fb.SinkID
	span.SetAttributes(attribute.String("delivery.status", string(StatusDelivered)), attribute.String("delivery.sink", fb.Tier))
	p.finish(escCtx, Outcome{Event: fb.Record.Event, Status: StatusDelivered, SinkID: fb.Tier, Duration: p.now().Sub(start)})
	return result, nil
}

// SendPrimary is the guarded primary path on its own: breaker around retrier
// around transport. The replay worker reuses it.
func (p *Publisher) SendPrimary(ctx context.Context, event events.Event) (string, error) {
	return breakerx.Execute(ctx, p.primary, func(ctx context.Context) (string, error) {
		return retryx.Do(ctx, p.retrier, func(ctx context.Context) (string, error) {
			return p.transport.Send(ctx, event)
		})
	})
}

// BreakerState reports the state of a named dependency for health probes.
func (p *Publisher) BreakerState(name string) (breakerx.State, bool) {
	return p.breakers.State(name)
}

func (p *Publisher) Breakers() []breakerx.Snapshot {
	return p.breakers.Snapshots()
}

// stamp adds tracing metadata. The payload map is shared, never written.
func (p *Publisher) stamp(ctx context.Context, event events.Event) events.Event {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		event.TraceID = sc.TraceID().String()
		event.ParentID = sc.SpanID().String()
	} else if event.TraceID == "" {
		event.TraceID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	event.ProcessedAt = p.now().UTC()
	return event
}

func (p *Publisher) finish(ctx context.Context, o Outcome) {
	metricsx.ObservePublish(string(o.Status), o.SinkID, o.Duration)
	for _, r := range p.recorders {
		r.RecordOutcome(ctx, o)
	}
}
