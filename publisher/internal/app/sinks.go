package app

import (
	"context"
	"log/slog"
	"time"

	"match-event-delivery/publisher/internal/delivery"
	"match-event-delivery/shared/events"
	"match-event-delivery/shared/logx"
	"match-event-delivery/shared/metricsx"
)

const (
	measurementOutcome = "delivery_outcome"
	sideEffectTimeout  = 2 * time.Second
)

type pointQueue interface {
	Enqueue(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
	Errors() <-chan error
}

// InfluxRecorder queues one delivery_outcome point per publish. Points are
// written in batches off the publish path; Run reports failed batches.
type InfluxRecorder struct {
	queue  pointQueue
	logger logx.Logger
}

func NewInfluxRecorder(q pointQueue, logger logx.Logger) *InfluxRecorder {
	return &InfluxRecorder{queue: q, logger: logger}
}

func (r *InfluxRecorder) RecordOutcome(_ context.Context, o delivery.Outcome) {
	sink := o.SinkID
	if sink == "" {
		sink = "none"
	}
	fields := map[string]any{
		"duration_ms": float64(o.Duration.Microseconds()) / 1000,
		"retry_count": o.Event.RetryCount,
		"event_id":    o.Event.ID,
	}
	if o.Err != nil {
		fields["error"] = o.Err.Error()
	}
	r.queue.Enqueue(measurementOutcome, map[string]string{
		"status":     string(o.Status),
		"sink":       sink,
		"event_type": o.Event.Type,
	}, fields, time.Time{})
}

// Run drains write errors until ctx is done or the error stream closes.
func (r *InfluxRecorder) Run(ctx context.Context) {
	errs := r.queue.Errors()
	if errs == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			metricsx.IncInfluxWriteFailure()
			r.logger.Warn(ctx, "influx_write_failed", "delivery outcome batch not recorded",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("error", err.Error()),
			)
		}
	}
}

type jsonPublisher interface {
	PublishJSON(ctx context.Context, channel string, value any) (int64, error)
}

// Alert is the message published when an event could not be stored anywhere.
type Alert struct {
	Kind           string    `json:"kind"`
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	TraceID        string    `json:"trace_id,omitempty"`
	Error          string    `json:"error"`
	RaisedAt       time.Time `json:"raised_at"`
}

// RedisAlerter fans escalation failures out on a pub/sub channel.
type RedisAlerter struct {
	client  jsonPublisher
	channel string
	logger  logx.Logger
	now     func() time.Time
}

func NewRedisAlerter(client jsonPublisher, channel string, logger logx.Logger) *RedisAlerter {
	if channel == "" {
		channel = events.TopicAlerts
	}
	return &RedisAlerter{client: client, channel: channel, logger: logger, now: time.Now}
}

func (a *RedisAlerter) EscalationExhausted(ctx context.Context, event events.Event, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	alert := Alert{
		Kind:           "escalation_exhausted",
		EventID:        event.ID,
		EventType:      event.Type,
		IdempotencyKey: event.IdempotencyKey,
		TraceID:        event.TraceID,
		RaisedAt:       a.now().UTC(),
	}
	if cause != nil {
		alert.Error = cause.Error()
	}
	receivers, err := a.client.PublishJSON(ctx, a.channel, alert)
	if err != nil {
		a.logger.Error(ctx, "alert_publish_failed", "escalation alert could not be published",
			slog.String("event_id", event.ID),
			slog.String("channel", a.channel),
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.Warn(ctx, "alert_published", "escalation alert published",
		slog.String("event_id", event.ID),
		slog.String("channel", a.channel),
		slog.Int64("receivers", receivers),
	)
}
