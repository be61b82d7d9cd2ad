package mqx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"match-event-delivery/shared/config"
	"match-event-delivery/shared/events"
	"match-event-delivery/shared/faultx"
)

const dependency = "kafka"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Transport publishes match events to a single Kafka topic. Retries are left
// to the caller, so the writer makes exactly one attempt per Send.
type Transport struct {
	writer messageWriter
	topic  string
}

func NewTransport(cfg config.Config) (*Transport, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		MaxAttempts:  1,
		BatchSize:    1,
		WriteTimeout: time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &Transport{writer: w, topic: cfg.KafkaTopic}, nil
}

// Send writes the event keyed by match so one match stays on one partition.
// The returned id is "topic/idempotency-key".
func (t *Transport) Send(ctx context.Context, event events.Event) (string, error) {
	if t == nil || t.writer == nil {
		return "", faultx.New(faultx.KindUnavailable, dependency, errors.New("producer not initialized"))
	}
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", t.topic),
		attribute.String("messaging.message_id", event.ID),
	)
	defer span.End()

	msg, err := Message(t.topic, event)
	if err != nil {
		return "", err
	}
	if err := t.writer.WriteMessages(ctx, msg); err != nil {
		err = Classify(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(faultx.KindOf(err)))
		return "", err
	}
	return t.topic + "/" + event.IdempotencyKey, nil
}

func (t *Transport) Close() error {
	if t == nil || t.writer == nil {
		return nil
	}
	return t.writer.Close()
}

// Message builds the wire form of an event.
func Message(topic string, event events.Event) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, faultx.New(faultx.KindMalformed, dependency, err)
	}
	key := event.ID
	if m, ok := event.Payload["match_id"].(string); ok && m != "" {
		key = m
	}
	headers := map[string]string{
		"event_id":        event.ID,
		"event_type":      event.Type,
		"idempotency_key": event.IdempotencyKey,
		"retry_count":     strconv.Itoa(event.RetryCount),
	}
	if event.TraceID != "" {
		headers["trace_id"] = event.TraceID
	}
	if event.ParentID != "" {
		headers["parent_id"] = event.ParentID
	}
	msg := kafka.Message{Topic: topic, Key: []byte(key), Value: value}
	msg.Headers = make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return msg, nil
}

// Classify maps kafka-go and network errors onto faultx kinds.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var fe *faultx.Error
	if errors.As(err, &fe) {
		return err
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return faultx.New(faultx.KindCanceled, dependency, err)
	}

	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, we := range writeErrs {
			if we != nil {
				return Classify(ctx, we)
			}
		}
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafka.MessageSizeTooLarge, kafka.InvalidMessage, kafka.InvalidMessageSize:
			return faultx.New(faultx.KindMalformed, dependency, err)
		case kafka.RequestTimedOut:
			return faultx.New(faultx.KindTimeout, dependency, err)
		case kafka.ThrottlingQuotaExceeded:
			return faultx.New(faultx.KindThrottled, dependency, err)
		}
		if kerr.Temporary() {
			return faultx.New(faultx.KindUnavailable, dependency, err)
		}
		return faultx.New(faultx.KindUnknown, dependency, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return faultx.New(faultx.KindTimeout, dependency, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return faultx.New(faultx.KindTimeout, dependency, err)
		}
		return faultx.New(faultx.KindConnection, dependency, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return faultx.New(faultx.KindConnection, dependency, err)
	}
	return faultx.New(faultx.KindUnknown, dependency, err)
}
