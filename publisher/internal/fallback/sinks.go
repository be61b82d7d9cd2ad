package fallback

import (
	"context"
	"encoding/json"
	"strconv"

	"match-event-delivery/shared/events"
	"match-event-delivery/shared/faultx"
)

// Queue is a secondary message queue.
type Queue interface {
	Enqueue(ctx context.Context, message []byte) (string, error)
}

// ObjectStore is a durable keyed sink.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, metadata map[string]string) (string, error)
}

// Sink accepts a fallback record and returns the sink-side identifier.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec events.FallbackRecord) (string, error)
}

type queueSink struct {
	name  string
	queue Queue
}

func QueueSink(name string, q Queue) Sink {
	return queueSink{name: name, queue: q}
}

func (s queueSink) Name() string { return s.name }

func (s queueSink) Write(ctx context.Context, rec events.FallbackRecord) (string, error) {
	body, err := encode(s.name, rec)
	if err != nil {
		return "", err
	}
	return s.queue.Enqueue(ctx, body)
}

type objectSink struct {
	name  string
	store ObjectStore
}

func ObjectSink(name string, store ObjectStore) Sink {
	return objectSink{name: name, store: store}
}

func (s objectSink) Name() string { return s.name }

func (s objectSink) Write(ctx context.Context, rec events.FallbackRecord) (string, error) {
	body, err := encode(s.name, rec)
	if err != nil {
		return "", err
	}
	return s.store.Put(ctx, rec.ObjectKey(), body, Metadata(rec))
}

// Metadata is the flat header set stored next to every object.
func Metadata(rec events.FallbackRecord) map[string]string {
	return map[string]string{
		"event_id":        rec.Event.ID,
		"event_type":      rec.Event.Type,
		"idempotency_key": rec.Event.IdempotencyKey,
		"escalation_tier": rec.EscalationTier,
		"retry_count":     strconv.Itoa(rec.Event.RetryCount),
		"trace_id":        rec.Event.TraceID,
	}
}

func encode(sink string, rec events.FallbackRecord) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, faultx.New(faultx.KindMalformed, sink, err)
	}
	return body, nil
}

// Decode is the inverse of what the sinks write.
func Decode(body []byte) (events.FallbackRecord, error) {
	var rec events.FallbackRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return events.FallbackRecord{}, faultx.New(faultx.KindMalformed, "fallback", err)
	}
	return rec, nil
}
