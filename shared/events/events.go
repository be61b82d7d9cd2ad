package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TypeMatchStarted = "match.started"
	TypeGoal         = "match.goal"
	TypeCard         = "match.card"
	TypeSubstitution = "match.substitution"
	TypeMatchEnded   = "match.ended"
)

const (
	TopicMatchEvents = "match.events"
	TopicAlerts      = "delivery.alerts"
)

var knownTypes = map[string]bool{
	TypeMatchStarted: true,
	TypeGoal:         true,
	TypeCard:         true,
	TypeSubstitution: true,
	TypeMatchEnded:   true,
}

var eventNamespace = uuid.MustParse("6f0e9a4c-2b61-4d7e-9d1f-7b0c2f3a8e51")

// Event is a single match occurrence. Payload is treated as read-only once the
// event is handed to the publisher.
type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	CreatedAt      time.Time      `json:"created_at"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	RetryCount     int            `json:"retry_count"`

	TraceID     string    `json:"trace_id,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	ProcessedAt time.Time `json:"processed_at,omitempty"`
}

// FallbackRecord is what a fallback sink persists when the primary transport
// could not take the event.
type FallbackRecord struct {
	Event          Event     `json:"event"`
	FailedAt       time.Time `json:"failed_at"`
	EscalationTier string    `json:"escalation_tier"`
	Cause          string    `json:"cause,omitempty"`
}

// ObjectKey names the record in object-style sinks. It is stable for a given
// event and escalation round.
func (r FallbackRecord) ObjectKey() string {
	return fmt.Sprintf("fallback/%s/%s/%s-%d",
		r.FailedAt.UTC().Format("2006-01-02"),
		r.Event.IdempotencyKey,
		r.Event.ID,
		r.Event.RetryCount,
	)
}

// Replay states of a stored fallback record.
const (
	StoredPending   = "pending"
	StoredReplaying = "replaying"
	StoredReplayed  = "replayed"
	StoredDead      = "dead"
)

// StoredRecord is a fallback object as read back from a durable sink.
type StoredRecord struct {
	Key       string
	Body      []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Normalize fills derived fields: a deterministic ID when none was supplied and
// CreatedAt when zero. The payload is left untouched.
func Normalize(e Event, now time.Time) Event {
	e.Type = strings.TrimSpace(e.Type)
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		e.ID = uuid.NewSHA1(eventNamespace, []byte(e.Type+"\x00"+canonicalPayload(e.Payload))).String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
	return e
}

// DeriveIdempotencyKey hashes the stable part of an event: type, id and payload.
// Timestamps, retry counters and tracing metadata never contribute.
func DeriveIdempotencyKey(e Event) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(e.Type)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(e.ID)))
	h.Write([]byte{0})
	h.Write([]byte(canonicalPayload(e.Payload)))
	return hex.EncodeToString(h.Sum(nil))
}

// encoding/json sorts map keys, which makes the output canonical for map payloads.
func canonicalPayload(p map[string]any) string {
	if len(p) == 0 {
		return "{}"
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%v", p)
	}
	return string(b)
}

var (
	ErrMissingType  = errors.New("event type is required")
	ErrUnknownType  = errors.New("unknown event type")
	ErrMissingMatch = errors.New("payload.match_id is required")
)

// Validate checks the fields the ingest API requires before an event is published.
func Validate(e Event) error {
	t := strings.TrimSpace(e.Type)
	if t == "" {
		return ErrMissingType
	}
	if !knownTypes[t] {
		return fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if id, _ := e.Payload["match_id"].(string); strings.TrimSpace(id) == "" {
		return ErrMissingMatch
	}
	return nil
}

// KnownTypes lists the accepted event types in match order.
func KnownTypes() []string {
	return []string{TypeMatchStarted, TypeGoal, TypeCard, TypeSubstitution, TypeMatchEnded}
}
