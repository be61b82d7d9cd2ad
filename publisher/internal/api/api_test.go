package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"match-event-delivery/publisher/internal/delivery"
	"match-event-delivery/publisher/internal/fallback"
	"match-event-delivery/publisher/internal/idempotency"
	"match-event-delivery/shared/breakerx"
	"match-event-delivery/shared/config"
	"match-event-delivery/shared/events"
	"match-event-delivery/shared/faultx"
	"match-event-delivery/shared/logx"
	"match-event-delivery/shared/retryx"
)

type fakePublisher struct {
	result  delivery.Result
	err     error
	state   breakerx.State
	gotKey  string
	gotTTL  time.Duration
	gotType string
	got     events.Event
}

func (f *fakePublisher) Publish(_ context.Context, event events.Event, opts delivery.Options) (delivery.Result, error) {
	f.gotKey = opts.IdempotencyKey
	f.gotTTL = opts.TTL
	f.gotType = event.Type
	f.got = event
	return f.result, f.err
}

func (f *fakePublisher) BreakerState(name string) (breakerx.State, bool) {
	if name != delivery.DependencyPrimary {
		return "", false
	}
	return f.state, true
}

func (f *fakePublisher) Breakers() []breakerx.Snapshot {
	return []breakerx.Snapshot{
		{Name: "secondary-queue", State: breakerx.StateClosed},
		{Name: delivery.DependencyPrimary, State: f.state, FailureCount: 2},
	}
}

func newTestHandler(p *fakePublisher) http.Handler {
	return NewHandler(Options{
		Config:    config.Config{ServiceName: "publisher", Env: "test"},
		Publisher: p,
		Logger:    logx.Nop(),
	})
}

const goalBody = `{"id":"m1-goal-1","type":"match.goal","payload":{"match_id":"m1","minute":12},"ttl_seconds":60}`

func do(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPublishAccepted(t *testing.T) {
	p := &fakePublisher{result: delivery.Result{Status: delivery.StatusDelivered, SinkID: "primary", EventID: "m1-goal-1"}}
	rec := do(newTestHandler(p), http.MethodPost, "/api/v1/match-events", goalBody, map[string]string{"Idempotency-Key": "k1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if p.gotKey != "k1" || p.gotTTL != time.Minute || p.gotType != events.TypeGoal {
		t.Fatalf("unexpected publish call key=%q ttl=%s type=%q", p.gotKey, p.gotTTL, p.gotType)
	}
	var res delivery.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.SinkID != "primary" {
		t.Fatalf("unexpected body %s (%v)", rec.Body.String(), err)
	}
}

func TestPublishIgnoresClientDeliveryMetadata(t *testing.T) {
	p := &fakePublisher{result: delivery.Result{Status: delivery.StatusDelivered}}
	body := `{"type":"match.goal","payload":{"match_id":"m1"},"retry_count":7,"trace_id":"forged","parent_id":"forged","processed_at":"2020-01-01T00:00:00Z"}`
	rec := do(newTestHandler(p), http.MethodPost, "/api/v1/match-events", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if p.got.RetryCount != 0 || p.got.TraceID != "" || p.got.ParentID != "" || !p.got.ProcessedAt.IsZero() {
		t.Fatalf("client-supplied delivery metadata reached the publisher: %+v", p.got)
	}
}

func TestPublishDuplicateIsOK(t *testing.T) {
	p := &fakePublisher{result: delivery.Result{Status: delivery.StatusDuplicate}}
	rec := do(newTestHandler(p), http.MethodPost, "/api/v1/match-events", goalBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", rec.Code)
	}
}

func TestPublishRejectsInvalidEvents(t *testing.T) {
	h := newTestHandler(&fakePublisher{})
	cases := map[string]string{
		"bad json":      `{`,
		"unknown field": `{"type":"match.goal","payload":{"match_id":"m1"},"extra":1}`,
		"unknown type":  `{"type":"match.weather","payload":{"match_id":"m1"}}`,
		"no match":      `{"type":"match.goal","payload":{}}`,
		"negative ttl":  `{"type":"match.goal","payload":{"match_id":"m1"},"ttl_seconds":-1}`,
	}
	for name, body := range cases {
		rec := do(h, http.MethodPost, "/api/v1/match-events", body, nil)
		if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "INVALID_ARGUMENT") {
			t.Fatalf("%s: expected 400 INVALID_ARGUMENT, got %d %s", name, rec.Code, rec.Body.String())
		}
	}
}

func TestPublishEscalationExhausted(t *testing.T) {
	p := &fakePublisher{err: &fallback.ExhaustedError{EventID: "e1", IdempotencyKey: "k1", Failures: []fallback.TierFailure{
		{Tier: "local-spool", Err: errors.New("disk full")},
	}}}
	rec := do(newTestHandler(p), http.MethodPost, "/api/v1/match-events", goalBody, nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "ESCALATION_EXHAUSTED") {
		t.Fatalf("expected 503 ESCALATION_EXHAUSTED, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownTypeListsKnownTypes(t *testing.T) {
	rec := do(newTestHandler(&fakePublisher{}), http.MethodPost, "/api/v1/match-events", `{"type":"match.weather","payload":{"match_id":"m1"}}`, nil)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), events.TypeSubstitution) {
		t.Fatalf("expected known types in details, got %d %s", rec.Code, rec.Body.String())
	}
}

type blockingTransport struct{}

func (blockingTransport) Send(ctx context.Context, _ events.Event) (string, error) {
	<-ctx.Done()
	return "", faultx.New(faultx.KindTimeout, delivery.DependencyPrimary, ctx.Err())
}

type memSink struct {
	mu      sync.Mutex
	records []events.FallbackRecord
}

func (s *memSink) Name() string { return "local-spool" }

func (s *memSink) Write(_ context.Context, rec events.FallbackRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return rec.ObjectKey(), nil
}

// A primary that hangs past the request deadline must still end in a durable
// write reported to the client, not a gateway timeout.
func TestPublishHungPrimaryEscalatesWithinRequestTimeout(t *testing.T) {
	policy := retryx.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond, BackoffFactor: 2, MaxDelay: time.Millisecond}
	breakers := breakerx.NewRegistry(breakerx.DefaultSettings(), logx.Nop())
	sink := &memSink{}
	chain, err := fallback.NewChain(logx.Nop(), fallback.Tier{
		Sink:    sink,
		Breaker: breakers.Get(sink.Name()),
		Retrier: retryx.New(sink.Name(), policy, logx.Nop()),
	})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	pub, err := delivery.New(delivery.Deps{
		Transport:       blockingTransport{},
		Retrier:         retryx.New(delivery.DependencyPrimary, policy, logx.Nop()),
		Breakers:        breakers,
		Cache:           idempotency.New(time.Minute),
		Chain:           chain,
		Logger:          logx.Nop(),
		FallbackTimeout: 40 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	h := NewHandler(Options{
		Config: config.Config{
			ServiceName:       "publisher",
			RequestTimeout:    80 * time.Millisecond,
			FallbackTimeoutMS: 40,
		},
		Publisher: pub,
		Logger:    logx.Nop(),
	})

	start := time.Now()
	rec := do(h, http.MethodPost, "/api/v1/match-events", goalBody, nil)
	if rec.Code != http.StatusAccepted && rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 202 or 503, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Code == http.StatusAccepted {
		var res delivery.Result
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.SinkID != "local-spool" {
			t.Fatalf("expected spool delivery, got %s (%v)", rec.Body.String(), err)
		}
		if len(sink.records) != 1 {
			t.Fatalf("expected one spooled record, got %d", len(sink.records))
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish overran its budget: %s", elapsed)
	}
}

func TestBreakers(t *testing.T) {
	h := newTestHandler(&fakePublisher{state: breakerx.StateOpen})

	rec := do(h, http.MethodGet, "/api/v1/breakers", "", nil)
	var list struct {
		Breakers []breakerx.Snapshot `json:"breakers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list.Breakers) != 2 {
		t.Fatalf("unexpected list %s (%v)", rec.Body.String(), err)
	}
	if list.Breakers[0].Name != delivery.DependencyPrimary {
		t.Fatalf("expected sorted breakers, got %+v", list.Breakers)
	}

	rec = do(h, http.MethodGet, "/api/v1/breakers/primary-transport", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"OPEN"`) {
		t.Fatalf("unexpected breaker body %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(h, http.MethodGet, "/api/v1/breakers/nope", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	p := &fakePublisher{state: breakerx.StateClosed}
	rec := do(newTestHandler(p), http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ready"`) {
		t.Fatalf("expected ready, got %d %s", rec.Code, rec.Body.String())
	}

	p.state = breakerx.StateOpen
	rec = do(newTestHandler(p), http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"degraded"`) {
		t.Fatalf("expected degraded, got %d %s", rec.Code, rec.Body.String())
	}

	h := NewHandler(Options{
		Publisher: p,
		Logger:    logx.Nop(),
		Checks: []Check{{Name: "kafka", Ping: func(context.Context) error {
			return errors.New("dial tcp: connection refused")
		}}},
	})
	if rec := do(h, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for failed dependency, got %d", rec.Code)
	}

	h = NewHandler(Options{Publisher: p, Logger: logx.Nop(), Problems: []config.Problem{{Field: "KAFKA_BROKERS"}}})
	if rec := do(h, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for config problems, got %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	rec := do(newTestHandler(&fakePublisher{}), http.MethodGet, "/nope", "", nil)
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "NOT_FOUND") {
		t.Fatalf("expected 404 envelope, got %d %s", rec.Code, rec.Body.String())
	}
}
