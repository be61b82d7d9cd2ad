// Package api is the HTTP ingest and admin surface of the publisher service.
package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"match-event-delivery/publisher/internal/delivery"
	"match-event-delivery/publisher/internal/fallback"
	"match-event-delivery/shared/authx"
	"match-event-delivery/shared/breakerx"
	"match-event-delivery/shared/config"
	"match-event-delivery/shared/events"
	"match-event-delivery/shared/httpx"
	"match-event-delivery/shared/logx"
	"match-event-delivery/shared/metricsx"
)

const (
	maxBodyBytes = 1 << 20
	publishPath  = "/api/v1/match-events"

	defaultRequestTimeout = 30 * time.Second
)

// Publisher is the part of *delivery.Publisher the handlers use.
type Publisher interface {
	Publish(ctx context.Context, event events.Event, opts delivery.Options) (delivery.Result, error)
	BreakerState(name string) (breakerx.State, bool)
	Breakers() []breakerx.Snapshot
}

// Check is a named readiness probe against one dependency.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Options struct {
	Config    config.Config
	Version   string
	Publisher Publisher
	Logger    logx.Logger
	// Verifier enables bearer-token auth on /api/v1 routes when set.
	Verifier *authx.JWTVerifier
	Problems []config.Problem
	Checks   []Check
}

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type publishRequest struct {
	events.Event
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

type handlers struct {
	opts Options
}

// NewHandler builds the routed and middleware-wrapped HTTP handler.
func NewHandler(opts Options) http.Handler {
	h := handlers{opts: opts}

	v1 := http.NewServeMux()
	v1.HandleFunc("POST "+publishPath, h.publish)
	v1.HandleFunc("GET /api/v1/breakers", h.listBreakers)
	v1.HandleFunc("GET /api/v1/breakers/{name}", h.getBreaker)

	var protected http.Handler = v1
	if opts.Verifier != nil {
		protected = authx.Middleware(opts.Logger, opts.Verifier, opts.Config.AuthScope)(v1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.Handle("/api/v1/", protected)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	// publish budgets its own deadline so a durable escalation is never
	// reported as a timeout
	timed := httpx.WithTimeout(opts.Config.RequestTimeout, mux)
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == publishPath {
			mux.ServeHTTP(w, r)
			return
		}
		timed.ServeHTTP(w, r)
	})
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(opts.Logger, handler)
	handler = httpx.WithRequestLog(opts.Logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	return handler
}

func (h handlers) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := httpx.ReadJSON(w, r, maxBodyBytes, &req); err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.WriteError(w, r, http.StatusRequestEntityTooLarge, "INVALID_ARGUMENT", "request body too large", nil)
			return
		}
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body", map[string]any{"reason": err.Error()})
		return
	}
	if err := events.Validate(req.Event); err != nil {
		var details map[string]any
		if errors.Is(err, events.ErrUnknownType) {
			details = map[string]any{"known_types": events.KnownTypes()}
		}
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), details)
		return
	}
	if req.TTLSeconds < 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "ttl_seconds must be positive", nil)
		return
	}

	// delivery metadata is stamped by the publisher, never taken from clients
	event := req.Event
	event.RetryCount = 0
	event.TraceID = ""
	event.ParentID = ""
	event.ProcessedAt = time.Time{}

	ctx, cancel := context.WithTimeout(r.Context(), h.primaryBudget())
	defer cancel()
	res, err := h.opts.Publisher.Publish(ctx, event, delivery.Options{
		IdempotencyKey: strings.TrimSpace(r.Header.Get(httpx.HeaderIdempotencyKey)),
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		var exhausted *fallback.ExhaustedError
		switch {
		case errors.As(err, &exhausted):
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "ESCALATION_EXHAUSTED", "event could not be delivered or stored",
				map[string]any{"event_id": exhausted.EventID, "idempotency_key": exhausted.IdempotencyKey})
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			httpx.WriteError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "publish did not complete in time", nil)
		default:
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "publish failed", nil)
		}
		return
	}

	status := http.StatusAccepted
	if res.Status == delivery.StatusDuplicate {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, res)
}

// primaryBudget leaves FallbackTimeoutMS of the request timeout for escalation,
// which the publisher runs on its own deadline once the caller's expires.
func (h handlers) primaryBudget() time.Duration {
	total := h.opts.Config.RequestTimeout
	if total <= 0 {
		total = defaultRequestTimeout
	}
	budget := total - time.Duration(h.opts.Config.FallbackTimeoutMS)*time.Millisecond
	if budget <= 0 {
		return total
	}
	return budget
}

func (h handlers) listBreakers(w http.ResponseWriter, r *http.Request) {
	snaps := h.opts.Publisher.Breakers()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"breakers": snaps})
}

func (h handlers) getBreaker(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	for _, snap := range h.opts.Publisher.Breakers() {
		if snap.Name == name {
			httpx.WriteJSON(w, http.StatusOK, snap)
			return
		}
	}
	httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "unknown dependency", map[string]any{"name": name})
}

func (h handlers) healthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, statusResponse{
		Status:  "ok",
		Service: h.opts.Config.ServiceName,
		Env:     h.opts.Config.Env,
		Version: h.opts.Version,
	})
}

func (h handlers) readyz(w http.ResponseWriter, r *http.Request) {
	if len(h.opts.Problems) > 0 {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "service not ready: invalid configuration",
			map[string]any{"problems": h.opts.Problems})
		return
	}
	failed := map[string]string{}
	for _, c := range h.opts.Checks {
		if err := c.Ping(r.Context()); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "service not ready: dependency unavailable",
			map[string]any{"dependencies": failed})
		return
	}

	// an open primary still accepts events through the fallback chain
	status := "ready"
	if state, ok := h.opts.Publisher.BreakerState(delivery.DependencyPrimary); ok && state == breakerx.StateOpen {
		status = "degraded"
	}
	httpx.WriteJSON(w, http.StatusOK, statusResponse{
		Status:  status,
		Service: h.opts.Config.ServiceName,
		Env:     h.opts.Config.Env,
		Version: h.opts.Version,
	})
}
