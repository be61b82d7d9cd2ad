// Package breakerx guards one named downstream dependency with a
// CLOSED -> OPEN -> HALF_OPEN circuit breaker.
package breakerx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"match-event-delivery/shared/faultx"
	"match-event-delivery/shared/logx"
	"match-event-delivery/shared/metricsx"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

var transitions = map[State]map[State]bool{
	StateClosed:   {StateOpen: true},
	StateOpen:     {StateHalfOpen: true},
	StateHalfOpen: {StateClosed: true, StateOpen: true},
}

// CanTransition reports whether from -> to is a legal breaker move.
func CanTransition(from State, to State) bool {
	return transitions[from][to]
}

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

var ErrOpen = errors.New("circuit open")

// OpenError is returned without invoking the operation while the breaker is open.
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: circuit %s, retry after %s", e.Name, e.State, e.RetryAfter)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

type Settings struct {
	MaxFailures  int
	ResetTimeout time.Duration
}

func DefaultSettings() Settings {
	return Settings{MaxFailures: 5, ResetTimeout: 30 * time.Second}
}

// Snapshot is a point-in-time copy of the breaker's counters.
type Snapshot struct {
	Name          string        `json:"name"`
	State         State         `json:"state"`
	FailureCount  int           `json:"failure_count"`
	LastFailureAt time.Time     `json:"last_failure_at,omitempty"`
	MaxFailures   int           `json:"max_failures"`
	ResetTimeout  time.Duration `json:"reset_timeout"`
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeNeutral
)

type Breaker struct {
	name     string
	settings Settings
	logger   logx.Logger
	now      func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	lastFailureAt time.Time
	trialInFlight bool
}

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func New(name string, settings Settings, logger logx.Logger, opts ...Option) *Breaker {
	if settings.MaxFailures <= 0 {
		settings.MaxFailures = DefaultSettings().MaxFailures
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = DefaultSettings().ResetTimeout
	}
	b := &Breaker{
		name:     name,
		settings: settings,
		logger:   logger,
		now:      time.Now,
		state:    StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	metricsx.SetBreakerState(name, StateClosed.gauge())
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:          b.name,
		State:         b.state,
		FailureCount:  b.failures,
		LastFailureAt: b.lastFailureAt,
		MaxFailures:   b.settings.MaxFailures,
		ResetTimeout:  b.settings.ResetTimeout,
	}
}

// Execute runs op unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := Execute(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute is the generic form of (*Breaker).Execute.
func Execute[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var zero T
	trial, err := b.admit(ctx)
	if err != nil {
		return zero, err
	}
	out, opErr := op(ctx)
	b.settle(ctx, trial, classify(ctx, opErr))
	return out, opErr
}

func classify(ctx context.Context, err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case faultx.IsCanceled(err) && ctx.Err() != nil:
		return outcomeNeutral
	case faultx.IsPermanent(err):
		return outcomeNeutral
	default:
		return outcomeFailure
	}
}

func (b *Breaker) admit(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailureAt)
		if elapsed <= b.settings.ResetTimeout {
			metricsx.IncBreakerRejection(b.name)
			return false, &OpenError{Name: b.name, State: StateOpen, RetryAfter: b.settings.ResetTimeout - elapsed}
		}
		b.setStateLocked(ctx, StateHalfOpen)
		b.trialInFlight = true
		return true, nil
	default:
		if b.trialInFlight {
			metricsx.IncBreakerRejection(b.name)
			return false, &OpenError{Name: b.name, State: StateHalfOpen}
		}
		b.trialInFlight = true
		return true, nil
	}
}

func (b *Breaker) settle(ctx context.Context, trial bool, o outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.trialInFlight = false
	}

	switch o {
	case outcomeNeutral:
		return
	case outcomeSuccess:
		if trial || b.state == StateClosed {
			b.failures = 0
			b.setStateLocked(ctx, StateClosed)
		}
	case outcomeFailure:
		b.failures++
		b.lastFailureAt = b.now()
		if trial || (b.state == StateClosed && b.failures >= b.settings.MaxFailures) {
			b.setStateLocked(ctx, StateOpen)
		}
	}
}

func (b *Breaker) setStateLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next || !CanTransition(prev, next) {
		return
	}
	b.state = next
	metricsx.SetBreakerState(b.name, next.gauge())
	b.logger.Warn(ctx, "breaker_state_changed", "circuit breaker changed state",
		slog.String("dependency", b.name),
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
		slog.Int("failure_count", b.failures),
	)
}
