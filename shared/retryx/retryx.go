// Package retryx runs an operation with bounded, jittered exponential backoff.
package retryx

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"match-event-delivery/shared/faultx"
	"match-event-delivery/shared/logx"
	"match-event-delivery/shared/metricsx"
)

const (
	jitterMin = 0.5
	jitterMax = 1.5
)

type Policy struct {
	// MaxAttempts counts the initial call.
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	// IsRetryable defaults to faultx.IsTransient.
	IsRetryable func(error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      5 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = p.InitialDelay
	}
	if p.IsRetryable == nil {
		p.IsRetryable = faultx.IsTransient
	}
	return p
}

// Attempt describes one failed call. It only lives for the duration of a retry loop.
type Attempt struct {
	Number int
	Delay  time.Duration
	Err    error
}

// ExhaustedError is returned once the retrier gives up on a dependency, either
// because the error was not retryable or because attempts ran out.
type ExhaustedError struct {
	Dependency string
	Attempts   int
	Cause      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retry exhausted after %d attempt(s): %v", e.Dependency, e.Attempts, e.Cause)
}

func (e *ExhaustedError) Unwrap() error { return e.Cause }

type Retrier struct {
	dependency string
	policy     Policy
	logger     logx.Logger
	jitter     func() float64
	sleep      func(context.Context, time.Duration) error
	observe    func(Attempt)
}

type Option func(*Retrier)

// WithRandom replaces the jitter source; f must return values in [0, 1).
func WithRandom(f func() float64) Option {
	return func(r *Retrier) { r.jitter = f }
}

// WithSleep replaces the context-aware sleep, mainly for tests.
func WithSleep(f func(context.Context, time.Duration) error) Option {
	return func(r *Retrier) { r.sleep = f }
}

// WithObserver is called after every failed attempt.
func WithObserver(f func(Attempt)) Option {
	return func(r *Retrier) { r.observe = f }
}

func New(dependency string, policy Policy, logger logx.Logger, opts ...Option) *Retrier {
	r := &Retrier{
		dependency: dependency,
		policy:     policy.normalized(),
		logger:     logger,
		jitter:     rand.Float64,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run is Do for operations without a result.
func (r *Retrier) Run(ctx context.Context, op func(context.Context) error) error {
	_, err := Do(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do calls op until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. Context cancellation stops the loop and is returned
// unwrapped by ExhaustedError so callers can tell it apart.
func Do[T any](ctx context.Context, r *Retrier, op func(context.Context) (T, error)) (T, error) {
	var zero T
	p := r.policy
	for n := 0; n < p.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s: retry aborted: %w", r.dependency, err)
		}

		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		if faultx.IsCanceled(err) && ctx.Err() != nil {
			return zero, fmt.Errorf("%s: retry aborted: %w", r.dependency, err)
		}

		kind := faultx.KindOf(err)
		metricsx.IncRetryAttempt(r.dependency, string(kind))

		last := n == p.MaxAttempts-1
		if !p.IsRetryable(err) || last {
			r.record(ctx, Attempt{Number: n, Err: err}, kind, true)
			return zero, &ExhaustedError{Dependency: r.dependency, Attempts: n + 1, Cause: err}
		}

		delay := Jitter(BaseDelay(p, n), r.jitter())
		r.record(ctx, Attempt{Number: n, Delay: delay, Err: err}, kind, false)
		if err := r.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%s: retry aborted during backoff: %w", r.dependency, err)
		}
	}
	// unreachable: the final attempt always returns above
	return zero, &ExhaustedError{Dependency: r.dependency, Attempts: p.MaxAttempts}
}

func (r *Retrier) record(ctx context.Context, a Attempt, kind faultx.Kind, final bool) {
	if r.observe != nil {
		r.observe(a)
	}
	attrs := []slog.Attr{
		slog.String("dependency", r.dependency),
		slog.Int("attempt", a.Number+1),
		slog.Int("max_attempts", r.policy.MaxAttempts),
		slog.Int64("delay_ms", a.Delay.Milliseconds()),
		slog.String("error_kind", string(kind)),
		slog.String("error", a.Err.Error()),
	}
	if final {
		r.logger.Warn(ctx, "retry_exhausted", "giving up on dependency", attrs...)
		return
	}
	r.logger.Debug(ctx, "retry_attempt_failed", "attempt failed, backing off", attrs...)
}

// BaseDelay is min(InitialDelay * BackoffFactor^n, MaxDelay) for 0-indexed attempt n.
func BaseDelay(p Policy, n int) time.Duration {
	p = p.normalized()
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(n))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Jitter scales base by a factor in [0.5, 1.5] chosen by u in [0, 1).
func Jitter(base time.Duration, u float64) time.Duration {
	u = min(max(u, 0), 1)
	factor := jitterMin + u*(jitterMax-jitterMin)
	return time.Duration(float64(base) * factor)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
