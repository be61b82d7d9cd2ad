package breakerx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"match-event-delivery/shared/faultx"
	"match-event-delivery/shared/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errDown = faultx.Transient("primary-transport", errors.New("broker unavailable"))

func newTestBreaker(maxFailures int, reset time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)}
	return New("primary-transport", Settings{MaxFailures: maxFailures, ResetTimeout: reset}, logx.Nop(), WithClock(clock.Now)), clock
}

func fail(context.Context) error { return errDown }

func TestCanTransition(t *testing.T) {
	if !CanTransition(StateClosed, StateOpen) || !CanTransition(StateHalfOpen, StateClosed) {
		t.Fatalf("expected legal transitions to be allowed")
	}
	if CanTransition(StateClosed, StateHalfOpen) || CanTransition(StateOpen, StateClosed) {
		t.Fatalf("expected illegal transitions to be blocked")
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), fail); !errors.Is(err, errDown) {
			t.Fatalf("call %d: expected operation error, got %v", i, err)
		}
	}
	snap := b.Snapshot()
	if snap.State != StateOpen || snap.FailureCount != 3 || snap.LastFailureAt.IsZero() {
		t.Fatalf("expected open breaker with 3 failures, got %+v", snap)
	}

	invoked := false
	err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Name != "primary-transport" {
		t.Fatalf("expected OpenError naming the dependency, got %v", err)
	}
	if invoked {
		t.Fatalf("operation must not run while open")
	}
}

func TestSuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = b.Execute(context.Background(), fail)
	if snap := b.Snapshot(); snap.State != StateClosed || snap.FailureCount != 1 {
		t.Fatalf("expected non-consecutive failures to keep breaker closed, got %+v", snap)
	}
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second)
	_ = b.Execute(context.Background(), fail)
	if b.State() != StateOpen {
		t.Fatalf("expected open")
	}

	clock.Advance(500 * time.Millisecond)
	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected rejection before reset timeout, got %v", err)
	}

	clock.Advance(600 * time.Millisecond)
	release := make(chan struct{})
	started := make(chan struct{})
	var invocations atomic.Int32
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- b.Execute(context.Background(), func(context.Context) error {
			invocations.Add(1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var wg sync.WaitGroup
	var rejected atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Execute(context.Background(), func(context.Context) error {
				invocations.Add(1)
				return nil
			})
			if errors.Is(err, ErrOpen) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	close(release)
	if err := <-trialDone; err != nil {
		t.Fatalf("trial failed: %v", err)
	}
	if invocations.Load() != 1 || rejected.Load() != 10 {
		t.Fatalf("expected exactly one trial, got invocations=%d rejected=%d", invocations.Load(), rejected.Load())
	}
	if snap := b.Snapshot(); snap.State != StateClosed || snap.FailureCount != 0 {
		t.Fatalf("expected closed and reset after trial success, got %+v", snap)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2, time.Second)
	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	firstFailure := b.Snapshot().LastFailureAt

	clock.Advance(2 * time.Second)
	if err := b.Execute(context.Background(), fail); !errors.Is(err, errDown) {
		t.Fatalf("expected trial to run and fail, got %v", err)
	}
	snap := b.Snapshot()
	if snap.State != StateOpen || !snap.LastFailureAt.After(firstFailure) {
		t.Fatalf("expected reopened breaker with fresh failure time, got %+v", snap)
	}
	if err := b.Execute(context.Background(), fail); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected rejection after failed trial, got %v", err)
	}
}

func TestCancelledTrialIsNeutral(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second)
	_ = b.Execute(context.Background(), fail)
	clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to pass through, got %v", err)
	}
	snap := b.Snapshot()
	if snap.State != StateHalfOpen || snap.FailureCount != 1 {
		t.Fatalf("expected neutral outcome, got %+v", snap)
	}
	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected freed trial slot, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful trial")
	}
}

func TestPermanentErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(1, time.Second)
	bad := faultx.Validation("primary-transport", errors.New("message too large"))
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return bad })
	}
	if snap := b.Snapshot(); snap.State != StateClosed || snap.FailureCount != 0 {
		t.Fatalf("expected bad payloads to leave breaker closed, got %+v", snap)
	}
}

func TestRegistryBreakersAreIndependent(t *testing.T) {
	reg := NewRegistry(Settings{MaxFailures: 1, ResetTimeout: time.Minute}, logx.Nop())
	_ = reg.Get("primary-transport").Execute(context.Background(), fail)
	if st, _ := reg.State("primary-transport"); st != StateOpen {
		t.Fatalf("expected primary open, got %s", st)
	}
	if st, _ := reg.State("secondary-queue"); st != "" {
		t.Fatalf("expected unknown breaker to be absent")
	}
	if reg.Get("secondary-queue").State() != StateClosed {
		t.Fatalf("expected independent breaker to start closed")
	}
	if reg.Get("primary-transport") != reg.Get("primary-transport") {
		t.Fatalf("expected registry to return the same instance")
	}
	snaps := reg.Snapshots()
	if len(snaps) != 2 || snaps[0].Name != "primary-transport" || snaps[1].FailureCount != 0 {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
}
