package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"match-event-delivery/shared/logx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache() (*Cache, *clock) {
	clk := &clock{now: time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)}
	return New(0, WithClock(clk.Now)), clk
}

func TestDuplicateWithinTTL(t *testing.T) {
	c, clk := newTestCache()
	ctx := context.Background()
	if c.DefaultTTL() != 300*time.Second {
		t.Fatalf("expected default ttl of 300s, got %s", c.DefaultTTL())
	}

	res, dup, err := c.CheckAndReserve(ctx, "k1", 0)
	if err != nil || dup || res == nil {
		t.Fatalf("expected reservation, got res=%v dup=%v err=%v", res, dup, err)
	}
	res.Commit()

	if _, dup, _ := c.CheckAndReserve(ctx, "k1", 0); !dup {
		t.Fatalf("expected duplicate inside ttl")
	}
	clk.Advance(301 * time.Second)
	res, dup, _ = c.CheckAndReserve(ctx, "k1", 0)
	if dup || res == nil {
		t.Fatalf("expected expired record to be ignored")
	}
	res.Release()
}

// duplicate reports whether key is recorded, leaving the cache unchanged.
func duplicate(t *testing.T, c *Cache, key string) bool {
	t.Helper()
	res, dup, err := c.CheckAndReserve(context.Background(), key, 0)
	if err != nil {
		t.Fatalf("reserve %s: %v", key, err)
	}
	if res != nil {
		res.Release()
	}
	return dup
}

func TestPerCallTTLOverride(t *testing.T) {
	c, clk := newTestCache()
	c.Record("short", 5*time.Second)
	clk.Advance(6 * time.Second)
	if duplicate(t, c, "short") {
		t.Fatalf("expected short ttl to expire")
	}
	c.Record("long", time.Hour)
	clk.Advance(10 * time.Minute)
	if !duplicate(t, c, "long") {
		t.Fatalf("expected long ttl to survive default window")
	}
}

func TestReleaseDoesNotRecord(t *testing.T) {
	c, _ := newTestCache()
	res, _, _ := c.CheckAndReserve(context.Background(), "k2", 0)
	res.Release()
	res.Commit()
	if duplicate(t, c, "k2") {
		t.Fatalf("expected released key to stay unrecorded")
	}
	if _, dup, _ := c.CheckAndReserve(context.Background(), "k2", 0); dup {
		t.Fatalf("expected released key to be publishable again")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	c, clk := newTestCache()
	c.Record("old", time.Minute)
	clk.Advance(30 * time.Second)
	c.Record("new", time.Minute)
	clk.Advance(45 * time.Second)
	if remaining := c.Sweep(); remaining != 1 {
		t.Fatalf("expected 1 remaining record, got %d", remaining)
	}
	if duplicate(t, c, "old") || !duplicate(t, c, "new") {
		t.Fatalf("expected only the old record to be swept")
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	c, _ := newTestCache()
	ctx := context.Background()
	var delivered, duplicates atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, dup, err := c.CheckAndReserve(ctx, "race", 0)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if dup {
				duplicates.Add(1)
				return
			}
			time.Sleep(time.Millisecond)
			delivered.Add(1)
			res.Commit()
		}()
	}
	close(start)
	wg.Wait()
	if delivered.Load() != 1 || duplicates.Load() != 49 {
		t.Fatalf("expected 1 delivered and 49 duplicates, got %d/%d", delivered.Load(), duplicates.Load())
	}
}

func TestWaiterProceedsAfterRelease(t *testing.T) {
	c, _ := newTestCache()
	ctx := context.Background()
	first, _, _ := c.CheckAndReserve(ctx, "k3", 0)

	got := make(chan *Reservation, 1)
	go func() {
		res, dup, err := c.CheckAndReserve(ctx, "k3", 0)
		if err != nil || dup {
			t.Errorf("expected waiter to reserve, dup=%v err=%v", dup, err)
		}
		got <- res
	}()

	select {
	case <-got:
		t.Fatalf("waiter must block while the key is in flight")
	case <-time.After(20 * time.Millisecond):
	}
	first.Release()
	select {
	case res := <-got:
		if res == nil {
			t.Fatalf("expected reservation for waiter")
		}
		res.Release()
	case <-time.After(time.Second):
		t.Fatalf("waiter was not woken by release")
	}
}

func TestWaiterHonoursContext(t *testing.T) {
	c, _ := newTestCache()
	first, _, _ := c.CheckAndReserve(context.Background(), "k4", 0)
	defer first.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, _, err := c.CheckAndReserve(ctx, "k4", 0); err == nil {
		t.Fatalf("expected context error while waiting")
	}
}

func TestSweeperStopsOnCancel(t *testing.T) {
	c, clk := newTestCache()
	c.Record("gone", time.Second)
	clk.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSweeper(c, 5*time.Millisecond, logx.Nop()).Run(ctx) }()

	deadline := time.After(time.Second)
	for c.Len() != 0 {
		select {
		case <-deadline:
			t.Fatalf("sweeper never evicted the expired record")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop")
	}
}
