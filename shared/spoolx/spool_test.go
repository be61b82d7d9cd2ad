package spoolx

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"match-event-delivery/shared/events"
	"match-event-delivery/shared/faultx"
)

func openSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "spool", "spool.db"), time.Minute)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func meta(id string) map[string]string {
	return map[string]string{"event_id": id, "idempotency_key": "k-" + id}
}

func TestPutIsIdempotent(t *testing.T) {
	s := openSpool(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		id, err := s.Put(ctx, "fallback/a", []byte(`{"n":1}`), meta("a"))
		if err != nil || id != "fallback/a" {
			t.Fatalf("put %d: %s %v", i, id, err)
		}
	}
	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[events.StoredPending] != 1 {
		t.Fatalf("expected a single pending record, got %v", counts)
	}
}

func TestClaimReplayLifecycle(t *testing.T) {
	s := openSpool(t)
	ctx := context.Background()
	clock := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	_, _ = s.Put(ctx, "fallback/a", []byte(`a`), meta("a"))
	clock = clock.Add(time.Second)
	_, _ = s.Put(ctx, "fallback/b", []byte(`b`), meta("b"))

	claimed, err := s.ClaimPending(ctx, "replayer-1", 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 || claimed[0].Key != "fallback/a" || string(claimed[1].Body) != "b" {
		t.Fatalf("unexpected claim: %+v", claimed)
	}
	if again, _ := s.ClaimPending(ctx, "replayer-2", 10); len(again) != 0 {
		t.Fatalf("claimed records must not be handed out twice")
	}

	if err := s.MarkReplayed(ctx, "fallback/a"); err != nil {
		t.Fatalf("mark replayed: %v", err)
	}
	retryAt := clock.Add(time.Minute)
	if err := s.MarkFailed(ctx, "fallback/b", 1, &retryAt, "broker down", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if due, _ := s.ClaimPending(ctx, "replayer-1", 10); len(due) != 0 {
		t.Fatalf("record must wait for its retry time")
	}
	clock = clock.Add(2 * time.Minute)
	due, _ := s.ClaimPending(ctx, "replayer-1", 10)
	if len(due) != 1 || due[0].Attempts != 1 {
		t.Fatalf("expected b to be due again with 1 attempt, got %+v", due)
	}
	if err := s.MarkFailed(ctx, "fallback/b", 2, nil, "broker down", true); err != nil {
		t.Fatalf("mark dead: %v", err)
	}

	counts, _ := s.Counts(ctx)
	if counts[events.StoredReplayed] != 1 || counts[events.StoredDead] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestStaleClaimIsReclaimed(t *testing.T) {
	s := openSpool(t)
	ctx := context.Background()
	clock := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	_, _ = s.Put(ctx, "fallback/a", []byte(`a`), meta("a"))
	if claimed, _ := s.ClaimPending(ctx, "replayer-1", 10); len(claimed) != 1 {
		t.Fatalf("expected one claim, got %d", len(claimed))
	}

	clock = clock.Add(30 * time.Second)
	if again, _ := s.ClaimPending(ctx, "replayer-2", 10); len(again) != 0 {
		t.Fatalf("claim within the lease must not be handed out")
	}
	clock = clock.Add(time.Minute)
	again, err := s.ClaimPending(ctx, "replayer-2", 10)
	if err != nil || len(again) != 1 || again[0].Key != "fallback/a" {
		t.Fatalf("expected expired claim to be reclaimed, got %+v (%v)", again, err)
	}
}

func TestReleaseReturnsClaimToPending(t *testing.T) {
	s := openSpool(t)
	ctx := context.Background()
	_, _ = s.Put(ctx, "fallback/a", []byte(`a`), meta("a"))
	_, _ = s.Put(ctx, "fallback/b", []byte(`b`), meta("b"))
	if claimed, _ := s.ClaimPending(ctx, "replayer-1", 10); len(claimed) != 2 {
		t.Fatalf("expected two claims, got %d", len(claimed))
	}
	if err := s.MarkReplayed(ctx, "fallback/a"); err != nil {
		t.Fatalf("mark replayed: %v", err)
	}
	if err := s.Release(ctx, []string{"fallback/a", "fallback/b"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	counts, _ := s.Counts(ctx)
	if counts[events.StoredPending] != 1 || counts[events.StoredReplayed] != 1 {
		t.Fatalf("release must only touch replaying records, got %v", counts)
	}
	due, _ := s.ClaimPending(ctx, "replayer-1", 10)
	if len(due) != 1 || due[0].Key != "fallback/b" || due[0].Attempts != 0 {
		t.Fatalf("expected b back without an attempt, got %+v", due)
	}
}

func TestClosedSpoolIsUnavailable(t *testing.T) {
	s := openSpool(t)
	_ = s.Close()
	if _, err := s.Put(context.Background(), "k", []byte("x"), meta("x")); !faultx.IsTransient(err) {
		t.Fatalf("expected transient error from closed spool, got %v", err)
	}
}
