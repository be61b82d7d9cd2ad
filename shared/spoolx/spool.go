// Package spoolx is a local SQLite spool used as the last fallback tier when
// no remote store is reachable.
package spoolx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"match-event-delivery/shared/events"
	"match-event-delivery/shared/faultx"
)

const (
	dependency = "spool"
	// fixed width so lexical order is time order
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

var ErrClosed = errors.New("spool is closed")

const defaultLease = 5 * time.Minute

type Spool struct {
	db     *sql.DB
	lease  time.Duration
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// Open creates the spool file and schema if needed. ":memory:" is accepted.
// Records left in replaying for longer than lease are claimable again.
func Open(path string, lease time.Duration) (*Spool, error) {
	if lease <= 0 {
		lease = defaultLease
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("SPOOL_PATH is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS spool_records (
			object_key TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			body BLOB NOT NULL,
			metadata TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_retry_at TEXT,
			locked_at TEXT,
			locked_by TEXT,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spool_records_status ON spool_records(status, next_retry_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init spool: %w", err)
		}
	}
	return &Spool{db: db, lease: lease, now: time.Now}, nil
}

func (s *Spool) Name() string { return "local-spool" }

// Put stores body under key. Re-putting an existing key keeps the first copy.
func (s *Spool) Put(ctx context.Context, key string, body []byte, metadata map[string]string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", faultx.New(faultx.KindUnavailable, dependency, ErrClosed)
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", faultx.New(faultx.KindMalformed, dependency, err)
	}
	now := s.stamp()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO spool_records (object_key, event_id, idempotency_key, body, metadata, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(object_key) DO NOTHING
	`, key, metadata["event_id"], metadata["idempotency_key"], body, string(meta), events.StoredPending, now, now)
	if err != nil {
		return "", classify(ctx, err)
	}
	return key, nil
}

// ClaimPending moves up to limit due records to replaying and returns them.
// Replaying records whose lease ran out are handed out again.
func (s *Spool) ClaimPending(ctx context.Context, owner string, limit int) ([]events.StoredRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, faultx.New(faultx.KindUnavailable, dependency, ErrClosed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer tx.Rollback()

	at := s.now().UTC()
	now := at.Format(timeLayout)
	staleBefore := at.Add(-s.lease).Format(timeLayout)
	rows, err := tx.QueryContext(ctx, `
		SELECT object_key, body, attempts, created_at
		FROM spool_records
		WHERE (status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
			OR (status = ? AND locked_at < ?)
		ORDER BY created_at ASC
		LIMIT ?
	`, events.StoredPending, now, events.StoredReplaying, staleBefore, limit)
	if err != nil {
		return nil, classify(ctx, err)
	}
	out := make([]events.StoredRecord, 0, limit)
	for rows.Next() {
		var rec events.StoredRecord
		var created string
		if err := rows.Scan(&rec.Key, &rec.Body, &rec.Attempts, &created); err != nil {
			rows.Close()
			return nil, classify(ctx, err)
		}
		rec.CreatedAt, _ = time.Parse(timeLayout, created)
		rec.Status = events.StoredReplaying
		out = append(out, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, err)
	}

	for _, rec := range out {
		if _, err := tx.ExecContext(ctx, `
			UPDATE spool_records SET status = ?, locked_at = ?, locked_by = ?, updated_at = ? WHERE object_key = ?
		`, events.StoredReplaying, now, owner, now, rec.Key); err != nil {
			return nil, classify(ctx, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(ctx, err)
	}
	return out, nil
}

func (s *Spool) MarkReplayed(ctx context.Context, key string) error {
	return s.update(ctx, `
		UPDATE spool_records SET status = ?, locked_at = NULL, locked_by = NULL, last_error = NULL, updated_at = ? WHERE object_key = ?
	`, events.StoredReplayed, s.stamp(), key)
}

// Release hands claimed records back to pending without counting an attempt.
func (s *Spool) Release(ctx context.Context, keys []string) error {
	now := s.stamp()
	for _, key := range keys {
		if err := s.update(ctx, `
			UPDATE spool_records SET status = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
			WHERE object_key = ? AND status = ?
		`, events.StoredPending, now, key, events.StoredReplaying); err != nil {
			return err
		}
	}
	return nil
}

func (s *Spool) MarkFailed(ctx context.Context, key string, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := events.StoredPending
	var next any
	if dead {
		status = events.StoredDead
	} else if nextRetryAt != nil {
		next = nextRetryAt.UTC().Format(timeLayout)
	}
	return s.update(ctx, `
		UPDATE spool_records
		SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE object_key = ?
	`, status, attempts, next, lastErr, s.stamp(), key)
}

// Counts reports the number of records per status.
func (s *Spool) Counts(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM spool_records GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Spool) update(ctx context.Context, query string, args ...any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return faultx.New(faultx.KindUnavailable, dependency, ErrClosed)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classify(ctx, err)
	}
	return nil
}

func (s *Spool) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return faultx.New(faultx.KindCanceled, dependency, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_FULL, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
			return faultx.New(faultx.KindUnavailable, dependency, err)
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG:
			return faultx.New(faultx.KindValidation, dependency, err)
		}
	}
	return faultx.New(faultx.KindUnknown, dependency, err)
}
