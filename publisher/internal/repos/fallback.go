package repos

import (
	"context"
	"encoding/json"
	"time"

	"match-event-delivery/shared/dbx"
	"match-event-delivery/shared/events"
	"match-event-delivery/shared/faultx"
)

const schema = `
CREATE TABLE IF NOT EXISTS fallback_records (
	object_key      TEXT PRIMARY KEY,
	event_id        TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	escalation_tier TEXT NOT NULL,
	body            JSONB NOT NULL,
	metadata        JSONB NOT NULL DEFAULT '{}'::jsonb,
	status          TEXT NOT NULL,
	attempts        INT NOT NULL DEFAULT 0,
	next_retry_at   TIMESTAMPTZ,
	locked_at       TIMESTAMPTZ,
	locked_by       TEXT,
	last_error      TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	replayed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_fallback_records_due ON fallback_records (status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_fallback_records_key ON fallback_records (idempotency_key);
`

// FallbackRepo is the durable-store fallback tier and the replay source
// backed by PostgreSQL.
type FallbackRepo struct {
	db    DBTX
	lease time.Duration
}

// NewFallbackRepo takes a pool or a transaction. Records stuck in replaying
// for longer than lease are handed out again.
func NewFallbackRepo(db DBTX, lease time.Duration) *FallbackRepo {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &FallbackRepo{db: db, lease: lease}
}

func (r *FallbackRepo) Name() string { return "durable-store" }

func (r *FallbackRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schema)
	return dbx.Classify(ctx, err)
}

// Put stores one fallback record. The object key is the primary key, so a
// repeated write of the same record is absorbed.
func (r *FallbackRepo) Put(ctx context.Context, key string, body []byte, metadata map[string]string) (string, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", faultx.New(faultx.KindMalformed, "postgres", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO fallback_records (object_key, event_id, idempotency_key, escalation_tier, body, metadata, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (object_key) DO NOTHING
	`, key, metadata["event_id"], metadata["idempotency_key"], metadata["escalation_tier"], body, meta, events.StoredPending)
	if err != nil {
		return "", dbx.Classify(ctx, err)
	}
	return key, nil
}

func (r *FallbackRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]events.StoredRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		WITH candidates AS (
			SELECT object_key
			FROM fallback_records
			WHERE (status = $1 AND (next_retry_at IS NULL OR next_retry_at <= now()))
				OR (status = $3 AND locked_at < now() - make_interval(secs => $5))
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE fallback_records f
		SET status = $3, locked_at = now(), locked_by = $4, updated_at = now()
		FROM candidates c
		WHERE f.object_key = c.object_key
		RETURNING f.object_key, f.body, f.status, f.attempts, f.created_at
	`, events.StoredPending, limit, events.StoredReplaying, owner, r.lease.Seconds())
	if err != nil {
		return nil, dbx.Classify(ctx, err)
	}
	defer rows.Close()

	out := make([]events.StoredRecord, 0, limit)
	for rows.Next() {
		var rec events.StoredRecord
		if err := rows.Scan(&rec.Key, &rec.Body, &rec.Status, &rec.Attempts, &rec.CreatedAt); err != nil {
			return nil, dbx.Classify(ctx, err)
		}
		out = append(out, rec)
	}
	return out, dbx.Classify(ctx, rows.Err())
}

func (r *FallbackRepo) MarkReplayed(ctx context.Context, key string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE fallback_records
		SET status = $2, replayed_at = now(), locked_at = NULL, locked_by = NULL, last_error = NULL, updated_at = now()
		WHERE object_key = $1
	`, key, events.StoredReplayed)
	return dbx.Classify(ctx, err)
}

// Release hands claimed records back to pending without counting an attempt.
func (r *FallbackRepo) Release(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE fallback_records
		SET status = $2, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE object_key = ANY($1) AND status = $3
	`, keys, events.StoredPending, events.StoredReplaying)
	return dbx.Classify(ctx, err)
}

func (r *FallbackRepo) MarkFailed(ctx context.Context, key string, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := events.StoredPending
	if dead {
		status = events.StoredDead
		nextRetryAt = nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE fallback_records
		SET status = $2, attempts = $3, next_retry_at = $4, last_error = $5, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE object_key = $1
	`, key, status, attempts, nextRetryAt, lastErr)
	return dbx.Classify(ctx, err)
}
