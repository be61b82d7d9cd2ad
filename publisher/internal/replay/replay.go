// Package replay drains parked fallback records back onto the primary
// transport once it recovers.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"match-event-delivery/publisher/internal/fallback"
	"match-event-delivery/shared/breakerx"
	"match-event-delivery/shared/events"
	"match-event-delivery/shared/faultx"
	"match-event-delivery/shared/logx"
	"match-event-delivery/shared/metricsx"
)

// Sender is the guarded primary path.
type Sender interface {
	SendPrimary(ctx context.Context, event events.Event) (string, error)
}

// Store is a durable sink that can hand its records back.
type Store interface {
	Name() string
	ClaimPending(ctx context.Context, owner string, limit int) ([]events.StoredRecord, error)
	MarkReplayed(ctx context.Context, key string) error
	MarkFailed(ctx context.Context, key string, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
	Release(ctx context.Context, keys []string) error
}

const releaseTimeout = 5 * time.Second

type Options struct {
	Owner       string
	BatchSize   int
	MaxAttempts int
}

type Summary struct {
	Claimed  int
	Replayed int
	Failed   int
	Dead     int
}

type Service struct {
	sender Sender
	stores []Store
	logger logx.Logger
	opts   Options
	now    func() time.Time
}

func New(sender Sender, logger logx.Logger, opts Options, stores ...Store) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 20
	}
	if opts.Owner == "" {
		opts.Owner = "replayer"
	}
	return &Service{sender: sender, stores: stores, logger: logger, opts: opts, now: time.Now}
}

// Scan claims one batch from every store and replays it. A store that fails
// to hand out records is logged and skipped.
func (s *Service) Scan(ctx context.Context) (Summary, error) {
	var total Summary
	var errs []error
	for _, store := range s.stores {
		sum, err := s.scanStore(ctx, store)
		total.Claimed += sum.Claimed
		total.Replayed += sum.Replayed
		total.Failed += sum.Failed
		total.Dead += sum.Dead
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		}
	}
	if total.Claimed > 0 {
		s.logger.Info(ctx, "replay_scan", "replay scan finished",
			slog.Int("claimed", total.Claimed),
			slog.Int("replayed", total.Replayed),
			slog.Int("failed", total.Failed),
			slog.Int("dead", total.Dead),
		)
	}
	return total, errors.Join(errs...)
}

func (s *Service) scanStore(ctx context.Context, store Store) (Summary, error) {
	var sum Summary
	records, err := store.ClaimPending(ctx, s.opts.Owner, s.opts.BatchSize)
	if err != nil {
		s.logger.Warn(ctx, "replay_claim_failed", "could not claim fallback records",
			slog.String("source", store.Name()),
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
		return sum, err
	}
	sum.Claimed = len(records)

	for i, stored := range records {
		if ctx.Err() != nil {
			s.release(ctx, store, records[i:])
			return sum, ctx.Err()
		}
		sendErr := s.replayBody(ctx, store.Name(), stored.Body)
		if sendErr == nil {
			sum.Replayed++
			metricsx.IncReplay(store.Name(), "replayed")
			if err := store.MarkReplayed(ctx, stored.Key); err != nil {
				s.logger.Error(ctx, "replay_mark_failed", "replayed record could not be marked",
					slog.String("source", store.Name()),
					slog.String("object_key", stored.Key),
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		attempts := stored.Attempts + 1
		dead := attempts >= s.opts.MaxAttempts || faultx.IsPermanent(sendErr)
		next := s.now().UTC().Add(RetryDelay(attempts))
		if dead {
			sum.Dead++
			metricsx.IncReplay(store.Name(), "dead")
			s.logger.Warn(ctx, "replay_dead", "fallback record moved to dead-letter",
				slog.String("source", store.Name()),
				slog.String("object_key", stored.Key),
				slog.Int("attempts", attempts),
				slog.String("error", sendErr.Error()),
			)
		} else {
			sum.Failed++
			metricsx.IncReplay(store.Name(), "failed")
		}
		if err := store.MarkFailed(ctx, stored.Key, attempts, &next, sendErr.Error(), dead); err != nil {
			s.logger.Error(ctx, "replay_mark_failed", "failed record could not be updated",
				slog.String("source", store.Name()),
				slog.String("object_key", stored.Key),
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		if errors.Is(sendErr, breakerx.ErrOpen) {
			// the rest of the batch would be rejected the same way
			s.release(ctx, store, records[i+1:])
			break
		}
	}
	return sum, nil
}

// release hands unprocessed claims back so the next scan picks them up. If it
// fails the store's lease reclaims them later.
func (s *Service) release(ctx context.Context, store Store, rest []events.StoredRecord) {
	if len(rest) == 0 {
		return
	}
	keys := make([]string, 0, len(rest))
	for _, rec := range rest {
		keys = append(keys, rec.Key)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := store.Release(ctx, keys); err != nil {
		s.logger.Warn(ctx, "replay_release_failed", "claimed records left for lease expiry",
			slog.String("source", store.Name()),
			slog.Int("records", len(keys)),
			slog.String("error", err.Error()),
		)
	}
}

// HandleTask is the asynq handler for records parked on the secondary queue.
// Returning an error lets asynq retry; after the last retry asynq archives
// the task, which is the queue's dead-letter.
func (s *Service) HandleTask(ctx context.Context, t *asynq.Task) error {
	err := s.replayBody(ctx, "secondary-queue", t.Payload())
	if err == nil {
		metricsx.IncReplay("secondary-queue", "replayed")
		return nil
	}
	if faultx.IsPermanent(err) {
		metricsx.IncReplay("secondary-queue", "dead")
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if retried >= maxRetry {
		metricsx.IncReplay("secondary-queue", "dead")
		s.logger.Warn(ctx, "replay_dead", "queued fallback record archived",
			slog.String("source", "secondary-queue"),
			slog.Int("attempts", retried+1),
			slog.String("error", err.Error()),
		)
	} else {
		metricsx.IncReplay("secondary-queue", "failed")
	}
	return err
}

func (s *Service) replayBody(ctx context.Context, source string, body []byte) error {
	rec, err := fallback.Decode(body)
	if err != nil {
		return err
	}
	ctx, span := otel.Tracer("replay").Start(ctx, "replay.send")
	span.SetAttributes(
		attribute.String("replay.source", source),
		attribute.String("event.id", rec.Event.ID),
		attribute.String("event.idempotency_key", rec.Event.IdempotencyKey),
	)
	defer span.End()

	acceptedID, err := s.sender.SendPrimary(ctx, rec.Event)
	if err != nil {
		span.RecordError(err)
		return err
	}
	s.logger.Info(ctx, "replay_delivered", "fallback record replayed to primary transport",
		slog.String("source", source),
		slog.String("event_id", rec.Event.ID),
		slog.String("idempotency_key", rec.Event.IdempotencyKey),
		slog.Int("retry_count", rec.Event.RetryCount),
		slog.String("accepted_id", acceptedID),
	)
	return nil
}

// RetryDelay grows quadratically from 5s and is capped at 5m.
func RetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
