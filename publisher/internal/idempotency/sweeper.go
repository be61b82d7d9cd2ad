package idempotency

import (
	"context"
	"log/slog"
	"time"

	"match-event-delivery/shared/logx"
	"match-event-delivery/shared/metricsx"
)

// Sweeper periodically evicts expired records. It runs until its context is
// cancelled; the process lifecycle owns that context.
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	logger   logx.Logger
}

func NewSweeper(cache *Cache, interval time.Duration, logger logx.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{cache: cache, interval: interval, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info(ctx, "idempotency_sweeper_start", "idempotency sweeper started",
		slog.Int64("interval_ms", s.interval.Milliseconds()),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(context.Background(), "idempotency_sweeper_stop", "idempotency sweeper stopped")
			return nil
		case <-ticker.C:
			before := s.cache.Len()
			remaining := s.cache.Sweep()
			metricsx.SetIdempotencyEntries(remaining)
			if evicted := before - remaining; evicted > 0 {
				s.logger.Debug(ctx, "idempotency_sweep", "expired idempotency records evicted",
					slog.Int("evicted", evicted),
					slog.Int("remaining", remaining),
				)
			}
		}
	}
}
