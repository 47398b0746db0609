// Package scheduler runs the service's background loops: the sweeper that
// purges stale pending accounts and the worker that delivers queued mail.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"inkwell/internal/pkg/metrics"
)

// StalePurger deletes unverified accounts whose code expired before cutoff.
type StalePurger interface {
	DeleteStalePending(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper periodically removes pending accounts that were never verified.
// It also cleans up records left behind when a rollback could not run.
type Sweeper struct {
	purger   StalePurger
	logger   *slog.Logger
	interval time.Duration
	grace    time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewSweeper creates a sweeper. interval defaults to one hour and grace,
// the time an expired pending account survives, to 24 hours.
func NewSweeper(purger StalePurger, logger *slog.Logger, interval, grace time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if grace < 0 {
		grace = 0
	}
	if grace == 0 {
		grace = 24 * time.Hour
	}
	return &Sweeper{
		purger:   purger,
		logger:   logger,
		interval: interval,
		grace:    grace,
		timeout:  time.Minute,
		now:      time.Now,
	}
}

// Start runs the sweep loop in a goroutine until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	s.logger.Info("pending sweeper started",
		slog.String("interval", s.interval.String()),
		slog.String("grace", s.grace.String()))

	go func() {
		defer ticker.Stop()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("PANIC in pending sweeper", slog.Any("panic", r))
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce performs a single sweep and returns the number of deleted records.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cutoff := s.now().Add(-s.grace)
	n, err := s.purger.DeleteStalePending(sweepCtx, cutoff)
	if err != nil {
		s.logger.Error("pending sweep failed", slog.String("error", err.Error()))
		return 0, err
	}
	if n > 0 {
		metrics.StalePendingPurgedTotal.Add(float64(n))
		s.logger.Info("purged stale pending accounts",
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff))
	}
	return n, nil
}
