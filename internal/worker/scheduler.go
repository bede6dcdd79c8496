// Package worker holds the background loops: the periodic scheduler, the
// outbox relay and the notification consumer.
package worker

import (
	"context"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/ratelimit"
	"go.uber.org/zap"
)

type ResetSweeper interface {
	ResetDue(ctx context.Context) (int, error)
}

type ExpirySweeper interface {
	ExpireDue(ctx context.Context) (int64, error)
}

// Scheduler runs the monthly credit reset and the expiry sweep every
// Interval, and rate-limit window cleanup every CleanupInterval.
type Scheduler struct {
	Resets   ResetSweeper
	Expiry   ExpirySweeper
	Limiters []*ratelimit.Limiter

	Interval        time.Duration
	CleanupInterval time.Duration
	// CleanupAge is how old a window must be to be dropped.
	CleanupAge time.Duration

	log *zap.Logger
}

func NewScheduler(resets ResetSweeper, expiry ExpirySweeper, limiters []*ratelimit.Limiter, log *zap.Logger) *Scheduler {
	return &Scheduler{
		Resets:          resets,
		Expiry:          expiry,
		Limiters:        limiters,
		Interval:        time.Hour,
		CleanupInterval: time.Hour,
		CleanupAge:      time.Hour,
		log:             log,
	}
}

// Run sweeps once immediately, then on every tick, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		s.Interval = time.Hour
	}
	if s.CleanupInterval <= 0 {
		s.CleanupInterval = time.Hour
	}

	sweep := time.NewTicker(s.Interval)
	defer sweep.Stop()
	cleanup := time.NewTicker(s.CleanupInterval)
	defer cleanup.Stop()

	s.Sweep(ctx)
	s.Cleanup(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			s.Sweep(ctx)
		case <-cleanup.C:
			s.Cleanup(ctx)
		}
	}
}

func (s *Scheduler) Sweep(ctx context.Context) {
	if s.Resets != nil {
		n, err := s.Resets.ResetDue(ctx)
		if err != nil {
			s.log.Error("credit reset sweep failed", zap.Error(err))
		} else if n > 0 {
			s.log.Info("credits reset", zap.Int("licenses", n))
		}
	}
	if s.Expiry != nil {
		n, err := s.Expiry.ExpireDue(ctx)
		if err != nil {
			s.log.Error("expiry sweep failed", zap.Error(err))
		} else if n > 0 {
			s.log.Info("licenses expired", zap.Int64("licenses", n))
		}
	}
}

func (s *Scheduler) Cleanup(ctx context.Context) {
	for _, l := range s.Limiters {
		n, err := l.Cleanup(ctx, s.CleanupAge)
		if err != nil {
			s.log.Error("rate limit cleanup failed", zap.String("scope", l.Scope()), zap.Error(err))
			continue
		}
		if n > 0 {
			s.log.Debug("rate limit windows dropped", zap.String("scope", l.Scope()), zap.Int64("rows", n))
		}
	}
}
