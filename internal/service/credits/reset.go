package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/events"
	"github.com/jmehdipour/licensing-gateway/internal/metrics"
	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmehdipour/licensing-gateway/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const resetBatch = 500

// ResetMonthly refills the monthly pool of a license whose reset date has
// passed and advances the date by whole plan periods past now. The ledger
// amount is the balance delta actually applied, so replaying the ledger
// still reproduces the balance. ok is false when the reset was not due
// (already done by a concurrent sweep, or a one-off plan).
func (s *Service) ResetMonthly(ctx context.Context, licenseID int64) (res *Result, ok bool, err error) {
	now := s.Now()

	err = repository.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		before, err := s.licenses.LockByID(ctx, tx, licenseID)
		if err != nil {
			return err
		}
		if before.CreditsResetDate == nil || before.CreditsResetDate.After(now) {
			return nil
		}

		next := s.nextReset(before, now)
		applied, err := s.licenses.ResetMonthly(ctx, tx, licenseID, now, next)
		if err != nil {
			return fmt.Errorf("reset monthly: %w", err)
		}
		if !applied {
			return nil
		}

		after, err := s.licenses.GetByID(ctx, tx, licenseID)
		if err != nil {
			return err
		}
		delta := after.Remaining() - before.Remaining()
		res, err = s.record(ctx, tx, after, model.EntryGrantMonthly, delta, model.Ref{
			Type: model.RefCron,
			Note: "monthly reset",
		}, now)
		if err != nil {
			return err
		}

		ev := events.New(events.CreditsReset, after, now, map[string]any{
			"credits_total":     after.CreditsTotal,
			"credits_remaining": after.Remaining(),
			"next_reset_date":   next,
		})
		if err := s.outbox.Emit(ctx, tx, ev); err != nil {
			return err
		}
		res.Events = []events.Event{ev}
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return res, ok, nil
}

// nextReset advances the stored reset date by whole periods until it lies
// after now, keeping the license's billing anchor day.
func (s *Service) nextReset(l *model.License, now time.Time) *model.UnixTime {
	period := model.PeriodMonth
	if p, ok := s.catalog.Lookup(l.VariantSlug); ok {
		period = p.Period
	}

	next := period.Next(l.CreditsResetDate.Time)
	for next != nil && !next.After(now) {
		next = period.Next(next.Time)
	}
	return next
}

// ResetDue runs ResetMonthly for every active license whose reset date has
// passed. It is safe to run alongside live traffic and other sweeps.
func (s *Service) ResetDue(ctx context.Context) (int, error) {
	total := 0
	for {
		ids, err := s.licenses.ListResetDue(ctx, s.db, s.Now(), resetBatch)
		if err != nil {
			return total, fmt.Errorf("list reset due: %w", err)
		}

		progressed := 0
		for _, id := range ids {
			_, ok, err := s.ResetMonthly(ctx, id)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return total, err
				}
				s.log.Error("monthly reset failed", zap.Int64("license_id", id), zap.Error(err))
				continue
			}
			if ok {
				progressed++
				metrics.ResetsTotal.Inc()
			}
		}
		total += progressed

		if len(ids) < resetBatch || progressed == 0 {
			return total, nil
		}
	}
}

// Stats aggregates the ledger of a license over one of day, week, month or
// year.
func (s *Service) Stats(ctx context.Context, licenseKey, period string) (repository.LedgerStats, error) {
	now := s.Now()
	var since time.Time
	switch period {
	case "day":
		since = now.AddDate(0, 0, -1)
	case "week":
		since = now.AddDate(0, 0, -7)
	case "", "month":
		since = now.AddDate(0, -1, 0)
	case "year":
		since = now.AddDate(-1, 0, 0)
	default:
		return repository.LedgerStats{}, apperr.Newf(apperr.InvalidInput, "unknown period %q", period)
	}
	return s.ledger.Stats(ctx, s.db, licenseKey, since)
}

// History returns ledger entries newest first.
func (s *Service) History(ctx context.Context, licenseKey string, limit, offset int) ([]model.LedgerEntry, error) {
	return s.ledger.ListByLicense(ctx, s.db, licenseKey, limit, offset)
}
