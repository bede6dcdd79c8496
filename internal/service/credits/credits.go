// Package credits is the metering engine: effective balance checks, the
// monthly-then-extra debit, grants, monthly resets and the derived credit
// status used for low-balance notifications.
package credits

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/config"
	"github.com/jmehdipour/licensing-gateway/internal/events"
	"github.com/jmehdipour/licensing-gateway/internal/metrics"
	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmehdipour/licensing-gateway/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Catalog resolves a plan slug; used to find a license's reset period.
type Catalog interface {
	Lookup(slug string) (model.Plan, bool)
}

// Status bands of remaining/total.
type Status string

const (
	StatusOK       Status = "ok"
	StatusLow      Status = "low"
	StatusCritical Status = "critical"
	StatusDepleted Status = "depleted"
)

// Result describes a committed balance mutation.
type Result struct {
	LicenseID  int64             `json:"license_id"`
	Balance    int64             `json:"credits_remaining"`
	Monthly    int64             `json:"credits_monthly"`
	Extra      int64             `json:"credits_extra"`
	Entry      model.LedgerEntry `json:"entry"`
	Events     []events.Event    `json:"-"`
	Idempotent bool              `json:"idempotent"`
}

// Info is the derived credit view of a license.
type Info struct {
	Remaining      int64           `json:"credits_remaining"`
	Total          int64           `json:"credits_total"`
	Used           int64           `json:"credits_used"`
	Monthly        int64           `json:"credits_monthly"`
	Extra          int64           `json:"credits_extra"`
	Percentage     float64         `json:"percentage"`
	Status         Status          `json:"status"`
	DaysUntilReset *int            `json:"days_until_reset"`
	NextResetDate  *model.UnixTime `json:"next_reset_date"`
}

type Service struct {
	db       *sqlx.DB
	licenses repository.LicensesRepository
	ledger   repository.LedgerRepository
	outbox   *events.Outbox
	catalog  Catalog
	log      *zap.Logger

	LowPercent      float64
	CriticalPercent float64
	Now             func() time.Time
}

func New(
	db *sqlx.DB,
	licenses repository.LicensesRepository,
	ledger repository.LedgerRepository,
	outbox *events.Outbox,
	catalog Catalog,
	cfg config.CreditsConfig,
	log *zap.Logger,
) *Service {
	s := &Service{
		db:              db,
		licenses:        licenses,
		ledger:          ledger,
		outbox:          outbox,
		catalog:         catalog,
		log:             log,
		LowPercent:      cfg.LowPercent,
		CriticalPercent: cfg.CriticalPercent,
		Now:             time.Now,
	}
	if s.LowPercent <= 0 {
		s.LowPercent = 20
	}
	if s.CriticalPercent <= 0 {
		s.CriticalPercent = 10
	}
	return s
}

// HasCredits reports whether the effective balance covers amount.
func (s *Service) HasCredits(l *model.License, amount int64) bool {
	return l.Remaining() >= amount
}

// UseCredits debits amount, monthly pool first and extra for the remainder,
// and appends the consume entry in the same transaction. A rejected debit
// changes nothing. Call it only after the metered work produced a billable
// result.
func (s *Service) UseCredits(ctx context.Context, licenseID, amount int64, ref model.Ref) (*Result, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.InvalidInput, "amount must be positive")
	}
	if ref.Type == "" {
		ref.Type = model.RefAPI
	}

	res, err := s.debit(ctx, licenseID, amount, model.EntryConsume, ref)
	if err != nil {
		return nil, err
	}
	if !res.Idempotent {
		metrics.CreditsTotal.WithLabelValues(string(model.EntryConsume)).Add(float64(amount))
	}
	return res, nil
}

// Adjust applies an admin correction: a positive delta lands in the extra
// pool, a negative one drains like a consume. Both are recorded as adjust.
func (s *Service) Adjust(ctx context.Context, licenseID, delta int64, ref model.Ref) (*Result, error) {
	if delta == 0 {
		return nil, apperr.New(apperr.InvalidInput, "delta must not be zero")
	}
	if ref.Type == "" {
		ref.Type = model.RefAdmin
	}
	if delta < 0 {
		return s.debit(ctx, licenseID, -delta, model.EntryAdjust, ref)
	}
	return s.credit(ctx, licenseID, delta, model.EntryAdjust, ref)
}

// GrantExtra adds non-expiring credits. A ref with an idempotency key (an
// order id) grants at most once.
func (s *Service) GrantExtra(ctx context.Context, licenseID, amount int64, ref model.Ref) (*Result, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.InvalidInput, "amount must be positive")
	}
	if ref.Type == "" {
		ref.Type = model.RefAdmin
	}
	return s.credit(ctx, licenseID, amount, model.EntryGrantExtra, ref)
}

func (s *Service) debit(ctx context.Context, licenseID, amount int64, typ model.EntryType, ref model.Ref) (*Result, error) {
	now := s.Now()
	var res *Result

	err := repository.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if done, err := s.replayed(ctx, tx, licenseID, ref); err != nil || done != nil {
			res = done
			return err
		}

		ok, err := s.licenses.Debit(ctx, tx, licenseID, amount, now)
		if err != nil {
			return fmt.Errorf("debit: %w", err)
		}
		l, err := s.licenses.GetByID(ctx, tx, licenseID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Newf(apperr.InsufficientCredits,
				"insufficient credits: %d requested, %d remaining", amount, l.Remaining()).
				With("requested", amount).
				With("remaining", l.Remaining())
		}

		res, err = s.record(ctx, tx, l, typ, -amount, ref, now)
		if err != nil {
			return err
		}
		res.Events, err = s.notifyIfLow(ctx, tx, l, now)
		return err
	})
	if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
		return s.replay(ctx, licenseID, ref)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) credit(ctx context.Context, licenseID, amount int64, typ model.EntryType, ref model.Ref) (*Result, error) {
	now := s.Now()
	var res *Result

	err := repository.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if done, err := s.replayed(ctx, tx, licenseID, ref); err != nil || done != nil {
			res = done
			return err
		}

		ok, err := s.licenses.AddExtra(ctx, tx, licenseID, amount, now)
		if err != nil {
			return fmt.Errorf("add extra: %w", err)
		}
		if !ok {
			return apperr.ErrNotFound
		}
		l, err := s.licenses.GetByID(ctx, tx, licenseID)
		if err != nil {
			return err
		}
		res, err = s.record(ctx, tx, l, typ, amount, ref, now)
		if err != nil {
			return err
		}
		return s.rearmNotify(ctx, tx, l, now)
	})
	if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
		return s.replay(ctx, licenseID, ref)
	}
	if err != nil {
		return nil, err
	}
	if !res.Idempotent {
		metrics.CreditsTotal.WithLabelValues(string(typ)).Add(float64(amount))
	}
	return res, nil
}

// replayed returns the current balance when ref's idempotency key was
// already recorded, nil otherwise.
func (s *Service) replayed(ctx context.Context, tx *sqlx.Tx, licenseID int64, ref model.Ref) (*Result, error) {
	if ref.IdempotencyKey == "" {
		return nil, nil
	}
	exists, err := s.ledger.ExistsByIdem(ctx, tx, ref.IdempotencyKey)
	if err != nil || !exists {
		return nil, err
	}
	l, err := s.licenses.GetByID(ctx, tx, licenseID)
	if err != nil {
		return nil, err
	}
	return &Result{
		LicenseID:  l.ID,
		Balance:    l.Remaining(),
		Monthly:    l.CreditsMonthly,
		Extra:      l.CreditsExtra,
		Idempotent: true,
	}, nil
}

// replay answers a request whose idempotency key was committed by a
// concurrent request between the existence check and the ledger insert.
func (s *Service) replay(ctx context.Context, licenseID int64, ref model.Ref) (*Result, error) {
	var res *Result
	err := repository.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		res, err = s.replayed(ctx, tx, licenseID, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("replay %q: %w", ref.IdempotencyKey, repository.ErrDuplicateIdempotencyKey)
	}
	return res, nil
}

// record appends the ledger entry for a mutation already applied to l.
func (s *Service) record(ctx context.Context, tx *sqlx.Tx, l *model.License, typ model.EntryType, amount int64, ref model.Ref, now time.Time) (*Result, error) {
	entry := model.LedgerEntry{
		LicenseKey:   l.Key,
		Type:         typ,
		Amount:       amount,
		BalanceAfter: l.Remaining(),
		RefType:      ref.Type,
		RefID:        ref.ID,
		Note:         ref.Note,
		CreatedAt:    model.At(now),
	}
	if ref.IdempotencyKey != "" {
		entry.IdempotencyKey = &ref.IdempotencyKey
	}
	if err := s.ledger.Append(ctx, tx, &entry); err != nil {
		return nil, fmt.Errorf("append ledger: %w", err)
	}
	if err := s.outbox.Ledger(ctx, tx, &entry); err != nil {
		return nil, fmt.Errorf("outbox ledger: %w", err)
	}
	return &Result{
		LicenseID: l.ID,
		Balance:   l.Remaining(),
		Monthly:   l.CreditsMonthly,
		Extra:     l.CreditsExtra,
		Entry:     entry,
	}, nil
}

// notifyIfLow emits CreditsLow/CreditsDepleted the first time a license
// crosses into the critical or depleted band in the current period.
func (s *Service) notifyIfLow(ctx context.Context, tx *sqlx.Tx, l *model.License, now time.Time) ([]events.Event, error) {
	info := s.InfoAt(l, now)

	var (
		level model.NotifyLevel
		typ   events.Type
	)
	switch info.Status {
	case StatusDepleted:
		level, typ = model.NotifyDepleted, events.CreditsDepleted
	case StatusCritical:
		level, typ = model.NotifyCritical, events.CreditsLow
	default:
		return nil, nil
	}

	bumped, err := s.licenses.BumpNotified(ctx, tx, l.ID, level)
	if err != nil || !bumped {
		return nil, err
	}

	ev := events.New(typ, l, now, map[string]any{
		"credits_remaining": info.Remaining,
		"credits_total":     info.Total,
		"percentage":        info.Percentage,
		"status":            info.Status,
	})
	if err := s.outbox.Emit(ctx, tx, ev); err != nil {
		return nil, err
	}
	return []events.Event{ev}, nil
}

// rearmNotify lowers the notification marker after a refill so that the
// next drop into the critical or depleted band notifies again.
func (s *Service) rearmNotify(ctx context.Context, tx *sqlx.Tx, l *model.License, now time.Time) error {
	level := model.NotifyNone
	if s.InfoAt(l, now).Status == StatusCritical {
		level = model.NotifyCritical
	}
	return s.licenses.LowerNotified(ctx, tx, l.ID, level)
}

// Info derives the credit view of l at the current time.
func (s *Service) Info(l *model.License) Info {
	return s.InfoAt(l, s.Now())
}

func (s *Service) InfoAt(l *model.License, now time.Time) Info {
	remaining := l.Remaining()
	info := Info{
		Remaining:     remaining,
		Total:         l.CreditsTotal,
		Used:          l.CreditsUsedMonth,
		Monthly:       l.CreditsMonthly,
		Extra:         l.CreditsExtra,
		NextResetDate: l.CreditsResetDate,
	}

	switch {
	case l.CreditsTotal > 0:
		pct := float64(remaining) / float64(l.CreditsTotal) * 100
		info.Percentage = math.Min(100, math.Round(pct*10)/10)
	case remaining > 0:
		info.Percentage = 100
	}

	switch {
	case remaining <= 0:
		info.Status = StatusDepleted
	case info.Percentage <= s.CriticalPercent:
		info.Status = StatusCritical
	case info.Percentage <= s.LowPercent:
		info.Status = StatusLow
	default:
		info.Status = StatusOK
	}

	if l.CreditsResetDate != nil {
		days := int(math.Ceil(l.CreditsResetDate.Sub(now).Hours() / 24))
		if days < 0 {
			days = 0
		}
		info.DaysUntilReset = &days
	}
	return info
}
