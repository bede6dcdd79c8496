// Package plans holds the plan catalog and the reconciler that moves a
// license between plans.
package plans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/events"
	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmehdipour/licensing-gateway/internal/repository"
	"github.com/jmehdipour/licensing-gateway/internal/service/credits"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const casAttempts = 5

var errConflict = errors.New("license changed concurrently")

// ChangeResult is the outcome of an executed plan change.
type ChangeResult struct {
	Preview    Preview           `json:"preview"`
	Entry      model.LedgerEntry `json:"entry"`
	Events     []events.Event    `json:"-"`
	Idempotent bool              `json:"idempotent"`
}

type Reconciler struct {
	db       *sqlx.DB
	catalog  *Catalog
	licenses repository.LicensesRepository
	ledger   repository.LedgerRepository
	outbox   *events.Outbox
	credits  *credits.Service
	log      *zap.Logger

	Now func() time.Time
}

func NewReconciler(
	db *sqlx.DB,
	catalog *Catalog,
	licenses repository.LicensesRepository,
	ledger repository.LedgerRepository,
	outbox *events.Outbox,
	creditsSvc *credits.Service,
	log *zap.Logger,
) *Reconciler {
	return &Reconciler{
		db:       db,
		catalog:  catalog,
		licenses: licenses,
		ledger:   ledger,
		outbox:   outbox,
		credits:  creditsSvc,
		log:      log,
		Now:      time.Now,
	}
}

func (r *Reconciler) Catalog() *Catalog { return r.catalog }

// Preview computes the effect of moving l to targetSlug without mutating.
func (r *Reconciler) Preview(l *model.License, targetSlug string) (Preview, error) {
	target, err := r.catalog.Get(targetSlug)
	if err != nil {
		return Preview{}, err
	}
	if target.Addon {
		current, _ := r.catalog.Lookup(l.VariantSlug)
		return Preview{
			CurrentPlan:      l.VariantSlug,
			TargetPlan:       target.Slug,
			CurrentTotal:     l.CreditsTotal,
			TargetTotal:      l.CreditsTotal,
			CurrentRemaining: l.Remaining(),
			CreditsDiff:      target.Credits,
			NewRemaining:     l.Remaining() + target.Credits,
			PriceDiff:        target.Price,
			IsUpgrade:        true,
			RequiresPayment:  target.Price > 0,
			ActivationLimit:  max(l.ActivationLimit, current.Activations),
			NewMonthly:       l.CreditsMonthly,
			NewExtra:         l.CreditsExtra + target.Credits,
		}, nil
	}
	if target.Slug == l.VariantSlug {
		return Preview{}, apperr.Newf(apperr.InvalidInput, "license is already on plan %q", target.Slug)
	}
	current, _ := r.catalog.Lookup(l.VariantSlug)
	return ComputePreview(l, current, target), nil
}

// Change is the client-facing flow: free changes execute immediately once
// confirmed, anything with a positive price difference is rejected with
// payment_required and nothing is mutated.
func (r *Reconciler) Change(ctx context.Context, l *model.License, targetSlug string, confirm bool) (*ChangeResult, error) {
	p, err := r.Preview(l, targetSlug)
	if err != nil {
		return nil, err
	}
	if p.RequiresPayment {
		return nil, apperr.Newf(apperr.PaymentRequired, "changing to %q requires a payment of %.2f", p.TargetPlan, p.PriceDiff).
			With("payment_amount", p.PriceDiff).
			With("preview", p)
	}
	if !confirm {
		return nil, apperr.New(apperr.InvalidInput, "confirmation required").With("preview", p)
	}
	return r.Execute(ctx, l.ID, targetSlug, model.Ref{Type: model.RefAPI, ID: l.Key})
}

// Execute moves a license to targetSlug. The write is a compare-and-swap on
// the plan and both pools as read, retried when another writer got in
// between. Add-on packs are granted to the extra pool instead.
func (r *Reconciler) Execute(ctx context.Context, licenseID int64, targetSlug string, ref model.Ref) (*ChangeResult, error) {
	target, err := r.catalog.Get(targetSlug)
	if err != nil {
		return nil, err
	}
	if target.Addon {
		return r.grantAddon(ctx, licenseID, target, ref)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		res, err := r.executeOnce(ctx, licenseID, target, ref)
		if errors.Is(err, errConflict) {
			r.log.Debug("plan change conflict, retrying",
				zap.Int64("license_id", licenseID), zap.Int("attempt", attempt+1))
			continue
		}
		return res, err
	}
	return nil, fmt.Errorf("plan change: %w after %d attempts", errConflict, casAttempts)
}

func (r *Reconciler) executeOnce(ctx context.Context, licenseID int64, target model.Plan, ref model.Ref) (*ChangeResult, error) {
	now := r.Now()
	var res *ChangeResult

	err := repository.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if ref.IdempotencyKey != "" {
			exists, err := r.ledger.ExistsByIdem(ctx, tx, ref.IdempotencyKey)
			if err != nil {
				return err
			}
			if exists {
				res = &ChangeResult{Idempotent: true}
				return nil
			}
		}

		l, err := r.licenses.GetByID(ctx, tx, licenseID)
		if err != nil {
			return err
		}
		if l.VariantSlug == target.Slug {
			return apperr.Newf(apperr.InvalidInput, "license is already on plan %q", target.Slug)
		}
		current, _ := r.catalog.Lookup(l.VariantSlug)
		p := ComputePreview(l, current, target)

		resetDate := l.CreditsResetDate
		switch {
		case target.Period == model.PeriodOnce:
			resetDate = nil
		case resetDate == nil:
			resetDate = target.Period.Next(now)
		}

		ok, err := r.licenses.ApplyPlan(ctx, tx, l.ID,
			repository.PlanState{
				VariantSlug:    l.VariantSlug,
				CreditsMonthly: l.CreditsMonthly,
				CreditsExtra:   l.CreditsExtra,
			},
			repository.PlanChange{
				VariantSlug:     target.Slug,
				CreditsTotal:    target.Credits,
				CreditsMonthly:  p.NewMonthly,
				CreditsExtra:    p.NewExtra,
				ActivationLimit: target.Activations,
				ResetDate:       resetDate,
			}, now)
		if err != nil {
			return fmt.Errorf("apply plan: %w", err)
		}
		if !ok {
			return errConflict
		}

		typ := model.EntryDowngrade
		if p.IsUpgrade {
			typ = model.EntryUpgrade
		}
		entry := model.LedgerEntry{
			LicenseKey:   l.Key,
			Type:         typ,
			Amount:       p.Delta(),
			BalanceAfter: p.NewRemaining,
			RefType:      ref.Type,
			RefID:        ref.ID,
			Note:         fmt.Sprintf("%s: %s -> %s", typ, l.VariantSlug, target.Slug),
			CreatedAt:    model.At(now),
		}
		if ref.Note != "" {
			entry.Note = ref.Note
		}
		if ref.IdempotencyKey != "" {
			entry.IdempotencyKey = &ref.IdempotencyKey
		}
		if err := r.ledger.Append(ctx, tx, &entry); err != nil {
			return fmt.Errorf("append ledger: %w", err)
		}
		if err := r.outbox.Ledger(ctx, tx, &entry); err != nil {
			return err
		}

		ev := events.New(events.PlanChanged, l, now, map[string]any{
			"from":              l.VariantSlug,
			"to":                target.Slug,
			"is_upgrade":        p.IsUpgrade,
			"credits_remaining": p.NewRemaining,
			"activation_limit":  p.ActivationLimit,
		})
		if err := r.outbox.Emit(ctx, tx, ev); err != nil {
			return err
		}

		res = &ChangeResult{Preview: p, Entry: entry, Events: []events.Event{ev}}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Reconciler) grantAddon(ctx context.Context, licenseID int64, addon model.Plan, ref model.Ref) (*ChangeResult, error) {
	if ref.Note == "" {
		ref.Note = "add-on " + addon.Slug
	}
	g, err := r.credits.GrantExtra(ctx, licenseID, addon.Credits, ref)
	if err != nil {
		return nil, err
	}
	return &ChangeResult{
		Preview: Preview{
			TargetPlan:   addon.Slug,
			CreditsDiff:  addon.Credits,
			NewRemaining: g.Balance,
			NewMonthly:   g.Monthly,
			NewExtra:     g.Extra,
			IsUpgrade:    true,
		},
		Entry:      g.Entry,
		Idempotent: g.Idempotent,
	}, nil
}
