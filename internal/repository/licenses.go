package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

const licenseColumns = `
	id, license_key, status, variant_slug, email,
	credits_total, credits_monthly, credits_extra, credits_used_month,
	credits_reset_date, expires_at, activation_limit, activation_count,
	site_url, site_unlock_at, notified_level, order_ref, created_at, updated_at`

// PlanState is the part of a license row the plan reconciler conditions its
// compare-and-swap on.
type PlanState struct {
	VariantSlug    string
	CreditsMonthly int64
	CreditsExtra   int64
}

// PlanChange is the new plan state written by ApplyPlan.
type PlanChange struct {
	VariantSlug     string
	CreditsTotal    int64
	CreditsMonthly  int64
	CreditsExtra    int64
	ActivationLimit int
	ResetDate       *model.UnixTime
}

// LicensesRepository persists licenses. Every balance and activation-count
// mutation is a single conditional UPDATE; a false result means the
// precondition did not hold and nothing changed.
type LicensesRepository interface {
	GetByKey(ctx context.Context, q sqlx.ExtContext, key string) (*model.License, error)
	GetByID(ctx context.Context, q sqlx.ExtContext, id int64) (*model.License, error)
	GetByOrderRef(ctx context.Context, q sqlx.ExtContext, orderRef string) (*model.License, error)
	LockByKey(ctx context.Context, tx *sqlx.Tx, key string) (*model.License, error)
	LockByID(ctx context.Context, tx *sqlx.Tx, id int64) (*model.License, error)
	Insert(ctx context.Context, tx *sqlx.Tx, l *model.License) (int64, error)

	Debit(ctx context.Context, tx *sqlx.Tx, id, amount int64, now time.Time) (bool, error)
	AddExtra(ctx context.Context, tx *sqlx.Tx, id, amount int64, now time.Time) (bool, error)
	ResetMonthly(ctx context.Context, tx *sqlx.Tx, id int64, now time.Time, next *model.UnixTime) (bool, error)
	ApplyPlan(ctx context.Context, tx *sqlx.Tx, id int64, expect PlanState, change PlanChange, now time.Time) (bool, error)
	BumpNotified(ctx context.Context, tx *sqlx.Tx, id int64, level model.NotifyLevel) (bool, error)
	LowerNotified(ctx context.Context, tx *sqlx.Tx, id int64, level model.NotifyLevel) error

	ClaimSlot(ctx context.Context, tx *sqlx.Tx, id int64, siteURL string, now time.Time) (bool, error)
	ReleaseSlot(ctx context.Context, tx *sqlx.Tx, id int64, siteURL string, now time.Time) error
	ClearSite(ctx context.Context, tx *sqlx.Tx, id int64, now, lastUnlockBefore time.Time) (bool, error)
	BindSite(ctx context.Context, tx *sqlx.Tx, id int64, siteURL string, count int, now time.Time) error

	SetStatus(ctx context.Context, tx *sqlx.Tx, id int64, status model.LicenseStatus, now time.Time) (bool, error)
	ExpireDue(ctx context.Context, q sqlx.ExtContext, now time.Time) (int64, error)
	ListResetDue(ctx context.Context, q sqlx.ExtContext, now time.Time, limit int) ([]int64, error)
}

type licensesRepo struct{}

func NewLicensesRepository() LicensesRepository { return &licensesRepo{} }

var _ LicensesRepository = (*licensesRepo)(nil)

func (r *licensesRepo) get(ctx context.Context, q sqlx.ExtContext, where, suffix string, arg any) (*model.License, error) {
	var l model.License
	err := sqlx.GetContext(ctx, q, &l, `SELECT `+licenseColumns+` FROM licenses WHERE `+where+` LIMIT 1`+suffix, arg)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetByKey looks a license up by key. A miss is apperr.ErrInvalidLicense.
func (r *licensesRepo) GetByKey(ctx context.Context, q sqlx.ExtContext, key string) (*model.License, error) {
	l, err := r.get(ctx, q, "license_key = ?", "", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrInvalidLicense
	}
	return l, err
}

// GetByID looks a license up by id. A miss is apperr.ErrNotFound.
func (r *licensesRepo) GetByID(ctx context.Context, q sqlx.ExtContext, id int64) (*model.License, error) {
	l, err := r.get(ctx, q, "id = ?", "", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return l, err
}

// GetByOrderRef finds the license provisioned for an order. A miss is
// apperr.ErrNotFound.
func (r *licensesRepo) GetByOrderRef(ctx context.Context, q sqlx.ExtContext, orderRef string) (*model.License, error) {
	l, err := r.get(ctx, q, "order_ref = ?", "", orderRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return l, err
}

func (r *licensesRepo) LockByKey(ctx context.Context, tx *sqlx.Tx, key string) (*model.License, error) {
	l, err := r.get(ctx, tx, "license_key = ?", forUpdate(tx), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrInvalidLicense
	}
	return l, err
}

func (r *licensesRepo) LockByID(ctx context.Context, tx *sqlx.Tx, id int64) (*model.License, error) {
	l, err := r.get(ctx, tx, "id = ?", forUpdate(tx), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return l, err
}

func (r *licensesRepo) Insert(ctx context.Context, tx *sqlx.Tx, l *model.License) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO licenses
		    (license_key, status, variant_slug, email,
		     credits_total, credits_monthly, credits_extra, credits_used_month,
		     credits_reset_date, expires_at, activation_limit, activation_count,
		     notified_level, order_ref, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, 0, 0, ?, ?, ?)
	`, l.Key, l.Status, l.VariantSlug, l.Email,
		l.CreditsTotal, l.CreditsMonthly, l.CreditsExtra,
		l.CreditsResetDate, l.ExpiresAt, l.ActivationLimit,
		l.OrderRef, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Debit draws amount from the monthly pool first and the extra pool for the
// remainder, in one statement guarded by the effective balance. Assignments
// are ordered so credits_monthly is written last: MySQL evaluates SET
// left to right against already-assigned values, SQLite against the old
// row, and both then read the same pre-debit monthly balance.
func (r *licensesRepo) Debit(ctx context.Context, tx *sqlx.Tx, id, amount int64, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE licenses
		SET credits_extra = CASE WHEN credits_monthly >= ? THEN credits_extra
		                         ELSE credits_extra - (? - credits_monthly) END,
		    credits_used_month = credits_used_month +
		                         CASE WHEN credits_monthly >= ? THEN ? ELSE credits_monthly END,
		    credits_monthly = CASE WHEN credits_monthly >= ? THEN credits_monthly - ? ELSE 0 END,
		    updated_at = ?
		WHERE id = ? AND credits_monthly + credits_extra >= ?
	`, amount, amount, amount, amount, amount, amount, model.At(now), id, amount)
	return affectedOne(res, err)
}

func (r *licensesRepo) AddExtra(ctx context.Context, tx *sqlx.Tx, id, amount int64, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE licenses
		SET credits_extra = credits_extra + ?, updated_at = ?
		WHERE id = ?
	`, amount, model.At(now), id)
	return affectedOne(res, err)
}

// ResetMonthly refills the monthly pool. The reset-date predicate makes a
// repeated or concurrent sweep a no-op.
func (r *licensesRepo) ResetMonthly(ctx context.Context, tx *sqlx.Tx, id int64, now time.Time, next *model.UnixTime) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE licenses
		SET credits_monthly = credits_total,
		    credits_used_month = 0,
		    notified_level = 0,
		    credits_reset_date = ?,
		    updated_at = ?
		WHERE id = ? AND credits_reset_date IS NOT NULL AND credits_reset_date <= ?
	`, next, model.At(now), id, model.At(now))
	return affectedOne(res, err)
}

func (r *licensesRepo) ApplyPlan(ctx context.Context, tx *sqlx.Tx, id int64, expect PlanState, change PlanChange, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE licenses
		SET variant_slug = ?,
		    credits_total = ?,
		    credits_monthly = ?,
		    credits_extra = ?,
		    activation_limit = CASE WHEN activation_limit >= ? THEN activation_limit ELSE ? END,
		    credits_reset_date = ?,
		    notified_level = 0,
		    updated_at = ?
		WHERE id = ? AND variant_slug = ? AND credits_monthly = ? AND credits_extra = ?
	`, change.VariantSlug, change.CreditsTotal, change.CreditsMonthly, change.CreditsExtra,
		change.ActivationLimit, change.ActivationLimit, change.ResetDate, model.At(now),
		id, expect.VariantSlug, expect.CreditsMonthly, expect.CreditsExtra)
	return affectedOne(res, err)
}

// BumpNotified raises notified_level to level unless it is already there.
func (r *licensesRepo) BumpNotified(ctx context.Context, tx *sqlx.Tx, id int64, level model.NotifyLevel) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE licenses SET notified_level = ? WHERE id = ? AND notified_level < ?
	`, level, id, level)
	return affectedOne(res, err)
}

// LowerNotified drops notified_level to level when it is above it, so the
// next crossing into a band notifies again.
func (r *licensesRepo) LowerNotified(ctx context.Context, tx *sqlx.Tx, id int64, level model.NotifyLevel) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE licenses SET notified_level = ? WHERE id = ? AND notified_level > ?
	`, level, id, level)
	return err
}

// ClaimSlot takes one activation slot if one is free.
func (r *licensesRepo) ClaimSlot(ctx context.Context, tx *sqlx.Tx, id int64, siteURL string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE licenses
		SET activation_count = activation_count + 1, site_url = ?, updated_at = ?
		WHERE id = ? AND activation_count < activation_limit
	`, siteURL, model.At(now), id)
	return affectedOne(res, err)
}

// ReleaseSlot frees one activation slot, floored at zero, and clears the
// bound site if it was siteURL.
func (r *licensesRepo) ReleaseSlot(ctx context.Context, tx *sqlx.Tx, id int64, siteURL string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE licenses
		SET activation_count = CASE WHEN activation_count > 0 THEN activation_count - 1 ELSE 0 END,
		    site_url = CASE WHEN site_url = ? THEN NULL ELSE site_url END,
		    updated_at = ?
		WHERE id = ?
	`, siteURL, model.At(now), id)
	return err
}

// ClearSite is the forced unlock: it frees every slot and stamps
// site_unlock_at, but only if the previous unlock happened before
// lastUnlockBefore.
func (r *licensesRepo) ClearSite(ctx context.Context, tx *sqlx.Tx, id int64, now, lastUnlockBefore time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE licenses
		SET site_url = NULL, activation_count = 0, site_unlock_at = ?, updated_at = ?
		WHERE id = ? AND (site_unlock_at IS NULL OR site_unlock_at <= ?)
	`, model.At(now), model.At(now), id, model.At(lastUnlockBefore))
	return affectedOne(res, err)
}

func (r *licensesRepo) BindSite(ctx context.Context, tx *sqlx.Tx, id int64, siteURL string, count int, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE licenses SET site_url = ?, activation_count = ?, updated_at = ? WHERE id = ?
	`, siteURL, count, model.At(now), id)
	return err
}

func (r *licensesRepo) SetStatus(ctx context.Context, tx *sqlx.Tx, id int64, status model.LicenseStatus, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE licenses SET status = ?, updated_at = ? WHERE id = ?
	`, status, model.At(now), id)
	return affectedOne(res, err)
}

// ExpireDue flips active licenses past their expiry to expired.
func (r *licensesRepo) ExpireDue(ctx context.Context, q sqlx.ExtContext, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE licenses SET status = ?, updated_at = ?
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
	`, model.LicenseExpired, model.At(now), model.LicenseActive, model.At(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *licensesRepo) ListResetDue(ctx context.Context, q sqlx.ExtContext, now time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 500
	}
	var ids []int64
	err := sqlx.SelectContext(ctx, q, &ids, `
		SELECT id FROM licenses
		WHERE status = ? AND credits_reset_date IS NOT NULL AND credits_reset_date <= ?
		ORDER BY id LIMIT ?
	`, model.LicenseActive, model.At(now), limit)
	return ids, err
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
