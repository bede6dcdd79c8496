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

const activationColumns = `
	id, license_id, site_url, site_name, activated_at, last_checked_at,
	is_active, client_version, runtime_version, requester_ip`

// ActivationsRepository persists (license, site) bindings. Rows are flagged
// inactive, never deleted.
type ActivationsRepository interface {
	GetBySite(ctx context.Context, q sqlx.ExtContext, licenseID int64, siteURL string) (*model.Activation, error)
	ListByLicense(ctx context.Context, q sqlx.ExtContext, licenseID int64, onlyActive bool) ([]model.Activation, error)
	CountActive(ctx context.Context, q sqlx.ExtContext, licenseID int64) (int, error)

	Touch(ctx context.Context, tx *sqlx.Tx, a *model.Activation, now time.Time) error
	InsertIgnore(ctx context.Context, tx *sqlx.Tx, a *model.Activation) (bool, error)
	Reactivate(ctx context.Context, tx *sqlx.Tx, a *model.Activation) (bool, error)
	Deactivate(ctx context.Context, tx *sqlx.Tx, licenseID int64, siteURL string) (bool, error)
	DeactivateAll(ctx context.Context, tx *sqlx.Tx, licenseID int64) (int64, error)
	Heartbeat(ctx context.Context, q sqlx.ExtContext, licenseID int64, siteURL string, v model.Versions, now time.Time) (bool, error)
}

type activationsRepo struct{}

func NewActivationsRepository() ActivationsRepository { return &activationsRepo{} }

// GetBySite returns the binding for (license, site), active or not.
// A miss is apperr.ErrNotFound.
func (r *activationsRepo) GetBySite(ctx context.Context, q sqlx.ExtContext, licenseID int64, siteURL string) (*model.Activation, error) {
	var a model.Activation
	err := sqlx.GetContext(ctx, q, &a, `
		SELECT `+activationColumns+`
		FROM activations
		WHERE license_id = ? AND site_url = ?
		LIMIT 1
	`, licenseID, siteURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *activationsRepo) ListByLicense(ctx context.Context, q sqlx.ExtContext, licenseID int64, onlyActive bool) ([]model.Activation, error) {
	query := `SELECT ` + activationColumns + ` FROM activations WHERE license_id = ?`
	if onlyActive {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY id`

	var rows []model.Activation
	if err := sqlx.SelectContext(ctx, q, &rows, query, licenseID); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *activationsRepo) CountActive(ctx context.Context, q sqlx.ExtContext, licenseID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n, `
		SELECT COUNT(*) FROM activations WHERE license_id = ? AND is_active = 1
	`, licenseID)
	return n, err
}

// Touch refreshes an already active binding on repeated activation.
func (r *activationsRepo) Touch(ctx context.Context, tx *sqlx.Tx, a *model.Activation, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE activations
		SET last_checked_at = ?, site_name = ?, client_version = ?, runtime_version = ?, requester_ip = ?
		WHERE id = ?
	`, model.At(now), a.SiteName, a.ClientVersion, a.RuntimeVersion, a.RequesterIP, a.ID)
	return err
}

// InsertIgnore inserts a new active binding; false means a row for
// (license, site) already exists.
func (r *activationsRepo) InsertIgnore(ctx context.Context, tx *sqlx.Tx, a *model.Activation) (bool, error) {
	res, err := tx.ExecContext(ctx, insertIgnore(tx)+` activations
		    (license_id, site_url, site_name, activated_at, last_checked_at,
		     is_active, client_version, runtime_version, requester_ip)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
	`, a.LicenseID, a.SiteURL, a.SiteName, a.ActivatedAt, a.LastCheckedAt,
		a.ClientVersion, a.RuntimeVersion, a.RequesterIP)
	return affectedOne(res, err)
}

// Reactivate flips an inactive binding back to active; false means the row
// is missing or already active.
func (r *activationsRepo) Reactivate(ctx context.Context, tx *sqlx.Tx, a *model.Activation) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE activations
		SET is_active = 1, activated_at = ?, last_checked_at = ?, site_name = ?,
		    client_version = ?, runtime_version = ?, requester_ip = ?
		WHERE license_id = ? AND site_url = ? AND is_active = 0
	`, a.ActivatedAt, a.LastCheckedAt, a.SiteName,
		a.ClientVersion, a.RuntimeVersion, a.RequesterIP, a.LicenseID, a.SiteURL)
	return affectedOne(res, err)
}

// Deactivate flags an active binding inactive; false means there was no
// active binding.
func (r *activationsRepo) Deactivate(ctx context.Context, tx *sqlx.Tx, licenseID int64, siteURL string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE activations SET is_active = 0
		WHERE license_id = ? AND site_url = ? AND is_active = 1
	`, licenseID, siteURL)
	return affectedOne(res, err)
}

func (r *activationsRepo) DeactivateAll(ctx context.Context, tx *sqlx.Tx, licenseID int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE activations SET is_active = 0 WHERE license_id = ? AND is_active = 1
	`, licenseID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *activationsRepo) Heartbeat(ctx context.Context, q sqlx.ExtContext, licenseID int64, siteURL string, v model.Versions, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE activations
		SET last_checked_at = ?,
		    client_version = CASE WHEN ? = '' THEN client_version ELSE ? END,
		    runtime_version = CASE WHEN ? = '' THEN runtime_version ELSE ? END
		WHERE license_id = ? AND site_url = ? AND is_active = 1
	`, model.At(now), v.Client, v.Client, v.Runtime, v.Runtime, licenseID, siteURL)
	return affectedOne(res, err)
}
