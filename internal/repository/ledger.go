package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/db"
	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// LedgerRepository is the append-only ledger_entries table. Entries are
// never updated or deleted.
type LedgerRepository interface {
	ExistsByIdem(ctx context.Context, tx *sqlx.Tx, idem string) (bool, error)
	Append(ctx context.Context, tx *sqlx.Tx, e *model.LedgerEntry) error
	ListByLicense(ctx context.Context, q sqlx.ExtContext, licenseKey string, limit, offset int) ([]model.LedgerEntry, error)
	Stats(ctx context.Context, q sqlx.ExtContext, licenseKey string, since time.Time) (LedgerStats, error)
	Sum(ctx context.Context, q sqlx.ExtContext, licenseKey string) (int64, error)
}

// LedgerStats aggregates a license's ledger over a period.
type LedgerStats struct {
	TotalUsed        int64 `db:"total_used"        json:"total_used"`
	TotalAdded       int64 `db:"total_added"       json:"total_added"`
	TransactionCount int64 `db:"transaction_count" json:"transaction_count"`
}

type ledgerRepo struct{}

func NewLedgerRepository() LedgerRepository { return &ledgerRepo{} }

// ExistsByIdem checks if a ledger row with the given idempotency key already exists.
func (r *ledgerRepo) ExistsByIdem(ctx context.Context, tx *sqlx.Tx, idem string) (bool, error) {
	var one int
	err := tx.QueryRowxContext(ctx,
		`SELECT 1 FROM ledger_entries WHERE idempotency_key = ? LIMIT 1`, idem,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ErrDuplicateIdempotencyKey is returned by Append when another transaction
// already recorded the entry's idempotency key.
var ErrDuplicateIdempotencyKey = errors.New("ledger: duplicate idempotency key")

// Append writes e and fills in its id. A duplicate idempotency key fails
// the insert with ErrDuplicateIdempotencyKey; the caller's tx must roll back.
func (r *ledgerRepo) Append(ctx context.Context, tx *sqlx.Tx, e *model.LedgerEntry) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
		    (license_key, type, amount, balance_after, ref_type, ref_id, note, idempotency_key, created_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.LicenseKey, e.Type, e.Amount, e.BalanceAfter, e.RefType, e.RefID, e.Note, e.IdempotencyKey, e.CreatedAt)
	if err != nil {
		if e.IdempotencyKey != nil && db.IsDuplicateKey(err) {
			return ErrDuplicateIdempotencyKey
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

// ListByLicense returns entries newest first. Ties on created_at are broken
// by id so pagination is stable.
func (r *ledgerRepo) ListByLicense(ctx context.Context, q sqlx.ExtContext, licenseKey string, limit, offset int) ([]model.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var rows []model.LedgerEntry
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT id, license_key, type, amount, balance_after, ref_type, ref_id, note, idempotency_key, created_at
		FROM ledger_entries
		WHERE license_key = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, licenseKey, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ledgerRepo) Stats(ctx context.Context, q sqlx.ExtContext, licenseKey string, since time.Time) (LedgerStats, error) {
	var st LedgerStats
	err := sqlx.GetContext(ctx, q, &st, `
		SELECT
		    COALESCE(SUM(CASE WHEN type = ? THEN -amount ELSE 0 END), 0) AS total_used,
		    COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0) AS total_added,
		    COALESCE(SUM(CASE WHEN type = ? THEN 1 ELSE 0 END), 0) AS transaction_count
		FROM ledger_entries
		WHERE license_key = ? AND created_at >= ?
	`, model.EntryConsume, model.EntryConsume, licenseKey, model.At(since))
	return st, err
}

// Sum replays the ledger: the sum of every amount for a license.
func (r *ledgerRepo) Sum(ctx context.Context, q sqlx.ExtContext, licenseKey string) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, q, &n, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE license_key = ?
	`, licenseKey)
	return n, err
}
