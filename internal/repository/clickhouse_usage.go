package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// UsageRow is one day of ledger activity for a license.
type UsageRow struct {
	Day      time.Time `db:"day"      json:"day"`
	Consumed int64     `db:"consumed" json:"consumed"`
	Granted  int64     `db:"granted"  json:"granted"`
	Calls    uint64    `db:"calls"    json:"calls"`
}

// CHUsageRepository reads the ledger stream mirrored into ClickHouse.
type CHUsageRepository interface {
	DailyUsage(ctx context.Context, licenseKey string, from, to time.Time, limit int) ([]UsageRow, error)
}

type chUsageRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHUsageRepository(ch *sqlx.DB) CHUsageRepository {
	return &chUsageRepository{ch: ch}
}

func (r *chUsageRepository) DailyUsage(ctx context.Context, licenseKey string, from, to time.Time, limit int) ([]UsageRow, error) {
	if limit <= 0 || limit > 366 {
		limit = 31
	}

	q := `
		SELECT
		    toDate(created_at) AS day,
		    sumIf(-amount, type = 'consume') AS consumed,
		    sumIf(amount, amount > 0) AS granted,
		    countIf(type = 'consume') AS calls
		FROM licensing.ledger_entries
		WHERE license_key = ?
	`
	args := []any{licenseKey}

	if !from.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		q += " AND created_at < ?"
		args = append(args, to.UTC())
	}

	q += " GROUP BY day ORDER BY day DESC LIMIT ?"
	args = append(args, limit)

	var rows []UsageRow
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
