package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// RateLimitRepository persists fixed-window counters in rate_limit_windows.
// scope separates the key spaces of independent limiters sharing the table.
type RateLimitRepository interface {
	// Hit counts one request against the window unless it already holds
	// limit requests. It reports whether the request was admitted and the
	// window's count afterwards.
	Hit(ctx context.Context, q sqlx.ExtContext, w model.RateLimitWindow, limit int) (bool, int, error)
	Count(ctx context.Context, q sqlx.ExtContext, scope, identifier, endpoint string, windowStart time.Time) (int, error)
	Delete(ctx context.Context, q sqlx.ExtContext, scope, identifier, endpoint string) (int64, error)
	DeleteBefore(ctx context.Context, q sqlx.ExtContext, scope string, cutoff time.Time) (int64, error)
}

type rateLimitRepo struct{}

func NewRateLimitRepository() RateLimitRepository { return &rateLimitRepo{} }

// Hit is a conditional increment with an insert on first use. Losing the
// insert race to a concurrent first request falls back to the increment.
func (r *rateLimitRepo) Hit(ctx context.Context, q sqlx.ExtContext, w model.RateLimitWindow, limit int) (bool, int, error) {
	if limit <= 0 {
		return false, 0, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.increment(ctx, q, w, limit)
		if err != nil {
			return false, 0, err
		}
		if ok {
			n, err := r.Count(ctx, q, w.Scope, w.Identifier, w.Endpoint, w.WindowStart.Time)
			return true, n, err
		}

		if attempt > 0 {
			break
		}
		res, err := q.ExecContext(ctx, insertIgnore(q)+` rate_limit_windows
			    (scope, identifier, endpoint, request_count, window_start)
			VALUES (?, ?, ?, 1, ?)
		`, w.Scope, w.Identifier, w.Endpoint, w.WindowStart)
		inserted, err := affectedOne(res, err)
		if err != nil {
			return false, 0, err
		}
		if inserted {
			return true, 1, nil
		}
	}

	n, err := r.Count(ctx, q, w.Scope, w.Identifier, w.Endpoint, w.WindowStart.Time)
	return false, n, err
}

func (r *rateLimitRepo) increment(ctx context.Context, q sqlx.ExtContext, w model.RateLimitWindow, limit int) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE rate_limit_windows
		SET request_count = request_count + 1
		WHERE scope = ? AND identifier = ? AND endpoint = ? AND window_start = ? AND request_count < ?
	`, w.Scope, w.Identifier, w.Endpoint, w.WindowStart, limit)
	return affectedOne(res, err)
}

func (r *rateLimitRepo) Count(ctx context.Context, q sqlx.ExtContext, scope, identifier, endpoint string, windowStart time.Time) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n, `
		SELECT request_count FROM rate_limit_windows
		WHERE scope = ? AND identifier = ? AND endpoint = ? AND window_start = ?
	`, scope, identifier, endpoint, model.At(windowStart))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// Delete drops every window for identifier; an empty endpoint matches all
// endpoints.
func (r *rateLimitRepo) Delete(ctx context.Context, q sqlx.ExtContext, scope, identifier, endpoint string) (int64, error) {
	query := `DELETE FROM rate_limit_windows WHERE scope = ? AND identifier = ?`
	args := []any{scope, identifier}
	if endpoint != "" {
		query += ` AND endpoint = ?`
		args = append(args, endpoint)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *rateLimitRepo) DeleteBefore(ctx context.Context, q sqlx.ExtContext, scope string, cutoff time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM rate_limit_windows WHERE scope = ? AND window_start < ?
	`, scope, model.At(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
