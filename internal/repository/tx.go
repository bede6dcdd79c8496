package repository

import (
	"context"

	"github.com/jmehdipour/licensing-gateway/internal/db"
	"github.com/jmoiron/sqlx"
)

// WithTx runs fn inside a new transaction, committing on nil error.
// fn must only use the given tx: the embedded SQLite pool holds a single
// connection, so touching the *sqlx.DB from inside fn would block forever.
func WithTx(ctx context.Context, dbx *sqlx.DB, fn func(*sqlx.Tx) error) error {
	t, err := dbx.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()

	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

// insertIgnore returns the driver's "insert unless the unique key exists"
// prefix.
func insertIgnore(q sqlx.ExtContext) string {
	if q.DriverName() == db.DriverSQLite {
		return "INSERT OR IGNORE INTO"
	}
	return "INSERT IGNORE INTO"
}

// forUpdate returns the row-lock suffix. SQLite serializes writers at the
// database level and has no row locks.
func forUpdate(q sqlx.ExtContext) string {
	if q.DriverName() == db.DriverSQLite {
		return ""
	}
	return " FOR UPDATE"
}
