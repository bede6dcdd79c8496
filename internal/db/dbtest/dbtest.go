// Package dbtest opens throwaway migrated databases for package tests.
package dbtest

import (
	"context"
	"testing"

	"github.com/jmehdipour/licensing-gateway/internal/db"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// NewSQLite returns a migrated in-memory SQLite database closed at test end.
func NewSQLite(t testing.TB) *sqlx.DB {
	t.Helper()

	dbx, err := db.NewSQLiteConnection(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbx.Close() })

	require.NoError(t, db.Migrate(context.Background(), dbx))
	return dbx
}
