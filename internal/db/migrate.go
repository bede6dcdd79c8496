package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the bundled schema for the connection's driver. Every
// statement is idempotent (CREATE ... IF NOT EXISTS), so running it against
// an already-migrated database is a no-op.
func Migrate(ctx context.Context, dbx *sqlx.DB) error {
	return applyDir(ctx, dbx, "migrations/"+dbx.DriverName())
}

// MigrateClickHouse applies the reporting schema.
func MigrateClickHouse(ctx context.Context, ch *sqlx.DB) error {
	return applyDir(ctx, ch, "migrations/clickhouse")
}

func applyDir(ctx context.Context, dbx *sqlx.DB, dir string) error {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("read migrations %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		b, err := migrationsFS.ReadFile(dir + "/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		for _, stmt := range splitStatements(string(b)) {
			if _, err := dbx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration %s: %w", name, err)
			}
		}
	}
	return nil
}

// splitStatements splits a migration file on ';'. Migration files never
// contain semicolons inside string literals.
func splitStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
