package db

import (
	"fmt"

	"github.com/jmehdipour/licensing-gateway/internal/config"
	"github.com/jmoiron/sqlx"
)

// Open connects to the primary store selected by cfg.Driver.
func Open(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	switch cfg.Driver {
	case "", DriverMySQL:
		return NewMySQLConnection(cfg.DSN, MySQLOpts{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			PingTimeout:     cfg.PingTimeout,
		})
	case DriverSQLite:
		return NewSQLiteConnection(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
