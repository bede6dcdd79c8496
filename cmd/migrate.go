package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmehdipour/licensing-gateway/internal/db"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var withClickHouse bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the schema to the primary store (and optionally ClickHouse)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := boot()
		if err != nil {
			return err
		}

		dbx, err := db.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer dbx.Close()

		ctx := context.Background()
		if err := db.Migrate(ctx, dbx); err != nil {
			return fmt.Errorf("migrate %s: %w", dbx.DriverName(), err)
		}
		log.Info("migration complete", zap.String("driver", dbx.DriverName()))

		if !withClickHouse {
			return nil
		}
		if strings.TrimSpace(cfg.ClickHouse.DSN) == "" {
			return fmt.Errorf("--clickhouse needs clickhouse.dsn")
		}
		ch, err := db.NewClickHouseConnection(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer ch.Close()
		if err := db.MigrateClickHouse(ctx, ch); err != nil {
			return fmt.Errorf("migrate clickhouse: %w", err)
		}
		log.Info("clickhouse migration complete")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&withClickHouse, "clickhouse", false, "also create the ClickHouse reporting tables")
}
