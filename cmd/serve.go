package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/app"
	"github.com/jmehdipour/licensing-gateway/internal/db"
	httpSrv "github.com/jmehdipour/licensing-gateway/internal/http"
	"github.com/jmehdipour/licensing-gateway/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := boot()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		a, closeApp, err := app.Open(cfg, log)
		if err != nil {
			return err
		}
		defer closeApp()

		deps := httpSrv.Deps{
			Licensing:      a.Licensing,
			Credits:        a.Credits,
			Plans:          a.Plans,
			Gateway:        a.Gateway(),
			GatewayLimiter: a.GatewayLimiter,
			LicenseLimiter: a.LicenseLimiter,
			Log:            log.Named("http"),
		}

		if strings.TrimSpace(cfg.ClickHouse.DSN) != "" {
			chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			defer func() { _ = chDB.Close() }()
			deps.Usage = repository.NewCHUsageRepository(chDB)
		}

		server := httpSrv.NewServer(cfg, deps)

		errCh := make(chan error, 1)
		go func() {
			log.Info("starting http", zap.String("addr", cfg.HTTP.Addr))
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil {
				log.Error("http server exited", zap.Error(err))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		return nil
	},
}
