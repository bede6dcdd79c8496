package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/licensing-gateway/internal/app"
	"github.com/jmehdipour/licensing-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the credit reset, expiry and rate-limit cleanup sweeps",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := boot(cmd)
		if err != nil {
			return err
		}
		a, closeApp, err := app.Open(cfg, log)
		if err != nil {
			return err
		}
		defer closeApp()

		s := worker.NewScheduler(a.Credits, a.Licensing, a.Limiters(), log.Named("scheduler"))
		if cfg.Scheduler.Interval > 0 {
			s.Interval = cfg.Scheduler.Interval
		}
		if cfg.Scheduler.CleanupInterval > 0 {
			s.CleanupInterval = cfg.Scheduler.CleanupInterval
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("scheduler started",
			zap.Duration("interval", s.Interval),
			zap.Duration("cleanup_interval", s.CleanupInterval))
		return s.Run(ctx)
	},
}
