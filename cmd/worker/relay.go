package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/licensing-gateway/internal/db"
	"github.com/jmehdipour/licensing-gateway/internal/kafka"
	"github.com/jmehdipour/licensing-gateway/internal/repository"
	"github.com/jmehdipour/licensing-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish committed outbox events to Kafka",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := boot(cmd)
		if err != nil {
			return err
		}
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is empty")
		}

		dbx, err := db.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("%s connect: %w", cfg.Database.Driver, err)
		}
		defer dbx.Close()

		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()

		r := worker.NewRelay(dbx, repository.NewOutboxRepository(), producer, log.Named("relay"))
		if cfg.Scheduler.RelayInterval > 0 {
			r.Interval = cfg.Scheduler.RelayInterval
		}
		if cfg.Scheduler.RelayBatch > 0 {
			r.Batch = cfg.Scheduler.RelayBatch
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("relay started",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.Duration("interval", r.Interval),
			zap.Int("batch", r.Batch))
		return r.Run(ctx)
	},
}
