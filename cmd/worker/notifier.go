package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/licensing-gateway/internal/kafka"
	"github.com/jmehdipour/licensing-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var notifierCmd = &cobra.Command{
	Use:   "notifier",
	Short: "Consume notification events and deliver them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := boot(cmd)
		if err != nil {
			return err
		}
		topic := cfg.Kafka.NotificationTopic
		if len(cfg.Kafka.Brokers) == 0 || topic == "" {
			return fmt.Errorf("kafka.brokers and kafka.notification_topic are required")
		}

		consumer := kafka.NewConsumer(cfg.Kafka, topic)
		defer consumer.Close()

		w := worker.NewNotifierWorker(consumer, worker.NewLogNotifier(log.Named("notify")), log.Named("notifier"))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("notifier started", zap.String("topic", topic), zap.String("group", cfg.Kafka.GroupID))
		return w.Run(ctx)
	},
}
