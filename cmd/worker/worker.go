package worker

import (
	"fmt"

	"github.com/jmehdipour/licensing-gateway/internal/config"
	"github.com/jmehdipour/licensing-gateway/internal/logger"
	"github.com/jmehdipour/licensing-gateway/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	// attach subcommands
	cmd.AddCommand(schedulerCmd)
	cmd.AddCommand(relayCmd)
	cmd.AddCommand(notifierCmd)

	return cmd
}

func boot(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.Init(cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.MustRegister(prometheus.DefaultRegisterer)
	return cfg, log, nil
}
