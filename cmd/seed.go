package cmd

import (
	"context"
	"fmt"

	"github.com/jmehdipour/licensing-gateway/internal/app"
	"github.com/jmehdipour/licensing-gateway/internal/service/licensing"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo licenses",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := boot()
		if err != nil {
			return err
		}

		a, closeApp, err := app.Open(cfg, log)
		if err != nil {
			return err
		}
		defer closeApp()

		log.Info("seeding demo licenses")
		if err := seedLicenses(context.Background(), a, cmd); err != nil {
			return err
		}
		log.Info("seed completed")
		return nil
	},
}

// seedLicenses provisions one license per demo plan. The order references
// are fixed, so re-running returns the same keys.
func seedLicenses(ctx context.Context, a *app.App, cmd *cobra.Command) error {
	demos := []licensing.ProvisionRequest{
		{Email: "trial@example.com", Plan: "trial", OrderRef: "seed-trial"},
		{Email: "starter@example.com", Plan: "starter", OrderRef: "seed-starter"},
		{Email: "pro@example.com", Plan: "professional", OrderRef: "seed-professional"},
		{Email: "agency@example.com", Plan: "business", OrderRef: "seed-business"},
	}

	for _, d := range demos {
		if _, ok := a.Catalog.Lookup(d.Plan); !ok {
			a.Log.Warn("plan missing from catalog, skipping", zap.String("plan", d.Plan))
			continue
		}
		res, err := a.Licensing.Provision(ctx, d)
		if err != nil {
			return fmt.Errorf("provision %s: %w", d.OrderRef, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-13s %s  credits=%d sites=%d\n",
			res.License.VariantSlug, res.License.Key, res.License.Remaining(), res.License.ActivationLimit)
	}
	return nil
}
