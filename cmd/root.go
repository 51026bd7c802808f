// Package cmd defines the harvester command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/app"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/config"
)

// version is overridden at build time with -ldflags "-X ...cmd.version=...".
var version = "dev"

// newApp is the application factory. It's a variable so tests can inject a
// fake browser factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Browser-driven price harvester for the Realtime CPI project.",
		Long: `harvester crawls retailer listings through a bounded pool of headless
Chrome sessions, enriches every product from its own page and follows each
offer link to the merchant it finally lands on.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("config", "", "path to a YAML config file")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the harvester version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
