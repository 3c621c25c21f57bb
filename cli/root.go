// Package cli implements the ikoot command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/arkantrust/ikoot-checkin/backend/config"
	"github.com/arkantrust/ikoot-checkin/backend/logger"
)

const serviceName = "ikoot"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogLevel string

	// loadConfig is replaced in tests.
	loadConfig func() (*config.Config, error)
}

// NewRootCommand creates the root command for the ikoot CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{loadConfig: config.Load}

	cmd := &cobra.Command{
		Use:   "ikoot",
		Short: "IKOOT event check-in ledger",
		Long:  "Awards loyalty points for event attendance, at most once per user and event.",
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error); overrides LOG_LEVEL")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewQRCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}

// setup loads config and builds the logger for commands that touch storage.
func (o *RootOptions) setup() (*config.Config, *slog.Logger, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.LogLevel
	if o.LogLevel != "" {
		level = o.LogLevel
	}
	return cfg, logger.New(serviceName, logger.ParseLevel(level)), nil
}
