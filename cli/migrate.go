package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arkantrust/ikoot-checkin/backend/config"
	"github.com/arkantrust/ikoot-checkin/backend/store"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Apply pending Postgres migrations",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := rootOpts.setup()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.DriverPostgres {
				return fmt.Errorf("migrate requires STORE_DRIVER=postgres, got %q", cfg.StoreDriver)
			}
			return store.MigratePostgres(cmd.Context(), cfg.DatabaseURL, log)
		},
	}
}
