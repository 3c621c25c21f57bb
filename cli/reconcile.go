package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/arkantrust/ikoot-checkin/backend/checkin"
)

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	Email       string
	Parallelism int
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Apply credits the ledger implies but balances are missing",
		Long: `Walk the check-in ledger and apply every credit that was recorded but
never folded into the user's balance. Running it again is a no-op.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context(), rootOpts, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Email, "email", "", "reconcile a single user")
	cmd.Flags().IntVar(&opts.Parallelism, "parallelism", 4, "users reconciled concurrently")

	return cmd
}

func runReconcile(ctx context.Context, rootOpts *RootOptions, opts *ReconcileOptions, out io.Writer) error {
	cfg, log, err := rootOpts.setup()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer st.Close()

	events, err := loadCatalog(cfg)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	svc := checkin.New(st, events, log, nil)

	if opts.Email != "" {
		acct, err := svc.Account(ctx, opts.Email)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %d points over %d check-ins\n", acct.User.Email, acct.User.Points, len(acct.Checkins))
		return nil
	}

	repaired, err := svc.ReconcileAll(ctx, opts.Parallelism)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "repaired %d credits\n", repaired)
	return nil
}
