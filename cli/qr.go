package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/arkantrust/ikoot-checkin/backend/payload"
)

// NewQRCommand creates the qr command and its encode/decode subcommands.
func NewQRCommand(_ *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Encode and decode scannable event payloads",
	}

	cmd.AddCommand(&cobra.Command{
		Use:          "encode <event-id>",
		Short:        "Print the payload for an event id",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("event id must be a positive integer, got %q", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), payload.Encode(id))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:          "decode <payload>",
		Short:        "Print the event id carried by a payload",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := payload.Decode(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	})

	return cmd
}
