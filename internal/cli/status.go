package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show replica sync and ledger state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			pending, err := a.syncer.PendingCount(ctx)
			if err != nil {
				return err
			}
			cursor, err := a.syncer.Cursor(ctx)
			if err != nil {
				return err
			}
			appliedSeq, err := a.eav.AppliedLedgerSeq(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "client_id:          %s\n", a.cfg.Sync.ClientID)
			fmt.Fprintf(out, "server:             %s\n", a.cfg.Sync.ServerURL)
			fmt.Fprintf(out, "pending rows:       %d\n", pending)
			fmt.Fprintf(out, "pull cursor:        %d\n", cursor)
			fmt.Fprintf(out, "ledger last seq:    %d\n", a.led.LastSeq())
			fmt.Fprintf(out, "ledger applied seq: %d\n", appliedSeq)
			fmt.Fprintf(out, "signing key:        %s\n", a.keys.ActiveKeyID())
			return nil
		},
	}
}
