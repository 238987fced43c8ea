package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRunCommand creates the run command: the long-lived sync loop.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the replica sync loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			a.log.Info().
				Str("server", a.cfg.Sync.ServerURL).
				Str("client_id", a.cfg.Sync.ClientID).
				Msg("sync loop starting")
			a.syncer.Run(ctx)
			return nil
		},
	}
}
