package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewKeyCommand creates the key command group.
func NewKeyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the ledger signing key",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Retire the active signing key and generate a new one",
		Long: `Retire the active signing key into the bounded public-key history and
generate a fresh ed25519 key pair. Entries signed with retired keys stay
verifiable as long as the key remains in the history.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			old := a.keys.ActiveKeyID()
			if err := a.keys.Rotate(nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotated signing key: %s -> %s\n", old, a.keys.ActiveKeyID())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the full ledger chain and signatures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			count, err := a.led.Verify()
			if err != nil {
				return fmt.Errorf("ledger verification failed after %d entries: %w", count, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger ok: %d entries verified\n", count)
			return nil
		},
	})

	return cmd
}
