package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewChangesCommand creates the changes command group for the local
// approval queue.
func NewChangesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Inspect and decide queued change requests",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List change requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			requests, err := a.svc.Changes().List(cmd.Context(), status, 0)
			if err != nil {
				return err
			}
			if len(requests) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no change requests")
				return nil
			}
			for _, cr := range requests {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s %s/%s by %s\n",
					cr.ID, cr.Status, cr.TableName, cr.RowID, cr.AuthorUsername)
			}
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (pending|applied|rejected)")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one change request with its before/after images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			cr, err := a.svc.Changes().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cr, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "apply <id>",
		Short: "Approve a pending change request and apply it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			cr, err := a.svc.ApplyChangeRequest(cmd.Context(), localActor, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "change request %s applied\n", cr.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending change request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			cr, err := a.svc.RejectChangeRequest(cmd.Context(), localActor, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "change request %s rejected\n", cr.ID)
			return nil
		},
	})

	return cmd
}
