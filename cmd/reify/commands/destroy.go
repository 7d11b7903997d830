package commands

import (
	"github.com/spf13/cobra"
)

func newDestroyCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete every tracked resource",
		Long: `Delete every resource tracked in state, consumers before producers. The
configuration directory is not consulted; the deletion order comes from the
dependency edges recorded when each resource was applied.`,
		Example: `  # Review what would be deleted, then confirm
  reify destroy

  # Destroy without confirmation
  reify destroy --auto-approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if !autoApprove {
				ok, err := confirm(cmd, "Destroy all tracked resources?")
				if err != nil {
					return err
				}
				if !ok {
					cmd.Println("Destroy cancelled.")
					return nil
				}
			}

			res, err := a.runner.Destroy(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("Destroy complete: %d deleted.\n", res.Summary.Deleted)
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip interactive confirmation")

	return cmd
}
