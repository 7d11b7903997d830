package commands

import (
	"github.com/spf13/cobra"

	"github.com/reifyio/reify/pkg/config"
	"github.com/reifyio/reify/pkg/graph"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without touching state",
		Long: `Parse the configuration, check every attribute against its provider
schema, resolve all references, and verify the resource graph has no
cycles. State is never read and nothing is applied.`,
		Example: `  # Validate the current directory
  reify validate

  # Validate another directory
  reify validate --dir infra/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			f, err := config.ParseDir(configDir)
			if err != nil {
				return err
			}
			g, err := graph.Build(f, a.registry)
			if err != nil {
				return err
			}

			cmd.Printf("Configuration is valid: %d resources, %d outputs.\n",
				g.Len(), len(g.Outputs()))
			return nil
		},
	}

	return cmd
}
