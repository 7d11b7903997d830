package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reifyio/reify/pkg/config"
	"github.com/reifyio/reify/pkg/graph"
)

func newGraphCommand() *cobra.Command {
	var (
		outFile  string
		withPlan bool
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the resource graph as DOT",
		Long: `Build the resource graph from the configuration and render it in Graphviz
DOT format. With --with-plan the nodes are colored by the action the
current plan would take.`,
		Example: `  # Print the graph
  reify graph

  # Render to a file with planned actions
  reify graph --with-plan -o graph.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			var dot string
			if withPlan {
				pr, err := a.runner.Plan(ctx, configDir)
				if err != nil {
					return err
				}
				dot = pr.Graph.DOT(pr.Plan.Actions())
			} else {
				f, err := config.ParseDir(configDir)
				if err != nil {
					return err
				}
				g, err := graph.Build(f, a.registry)
				if err != nil {
					return err
				}
				dot = g.DOT(nil)
			}

			if outFile == "" {
				cmd.Print(dot)
				return nil
			}
			if err := os.WriteFile(outFile, []byte(dot), 0o644); err != nil {
				return fmt.Errorf("writing graph to %s: %w", outFile, err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write DOT to this file instead of stdout")
	cmd.Flags().BoolVar(&withPlan, "with-plan", false, "color nodes by planned action")

	return cmd
}
