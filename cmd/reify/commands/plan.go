package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reifyio/reify/pkg/diff"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile string
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the change set without applying it",
		Long: `Compute the operations needed to reconcile the configuration with the
tracked state. Nothing is applied and no state is written.`,
		Example: `  # Show the plan
  reify plan

  # Save the plan as JSON and the graph as DOT
  reify plan --out plan.json --dot plan.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			pr, err := a.runner.Plan(ctx, configDir)
			if err != nil {
				return err
			}

			printViolations(cmd, pr.Violations)
			printPlan(cmd, pr.Plan)

			if outFile != "" {
				rendered, err := pr.Plan.RenderJSON()
				if err != nil {
					return err
				}
				if err := os.WriteFile(outFile, rendered, 0o644); err != nil {
					return fmt.Errorf("writing plan to %s: %w", outFile, err)
				}
			}
			if dotFile != "" {
				dot := pr.Graph.DOT(pr.Plan.Actions())
				if err := os.WriteFile(dotFile, []byte(dot), 0o644); err != nil {
					return fmt.Errorf("writing graph to %s: %w", dotFile, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan as JSON to this file")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the resource graph as DOT to this file")

	return cmd
}

// printPlan writes a human-readable change summary.
func printPlan(cmd *cobra.Command, plan *diff.Plan) {
	if !plan.Summary.HasChanges() {
		cmd.Println("No changes. Infrastructure matches the configuration.")
		return
	}

	for _, e := range plan.Entries {
		switch e.Action {
		case diff.ActionNoop:
			continue
		case diff.ActionReplace:
			cmd.Printf("  %-8s %s (forced by %v)\n", e.Action, e.ID, e.ForcedBy)
		default:
			cmd.Printf("  %-8s %s\n", e.Action, e.ID)
		}
	}
	cmd.Printf("\nPlan: %d to create, %d to update, %d to delete, %d to replace, %d unchanged.\n",
		plan.Summary.Create, plan.Summary.Update, plan.Summary.Delete,
		plan.Summary.Replace, plan.Summary.Noop)
}
