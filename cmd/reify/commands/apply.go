package commands

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newApplyCommand() *cobra.Command {
	var (
		autoApprove bool
		parallelism int
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply the change set",
		Long: `Reconcile the configuration with real infrastructure. The change set is
computed under the state lock and applied in dependency order: deletions
first, consumers before producers, then creations and updates, producers
before consumers. State is committed after every confirmed operation, so an
interrupted apply resumes where it stopped.`,
		Example: `  # Review and confirm the plan, then apply
  reify apply

  # Apply without confirmation
  reify apply --auto-approve

  # Limit concurrent provider operations
  reify apply --parallelism 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if parallelism > 0 {
				a.runner.Parallelism = parallelism
			}

			if !autoApprove {
				pr, err := a.runner.Plan(ctx, configDir)
				if err != nil {
					return err
				}
				printViolations(cmd, pr.Violations)
				printPlan(cmd, pr.Plan)
				if !pr.Plan.Summary.HasChanges() {
					return nil
				}
				ok, err := confirm(cmd, "Apply these changes?")
				if err != nil {
					return err
				}
				if !ok {
					cmd.Println("Apply cancelled.")
					return nil
				}
			}

			res, err := a.runner.Apply(ctx, configDir)
			if err != nil {
				return err
			}

			cmd.Printf("Apply complete: %d created, %d updated, %d deleted, %d replaced, %d unchanged.\n",
				res.Summary.Created, res.Summary.Updated, res.Summary.Deleted,
				res.Summary.Replaced, res.Summary.Unchanged)
			printOutputs(cmd, res.Outputs)
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip interactive confirmation")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "override the configured operation parallelism")

	return cmd
}

// confirm prompts on the command's input stream and accepts yes or y.
func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	cmd.Printf("%s Only 'yes' or 'y' will be accepted: ", prompt)
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "yes" || answer == "y", nil
}
