package commands

import (
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `List recorded runs, most recent first. With a run id, show that run's
summary and its event log.`,
		Args: cobra.MaximumNArgs(1),
		Example: `  # List the last runs
  reify history

  # Show one run with its events
  reify history 6f1c9a9e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if len(args) == 1 {
				run, err := a.store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				cmd.Printf("Run %s: %s %s (started %s)\n",
					run.ID, run.Operation, run.Status, run.StartedAt.Format("2006-01-02 15:04:05"))
				cmd.Printf("  created=%d updated=%d deleted=%d replaced=%d unchanged=%d failed=%d\n",
					run.Summary.Created, run.Summary.Updated, run.Summary.Deleted,
					run.Summary.Replaced, run.Summary.Unchanged, run.Summary.Failed)
				if run.Error != "" {
					cmd.Printf("  error: %s\n", run.Error)
				}

				events, err := a.store.ListEvents(ctx, run.ID)
				if err != nil {
					return err
				}
				for _, ev := range events {
					cmd.Printf("  %s [%s] %s\n",
						ev.Timestamp.Format("15:04:05"), ev.Level, ev.Message)
				}
				return nil
			}

			runs, err := a.store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				cmd.Println("No runs recorded.")
				return nil
			}
			for _, run := range runs {
				cmd.Printf("%s  %-8s %-10s %s\n",
					run.StartedAt.Format("2006-01-02 15:04:05"), run.Operation, run.Status, run.ID)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")

	return cmd
}
