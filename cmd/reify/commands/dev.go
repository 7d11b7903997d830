package commands

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

func newDevCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Watch the configuration and re-plan on change",
		Long: `Watch the configuration directory and recompute the plan whenever a .hcl
file changes. When metrics are enabled in the settings, a Prometheus
endpoint is served at the configured listen address.

Nothing is ever applied from dev mode.`,
		Example: `  # Watch the current directory
  reify dev

  # Watch another directory
  reify dev --dir infra/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			defer func() { _ = watcher.Close() }()
			if err := watcher.Add(configDir); err != nil {
				return err
			}

			if a.settings.Metrics.Enabled {
				go serveMetrics(ctx, a)
			}

			replan := func() {
				pr, err := a.runner.Plan(ctx, configDir)
				if err != nil {
					a.logger.Error().Err(err).Msg("Plan failed")
					return
				}
				printViolations(cmd, pr.Violations)
				printPlan(cmd, pr.Plan)
			}

			a.logger.Info().Str("dir", configDir).Msg("Watching configuration")
			replan()

			// Editors fire several events per save; coalesce them.
			var debounce *time.Timer
			pending := make(chan struct{}, 1)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-pending:
					replan()
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if !strings.HasSuffix(event.Name, ".hcl") {
						continue
					}
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(250*time.Millisecond, func() {
						select {
						case pending <- struct{}{}:
						default:
						}
					})
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					a.logger.Warn().Err(err).Msg("Watcher error")
				}
			}
		},
	}

	return cmd
}

func serveMetrics(ctx context.Context, a *app) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	server := &http.Server{
		Addr:              a.settings.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	a.logger.Info().Str("listen", a.settings.Metrics.Listen).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error().Err(err).Msg("Metrics server failed")
	}
}
