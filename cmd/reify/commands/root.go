package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zclconf/go-cty/cty"

	"github.com/reifyio/reify/pkg/config"
	"github.com/reifyio/reify/pkg/engine"
	"github.com/reifyio/reify/pkg/outputs"
	"github.com/reifyio/reify/pkg/policy"
	"github.com/reifyio/reify/pkg/provider"
	"github.com/reifyio/reify/pkg/providers/localfile"
	"github.com/reifyio/reify/pkg/providers/mem"
	"github.com/reifyio/reify/pkg/providers/sshfile"
	"github.com/reifyio/reify/pkg/state"
	"github.com/reifyio/reify/pkg/telemetry"
)

var (
	// Global flags
	settingsPath string
	configDir    string
	logLevel     string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reify",
		Short: "Reify - declarative infrastructure reconciliation",
		Long: `Reify reconciles declared resources against real infrastructure.

Resources are declared in HCL, ordered by the references between them, and
applied through providers. State is tracked in a local SQLite database so
repeated runs converge: an interrupted run resumes from exactly where it
stopped.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "s", ".reify.yaml", "settings file path")
	rootCmd.PersistentFlags().StringVarP(&configDir, "dir", "d", ".", "configuration directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}

// app wires the settings, store, providers, and runner a command needs.
// Close releases the store and flushes traces.
type app struct {
	settings config.Settings
	logger   zerolog.Logger
	store    *state.SQLiteStore
	registry *provider.Registry
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	runner   *engine.Runner
}

func newApp(ctx context.Context, version string) (*app, error) {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		settings.Log.Level = logLevel
	}

	logger, err := telemetry.NewLogger(settings.Log.Level, settings.Log.Format, settings.Log.Output)
	if err != nil {
		return nil, err
	}

	store, err := state.NewSQLiteStore(state.Config{
		Path:        settings.StatePath,
		LockTimeout: settings.LockTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}

	registry, err := buildRegistry(settings)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	policyEngine, err := policy.NewEngine(logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if settings.PolicyDir != "" {
		if err := policyEngine.LoadDir(settings.PolicyDir); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	metrics := telemetry.NewMetrics(settings.Metrics.Enabled)
	tracer, err := telemetry.NewTracer(settings.TraceEnabled, "reify", version)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &app{
		settings: settings,
		logger:   logger,
		store:    store,
		registry: registry,
		metrics:  metrics,
		tracer:   tracer,
	}
	a.runner = &engine.Runner{
		Store:       store,
		Registry:    registry,
		Policy:      policyEngine,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,
		Parallelism: settings.Parallelism,
		OpTimeout:   settings.ProviderTimeout.Std(),
	}
	return a, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to flush traces")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close state store")
	}
}

// buildRegistry registers the built-in providers: local files, in-memory
// network and instance kinds for development, and remote files when the
// settings carry an ssh section.
func buildRegistry(settings config.Settings) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	if err := registry.Register(localfile.Kind, localfile.New()); err != nil {
		return nil, err
	}
	if err := registry.Register("network", mem.New(networkSchema())); err != nil {
		return nil, err
	}
	if err := registry.Register("instance", mem.New(instanceSchema())); err != nil {
		return nil, err
	}

	if settings.SSH != nil {
		remote, err := sshfile.New(sshfile.Config{
			Host:           settings.SSH.Host,
			Port:           settings.SSH.Port,
			User:           settings.SSH.User,
			Password:       settings.SSH.Password,
			PrivateKeyPath: settings.SSH.PrivateKeyPath,
			KnownHostsPath: settings.SSH.KnownHostsPath,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(sshfile.Kind, remote); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func networkSchema() provider.Schema {
	return provider.Schema{
		Attributes: map[string]provider.AttrSchema{
			"cidr": {Required: true, ForceNew: true},
			"id":   {Computed: true},
		},
	}
}

func instanceSchema() provider.Schema {
	return provider.Schema{
		Attributes: map[string]provider.AttrSchema{
			"network_id": {Required: true, ForceNew: true},
			"name":       {Required: true},
			"ip":         {Computed: true},
		},
	}
}

// printViolations writes policy findings to the command output.
func printViolations(cmd *cobra.Command, violations []policy.Violation) {
	for _, v := range violations {
		cmd.Printf("%s: [%s] %s\n", v.Severity, v.Policy, v.Message)
	}
}

// printOutputs writes resolved output values to the command output.
func printOutputs(cmd *cobra.Command, outs map[string]cty.Value) {
	if len(outs) == 0 {
		return
	}
	cmd.Println("\nOutputs:")
	for _, name := range outputs.Names(outs) {
		cmd.Printf("  %s = %s\n", name, renderValue(outs[name]))
	}
}

func renderValue(v cty.Value) string {
	if v.Type() == cty.String {
		return fmt.Sprintf("%q", v.AsString())
	}
	return v.GoString()
}
