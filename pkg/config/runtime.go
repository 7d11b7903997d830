package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so settings files can use values like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the setting as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LogSettings configures structured logging.
type LogSettings struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `yaml:"output"`
}

// MetricsSettings configures Prometheus metrics collection.
type MetricsSettings struct {
	// Enabled turns metric collection on.
	Enabled bool `yaml:"enabled"`

	// Listen is the address the dev server exposes /metrics on.
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// SSHSettings configures the remote file provider. The provider is only
// registered when this section is present.
type SSHSettings struct {
	// Host is the remote hostname or IP address.
	Host string `yaml:"host" validate:"required"`

	// Port is the SSH port; 22 when omitted.
	Port int `yaml:"port" validate:"omitempty,gte=1,lte=65535"`

	// User is the SSH username.
	User string `yaml:"user" validate:"required"`

	// Password enables password authentication.
	Password string `yaml:"password"`

	// PrivateKeyPath enables key authentication.
	PrivateKeyPath string `yaml:"private_key_path"`

	// KnownHostsPath verifies host keys against the given file.
	KnownHostsPath string `yaml:"known_hosts_path"`
}

// Settings is the engine's runtime configuration, loaded from a YAML file
// (conventionally .reify.yaml next to the configuration directory).
type Settings struct {
	// StatePath is the path of the SQLite state database.
	StatePath string `yaml:"state_path" validate:"required"`

	// Parallelism bounds the number of provider operations executed
	// concurrently within one dependency wave.
	Parallelism int `yaml:"parallelism" validate:"gte=1,lte=64"`

	// LockTimeout bounds how long a run waits for the state lock before
	// failing with a lock-held error. Zero means fail immediately.
	LockTimeout Duration `yaml:"lock_timeout"`

	// ProviderTimeout bounds each individual provider operation.
	ProviderTimeout Duration `yaml:"provider_timeout" validate:"required"`

	// PolicyDir optionally points at a directory of Rego plan policies.
	PolicyDir string `yaml:"policy_dir"`

	// SSH enables the remote file provider when present.
	SSH *SSHSettings `yaml:"ssh,omitempty"`

	// TraceEnabled turns on span export for runs and provider operations.
	TraceEnabled bool `yaml:"trace_enabled"`

	// Log configures structured logging.
	Log LogSettings `yaml:"log"`

	// Metrics configures Prometheus metrics.
	Metrics MetricsSettings `yaml:"metrics"`
}

// DefaultSettings returns the settings used when no settings file exists.
func DefaultSettings() Settings {
	return Settings{
		StatePath:       "reify.db",
		Parallelism:     4,
		LockTimeout:     Duration(10 * time.Second),
		ProviderTimeout: Duration(5 * time.Minute),
		Log: LogSettings{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsSettings{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
	}
}

// LoadSettings reads and validates the settings file at path. A missing file
// is not an error; the defaults are returned instead.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return settings, nil
		}
		return settings, fmt.Errorf("failed to read settings file: %w", err)
	}

	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	if err := validator.New().Struct(settings); err != nil {
		return settings, fmt.Errorf("invalid settings in %s: %w", path, err)
	}

	return settings, nil
}
