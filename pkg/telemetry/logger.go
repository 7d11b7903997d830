// Package telemetry provides structured logging, metrics, and tracing for
// the reconciliation engine.
package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// loggerContextKey is the context key for logger instances.
type loggerContextKey struct{}

// NewLogger creates a zerolog logger from log settings.
func NewLogger(level, format, output string) (zerolog.Logger, error) {
	var writer io.Writer
	switch output {
	case "stdout":
		writer = os.Stdout
	case "stderr", "":
		writer = os.Stderr
	default:
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), err
		}
		writer = file
	}

	if format == "console" {
		writer = zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.RFC3339,
		}
	}

	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}

	return zerolog.New(writer).With().Timestamp().Logger().Level(parsed), nil
}

// ComponentLogger returns a child logger tagged with a component name.
func ComponentLogger(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithContext adds the logger to the context.
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// FromContext retrieves the logger from the context, or a disabled logger
// when none was attached.
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(zerolog.Logger); ok {
		return l
	}
	return zerolog.Nop()
}
