package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/harunnryd/parla"

// Options selects the handler used by New.
type Options struct {
	Level  slog.Level
	Format string // json (default), text, or otel
	Output io.Writer
}

// New builds a logger for the given options. The otel format hands records to
// the global OpenTelemetry log provider.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	handlerOpts := &slog.HandlerOptions{
		Level:     opts.Level,
		AddSource: true,
	}
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "text":
		return slog.New(slog.NewTextHandler(out, handlerOpts))
	case "otel":
		return slog.New(otelslog.NewHandler(scopeName, otelslog.WithSource(true)))
	default:
		return slog.New(slog.NewJSONHandler(out, handlerOpts))
	}
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewComponentLogger creates a component-specific logger with context.
// It adds the component name to all log messages for better traceability.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.String("component", component),
	)
}
