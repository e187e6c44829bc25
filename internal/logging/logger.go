package logging

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger creates a structured logger appropriate for the environment,
// writing to stderr so stdout stays free for command output.
func NewLogger(env string) *slog.Logger {
	return NewLoggerTo(env, os.Stderr)
}

// NewLoggerTo creates a logger writing to w. Production uses JSON at info
// level, everything else uses human-readable text at debug level.
func NewLoggerTo(env string, w io.Writer) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// Component returns a child logger tagged with the component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("component", name))
}
