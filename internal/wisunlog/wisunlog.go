// Package wisunlog provides the daemon's structured logger: a slog.Logger
// writing to stderr, with its level gated by an env-style filter string
// (trace|debug|info|warn|error) rather than slog's own Level type, so
// operators can set it the same way they would RUST_LOG on a sibling
// daemon in this fleet.
package wisunlog

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps *slog.Logger with the component field that the session,
// propertyclient and scheduler packages set.
type Logger struct {
	*slog.Logger
}

// New builds a Logger writing JSON lines to stderr at the given filter
// level. An unrecognized or empty filter defaults to "info".
func New(filter string) *Logger {
	level := parseLevel(filter)
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(handler)}
}

func parseLevel(filter string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(filter)) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info", "":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

// With returns a Logger that always includes the given component name,
// which session, propertyclient and scheduler use to tag their log lines.
func (l *Logger) With(component string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("component", component))}
}

// Discard returns a Logger that drops everything, for tests that don't
// want log noise but still need a non-nil *Logger to pass around.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
