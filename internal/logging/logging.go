// Package logging builds the process-wide slog logger and hands out
// module-scoped children.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a JSON logger writing to w at the given level. Unknown levels
// fall back to info.
func New(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Module scopes a logger to one component. A nil parent uses slog.Default.
func Module(parent *slog.Logger, name string) *slog.Logger {
	if parent == nil {
		parent = slog.Default()
	}
	return parent.With("module", name)
}

// Discard is a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
