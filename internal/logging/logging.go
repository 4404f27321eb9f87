// Package logging builds the process-wide structured logger used by every
// engram component: CLI entrypoints, store backends and the composer.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a text-handler slog.Logger at the given level ("debug", "info",
// "warn", "error"; unknown values fall back to "info"). Store backends log
// connection and schema-migration events at Info and must never log
// fact/episode/event payload content — those carry user data. Per-operation
// failures are returned to the caller, not logged; nothing logs at Warn, and
// the composer discards a failed context-build write without logging it.
func New(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
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
