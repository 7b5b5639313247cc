// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup builds the logger for appEnv and installs it as the slog default.
// Production and staging emit JSON; everything else emits text.
func Setup(appEnv, level string) *slog.Logger {
	return setup(os.Stderr, appEnv, level)
}

func setup(w io.Writer, appEnv, level string) *slog.Logger {
	lvl, ok := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch appEnv {
	case "production", "staging":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	if !ok {
		logger.Warn("invalid log level configured, using info", "configured_level", level)
	}
	return logger
}

// ParseLevel maps a case-insensitive level name to a slog.Level. Unknown
// names map to info with ok=false; empty maps to info with ok=true.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// Discard returns a logger that drops everything. Used by tests and by
// CLI commands that print their own output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
