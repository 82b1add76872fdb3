// Package telemetry wires structured logging and Prometheus metrics for
// cmd/autopilotd. The core packages accept a *slog.Logger and never reach
// for this package directly; only the host entrypoint depends on it.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// ConfigureLogger builds a slog.Logger at the requested level, in either
// text (development-friendly) or JSON (production) form.
func ConfigureLogger(logLevel, logFormat string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(strings.TrimSpace(logFormat)) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
