// Package logger provides structured logging setup for OrchHub.
package logger

import (
	"io"
	"log/slog"
	"strings"

	"github.com/Strob0t/OrchHub/internal/config"
)

// New creates a *slog.Logger from the given Logging config, writing to w.
// Output is JSON with a "service" attribute on every record. Pretty selects
// a human-readable text handler instead (used when attached to a terminal).
func New(cfg config.Logging, w io.Writer, pretty bool) (*slog.Logger, Closer) {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if pretty {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	closer := Closer(nopCloser{})
	if cfg.Async {
		async := NewAsyncHandler(handler, 4096)
		handler = async
		closer = async
	}

	return slog.New(handler).With("service", cfg.Service), closer
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
