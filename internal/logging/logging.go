// Package logging configures the structured logger used across the
// assistant. Commands build one logger at startup with [New] and thread it
// through the call graph as a context value via [WithLogger] / [FromContext],
// so the ingestion pipeline and session code never hold a logger field of
// their own.
//
// Environment variables:
//
//	LOG_LEVEL  = debug | info | warn | error  (default: info)
//	LOG_FORMAT = json | text                  (default: json)
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type contextKey struct{}

// New builds a [*slog.Logger] for the current process from LOG_LEVEL and
// LOG_FORMAT. Output goes to stderr so answers printed on stdout stay
// pipeable.
func New() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(os.Getenv("LOG_LEVEL"))}
	return slog.New(newHandler(os.Getenv("LOG_FORMAT"), opts))
}

// newHandler selects the slog handler for the given format. Anything other
// than "text" gets JSON, which is what log collectors expect.
func newHandler(format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.NewJSONHandler(os.Stderr, opts)
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored in ctx, or [slog.Default] when none
// is present, so callers never nil-check.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// parseLevel maps a LOG_LEVEL string to a [slog.Level], defaulting to Info.
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
