package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// New returns the process logger. JSON on stdout, debug level for local/dev.
// An explicit LOG_LEVEL (debug, info, warn, error) wins over the env default.
func New(appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		level = parseLevel(v, level)
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", "call-intake")
}

func parseLevel(v string, def slog.Level) slog.Level {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return def
	}
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// WithAttrs derives a child logger from the one in ctx and stores it back.
// Workers use it to tag everything below them with provider/account/call ids.
func WithAttrs(ctx context.Context, args ...any) (context.Context, *slog.Logger) {
	l := From(ctx).With(args...)
	return With(ctx, l), l
}
