package logger

import (
	"context"
	"log/slog"
	"testing"
)

func TestFromFallsBackToDefault(t *testing.T) {
	if From(context.Background()) != slog.Default() {
		t.Fatalf("expected default logger")
	}
}

func TestWithAttrsStoresChild(t *testing.T) {
	ctx, l := WithAttrs(context.Background(), "provider", "mango")
	if From(ctx) != l {
		t.Fatalf("expected derived logger in context")
	}
}

func TestParseLevel(t *testing.T) {
	if got := parseLevel("WARN", slog.LevelInfo); got != slog.LevelWarn {
		t.Fatalf("expected warn, got %v", got)
	}
	if got := parseLevel("nope", slog.LevelDebug); got != slog.LevelDebug {
		t.Fatalf("expected default, got %v", got)
	}
}
