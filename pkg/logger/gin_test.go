package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMiddleware_RequestIDAndLevels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r := gin.New()
	r.Use(Middleware(l))
	var fromCtx *slog.Logger
	r.POST("/webhooks/bitrix", func(c *gin.Context) {
		fromCtx = From(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"status": 200})
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/webhooks/bitrix", nil)
	req.Header.Set(headerRequestID, "rid-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get(headerRequestID) != "rid-1" {
		t.Fatalf("request id not echoed: %v", w.Header())
	}
	if fromCtx == nil || fromCtx == slog.Default() {
		t.Fatalf("handler did not see the request logger")
	}

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two summary lines, got %q", buf.String())
	}
	var hook, health map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &hook); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hook["level"] != "INFO" || hook["request_id"] != "rid-1" || hook["route"] != "/webhooks/bitrix" {
		t.Fatalf("unexpected webhook line %v", hook)
	}
	if health["level"] != "DEBUG" || health["request_id"] == "" {
		t.Fatalf("unexpected healthz line %v", health)
	}
}
