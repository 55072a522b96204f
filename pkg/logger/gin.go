package logger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-Id"
	ginLoggerKey    = "logger"
)

// quietRoutes are polled by orchestrators and scrapers; their lines go to debug.
var quietRoutes = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// Middleware tags every request with a request_id, stores the scoped logger
// on both contexts and writes one summary line when the handler returns.
func Middleware(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		scoped := l.With("request_id", rid)
		c.Set(ginLoggerKey, scoped)
		c.Request = c.Request.WithContext(With(c.Request.Context(), scoped))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"client_ip", c.ClientIP(),
			"bytes_out", c.Writer.Size(),
			"duration_ms", float64(time.Since(start).Milliseconds()),
		}
		switch {
		case len(c.Errors) > 0:
			scoped.Error("http request", append(attrs, "errors", c.Errors.String())...)
		case status >= http.StatusInternalServerError:
			scoped.Error("http request", attrs...)
		case quietRoutes[route]:
			scoped.Debug("http request", attrs...)
		default:
			scoped.Info("http request", attrs...)
		}
	}
}

// FromGin returns the request logger set by Middleware, or the default logger.
func FromGin(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(ginLoggerKey); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
