package observability

import (
	"net/http"
	"time"

	"github.com/danmuck/migratectl/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RequireToken rejects requests without a valid bearer token.
func RequireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := auth.Authorize(v, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// RequestLogger logs each status server request; client errors at warn,
// server errors at error, the rest at debug.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = logger.Error()
		case status >= http.StatusBadRequest:
			event = logger.Warn()
		default:
			event = logger.Debug()
		}
		event.
			Int("bytes", c.Writer.Size()).
			Str("client_ip", c.ClientIP()).
			Msgf("observability.StatusServer request method=%s path=%q status=%d duration=%s",
				c.Request.Method, routePath(c), status, time.Since(start))
	}
}

// RequestMetricsMiddleware records request counts and latency on metrics.
func RequestMetricsMiddleware(metrics *RunMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.RecordHTTPRequest(c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}

// routePath is the matched route template, or "unmatched".
func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}
