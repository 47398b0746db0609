package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestLogger logs HTTP request/response metadata. Server errors are
// logged at warn level.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if logger == nil {
			return
		}
		status := c.Writer.Status()
		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.String("client_ip", c.ClientIP()),
			slog.String("latency", time.Since(start).String()),
		}
		if uid := c.GetString("userID"); uid != "" {
			attrs = append(attrs, slog.String("user_id", uid))
		}
		if status >= 500 {
			logger.Warn("http request", attrs...)
			return
		}
		logger.Info("http request", attrs...)
	}
}
