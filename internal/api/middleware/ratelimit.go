package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"inkwell/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// Limiter takes one token from the bucket named key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// RateLimit rejects requests from a client IP whose bucket is empty.
// Limiter errors let the request through.
func RateLimit(limiter Limiter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		allowed, wait, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			if logger != nil {
				logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
			}
			c.Next()
			return
		}
		if !allowed {
			metrics.RateLimitRejectedTotal.WithLabelValues(c.FullPath()).Inc()
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "message": "Too many requests, please try again later"})
			return
		}
		c.Next()
	}
}
