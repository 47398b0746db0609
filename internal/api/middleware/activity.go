package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const activeKeyPrefix = "inkwell:active:"

// ActivityMiddleware marks authenticated users as active for window.
// Redis errors are ignored; activity is informational only.
func ActivityMiddleware(rdb *redis.Client, window time.Duration) gin.HandlerFunc {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if rdb == nil || userID == "" {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		_ = rdb.Set(ctx, activeKeyPrefix+userID, "1", window).Err()
		cancel()

		c.Next()
	}
}

// CountActive returns the number of users seen within the activity window.
func CountActive(ctx context.Context, rdb *redis.Client, logger *slog.Logger) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	for {
		keys, next, err := rdb.Scan(ctx, cursor, activeKeyPrefix+"*", 200).Result()
		if err != nil {
			if logger != nil {
				logger.Warn("scan active sessions failed", slog.String("error", err.Error()))
			}
			return 0, err
		}
		total += int64(len(keys))
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}
