package middlewares

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/garage_backend/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RateLimiter counts requests per client IP in fixed windows kept in Redis.
type RateLimiter struct {
	Client func() *redis.Client
	Limit  int64
	Window time.Duration
	Logger *logrus.Logger
	Now    func() time.Time
}

func NewRateLimiter(client func() *redis.Client, limit int64, window time.Duration, logger *logrus.Logger) *RateLimiter {
	return &RateLimiter{
		Client: client,
		Limit:  limit,
		Window: window,
		Logger: logger,
		Now:    time.Now,
	}
}

// windowKey names the counter of ip for the window containing now; each window
// gets its own key so a missed expiry never blocks a client for good.
func (rl *RateLimiter) windowKey(ip string, now time.Time) string {
	return "RateLimit:" + ip + ":" + strconv.FormatInt(now.Truncate(rl.Window).Unix(), 10)
}

func (rl *RateLimiter) retryAfter(now time.Time) int {
	rest := now.Truncate(rl.Window).Add(rl.Window).Sub(now)
	return int(math.Ceil(rest.Seconds()))
}

// Middleware lets requests through while Redis is absent or failing.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var rdb *redis.Client
		if rl.Client != nil {
			rdb = rl.Client()
		}
		if rdb == nil {
			c.Next()
			return
		}
		now := rl.Now()
		key := rl.windowKey(c.ClientIP(), now)
		ctx := c.Request.Context()

		var count *redis.IntCmd
		_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			count = pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, rl.Window)
			return nil
		})
		if err != nil {
			config.LogError(rl.Logger, "RateLimiter", "Middleware", "count request", key, err)
			c.Next()
			return
		}
		if count.Val() > rl.Limit {
			c.Header("Retry-After", strconv.Itoa(rl.retryAfter(now)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
