package middleware

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/bucketcast/internal/ratelimit"
	"github.com/charlesng35/bucketcast/pkg/errors"
	"github.com/charlesng35/bucketcast/pkg/logger"
	"github.com/charlesng35/bucketcast/pkg/response"
)

// MagicCodeParam is the route parameter carrying a bucket magic code.
const MagicCodeParam = "code"

// RateLimit admits requests to endpoint through limiter. The principal is the
// authenticated user, else the magic code in the path, else the client IP.
// Rate limit headers are written on every response; rejected requests get
// 429 with Retry-After and never reach the handler.
func RateLimit(limiter *ratelimit.Limiter, endpoint string) gin.HandlerFunc {
	log := logger.WithModule("ratelimit")
	return func(c *gin.Context) {
		decision, err := limiter.Admit(c.Request.Context(), Principal(c), endpoint)
		if err != nil {
			log.Warn("admission degraded", zap.String("endpoint", endpoint), zap.Error(err))
		}

		if decision.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.ResetAt.IsZero() {
				c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
			}
		}

		if !decision.Allowed {
			c.Header("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
			response.Error(c, errors.ErrRateLimit.WithDetails(map[string]any{
				"retry_after": decision.RetryAfterSeconds,
				"limit":       decision.Limit,
			}))
			return
		}
		c.Next()
	}
}

// Principal derives the rate limit key for the request.
func Principal(c *gin.Context) string {
	if userID := c.GetString(CtxUserIDKey); userID != "" {
		return "user:" + userID
	}
	if code := strings.TrimSpace(c.Param(MagicCodeParam)); code != "" {
		return "magic:" + code
	}
	return "ip:" + c.ClientIP()
}
