package middleware

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/task-api/internal/service"
	appErrors "github.com/noah-isme/task-api/pkg/errors"
	"github.com/noah-isme/task-api/pkg/response"
)

// RateLimit gates a route group behind the token-bucket limiter for the given
// category. Every response carries the remaining-token count and category;
// denials add Retry-After and a structured 429 body.
func RateLimit(limiter *service.RateLimitService, category service.RateCategory) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := ClientKey(c)

		if !limiter.TryAdmit(clientKey, category) {
			retryAfter := limiter.RetryAfter(clientKey, category)
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("X-RateLimit-Category", string(category))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			response.Error(c, appErrors.ErrRateLimited)
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(clientKey, category)))
		c.Header("X-RateLimit-Category", string(category))
		c.Next()
	}
}

// ClientKey derives the per-client rate-limit key: the first hop of the
// X-Forwarded-For chain when present, else the direct connection address.
// This is a fairness policy keyed by IP, not an identity mechanism.
func ClientKey(c *gin.Context) string {
	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}
	return c.ClientIP()
}
