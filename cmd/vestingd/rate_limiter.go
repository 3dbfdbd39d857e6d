// rate_limiter.go - Per-client rate limiting for the API
package main

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// newRateLimiter allows config.Max requests per client IP in each window.
// Rejected requests get a 429 in the API's error shape and a Retry-After.
func newRateLimiter(config RateLimitConfig) fiber.Handler {
	lc := limiter.Config{
		Max:          config.Max,
		Expiration:   config.Window,
		KeyGenerator: clientKey,
		LimitReached: func(c *fiber.Ctx) error {
			return fiber.NewError(fiber.StatusTooManyRequests,
				"rate limit exceeded, "+strconv.Itoa(config.Max)+" requests per "+config.Window.String())
		},
	}
	if config.Sliding {
		lc.LimiterMiddleware = limiter.SlidingWindow{}
	}
	return limiter.New(lc)
}

func clientKey(c *fiber.Ctx) string {
	return c.IP()
}
