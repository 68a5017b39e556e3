package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/config"
)

// NewLimiterStorage keeps limiter counters in Redis, one database above the
// cache so resets do not touch cached data.
func NewLimiterStorage(cfg config.CacheConfig) fiber.Storage {
	return redisstorage.New(redisstorage.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Password: cfg.Password,
		Database: cfg.DB + 1,
		Reset:    false,
	})
}

// RateLimiter limits requests per client IP. A nil storage keeps counters in
// memory.
func RateLimiter(max int, window time.Duration, storage fiber.Storage) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		Storage:    storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return fmt.Sprintf("ratelimit:%s", c.IP())
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "too_many_requests", "message": "Rate limit exceeded"})
		},
	})
}
