package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ZeusTips/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Options configures the API routes.
type Options struct {
	AdminKeyHash    string
	RateLimitMax    int
	RateLimitWindow time.Duration
	// LimiterStorage holds rate limit counters. Nil keeps them in memory.
	LimiterStorage fiber.Storage
}

func InstallRouter(app *fiber.App, api *controllers.API, opts Options) {
	setup(app, NewHealthRouter(api), NewApiRouter(api, opts))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
