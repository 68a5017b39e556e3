package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ZeusTips/app/controllers"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/middleware"
)

type ApiRouter struct {
	api  *controllers.API
	opts Options
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", middleware.RateLimiter(h.opts.RateLimitMax, h.opts.RateLimitWindow, h.opts.LimiterStorage))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Zeus Tips API",
		})
	})

	v1 := api.Group("/v1")

	subscribers := v1.Group("/subscribers")
	subscribers.Get("/:id", h.api.HandleGetSubscriber)
	subscribers.Get("/:id/access", h.api.HandleGetAccess)
	subscribers.Post("/:id/payment-intents", h.api.HandleCreatePaymentIntent)
	subscribers.Get("/:id/tips", h.api.HandleGetTips)
	subscribers.Post("/:id/invite", h.api.HandleCreateInvite)

	admin := v1.Group("/admin", middleware.AdminKeyMiddleware(h.opts.AdminKeyHash))
	admin.Post("/subscribers/:id/revoke", h.api.HandleAdminRevoke)
	admin.Post("/dispatch/force", h.api.HandleAdminForceDispatch)
	admin.Post("/expiry/sweep", h.api.HandleAdminExpirySweep)
	admin.Post("/payments/poll", h.api.HandleAdminPaymentPoll)
	admin.Post("/results/check", h.api.HandleAdminResultCheck)
	admin.Get("/triggers/:id", h.api.HandleAdminGetTrigger)
	admin.Get("/cycles", h.api.HandleAdminListCycles)
	admin.Get("/stats", h.api.HandleAdminStats)
	admin.Put("/channel", h.api.HandleAdminSetChannel)
}

func NewApiRouter(api *controllers.API, opts Options) *ApiRouter {
	if opts.RateLimitMax <= 0 {
		opts.RateLimitMax = 60
	}
	return &ApiRouter{api: api, opts: opts}
}
