package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ZeusTips/app/controllers"
)

type HealthRouter struct {
	api *controllers.API
}

func (h HealthRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", h.api.HandleHealth)
}

func NewHealthRouter(api *controllers.API) *HealthRouter {
	return &HealthRouter{api: api}
}
