package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ZeusTips/app/models"
)

// HandleHealth reports whether the store answers and what the scheduler is
// doing.
func (a *API) HandleHealth(c *fiber.Ctx) error {
	lastCycle, lastSweep := a.Scheduler.LastRuns()
	body := fiber.Map{
		"status":        "ok",
		"scheduler":     a.Scheduler.State(),
		"last_cycle_at": formatTimePtr(&lastCycle),
		"last_sweep_at": formatTimePtr(&lastSweep),
	}
	if _, err := a.Store.GetSetting(c.UserContext(), models.SettingVIPChannelID); err != nil {
		log.Errorf("[API] Health check: store unavailable: %v", err)
		body["status"] = "degraded"
		return c.Status(fiber.StatusServiceUnavailable).JSON(body)
	}
	return c.JSON(body)
}
