package controllers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/ZeusTips/app/models"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/jobqueue"
)

const (
	defaultCycleLimit = 20
	maxCycleLimit     = 200
)

type forceDispatchRequest struct {
	EventID string `json:"event_id" validate:"required,max=64"`
}

type channelRequest struct {
	ChannelID string `json:"channel_id" validate:"required,max=64"`
}

// HandleAdminRevoke revokes a subscriber permanently.
func (a *API) HandleAdminRevoke(c *fiber.Ctx) error {
	id, ok := parseSubscriberID(c)
	if !ok {
		return badRequest(c, "Invalid subscriber id")
	}
	sub, err := a.Subscriptions.Revoke(c.UserContext(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	log.Infof("[Admin] Revoked subscriber %d", id)
	return c.JSON(subscriberResponse(sub))
}

// HandleAdminForceDispatch queues a cycle that publishes event_id ahead of
// the ranking.
func (a *API) HandleAdminForceDispatch(c *fiber.Ctx) error {
	var req forceDispatchRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	req.EventID = strings.TrimSpace(req.EventID)
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}
	job, err := a.Queue.EnqueueForcedDispatch(c.UserContext(), req.EventID)
	return a.accepted(c, job, err)
}

// HandleAdminExpirySweep queues an expiry sweep.
func (a *API) HandleAdminExpirySweep(c *fiber.Ctx) error {
	job, err := a.Queue.EnqueueExpirySweep(c.UserContext())
	return a.accepted(c, job, err)
}

// HandleAdminPaymentPoll queues a payment verification pass.
func (a *API) HandleAdminPaymentPoll(c *fiber.Ctx) error {
	job, err := a.Queue.EnqueuePaymentPoll(c.UserContext())
	return a.accepted(c, job, err)
}

// HandleAdminResultCheck queues a pass over the unsettled tips.
func (a *API) HandleAdminResultCheck(c *fiber.Ctx) error {
	job, err := a.Queue.EnqueueResultCheck(c.UserContext())
	return a.accepted(c, job, err)
}

func (a *API) accepted(c *fiber.Ctx, job *jobqueue.Job, err error) error {
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(job)
}

// HandleAdminGetTrigger returns a queued trigger with its result.
func (a *API) HandleAdminGetTrigger(c *fiber.Ctx) error {
	job, err := a.Queue.GetJob(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Trigger not found"})
		}
		return errorResponse(c, err)
	}
	return c.JSON(job)
}

// HandleAdminListCycles returns the most recent cycles, newest first.
func (a *API) HandleAdminListCycles(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultCycleLimit)
	if limit <= 0 {
		limit = defaultCycleLimit
	}
	if limit > maxCycleLimit {
		limit = maxCycleLimit
	}
	cycles, err := a.Store.ListCycles(c.UserContext(), limit)
	if err != nil {
		return errorResponse(c, err)
	}
	if cycles == nil {
		cycles = []models.DispatchCycle{}
	}
	return c.JSON(fiber.Map{"cycles": cycles})
}

// HandleAdminStats summarizes subscribers, today's dispatches and the
// background loops.
func (a *API) HandleAdminStats(c *fiber.Ctx) error {
	now := a.now().In(a.Location)
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.Location)

	stats, err := a.Store.Stats(c.UserContext(), startOfDay)
	if err != nil {
		return errorResponse(c, err)
	}
	lastCycle, lastSweep := a.Scheduler.LastRuns()

	var queued interface{}
	if n, err := a.Queue.GetQueueSize(c.UserContext()); err != nil {
		log.Warnf("[Admin] Trigger queue size unavailable: %v", err)
	} else {
		queued = n
	}

	return c.JSON(fiber.Map{
		"store": stats,
		"scheduler": fiber.Map{
			"state":         a.Scheduler.State(),
			"last_cycle_at": formatTimePtr(&lastCycle),
			"last_sweep_at": formatTimePtr(&lastSweep),
		},
		"queued_triggers": queued,
	})
}

// HandleAdminSetChannel changes the channel tips are published to.
func (a *API) HandleAdminSetChannel(c *fiber.Ctx) error {
	var req channelRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	req.ChannelID = strings.TrimSpace(req.ChannelID)
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}
	if err := a.Store.SetSetting(c.UserContext(), models.SettingVIPChannelID, req.ChannelID); err != nil {
		return errorResponse(c, err)
	}
	log.Infof("[Admin] Channel set to %s", req.ChannelID)
	return c.JSON(fiber.Map{"channel_id": req.ChannelID})
}
