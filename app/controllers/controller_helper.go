package controllers

import (
	"context"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/access"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/jobqueue"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/store"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/subscription"
)

var validate = validator.New()

// SchedulerView is what the HTTP surface reads from the dispatch scheduler.
type SchedulerView interface {
	State() string
	LastRuns() (cycle, sweep time.Time)
	Invite(ctx context.Context, subscriberID int64) (string, time.Time, error)
}

// TriggerQueue accepts admin triggers for the background worker.
type TriggerQueue interface {
	EnqueueForcedDispatch(ctx context.Context, eventID string) (*jobqueue.Job, error)
	EnqueueExpirySweep(ctx context.Context) (*jobqueue.Job, error)
	EnqueuePaymentPoll(ctx context.Context) (*jobqueue.Job, error)
	EnqueueResultCheck(ctx context.Context) (*jobqueue.Job, error)
	GetJob(ctx context.Context, jobID string) (*jobqueue.Job, error)
	GetQueueSize(ctx context.Context) (int64, error)
}

// API holds the services behind the HTTP handlers.
type API struct {
	Store         store.Store
	Subscriptions *subscription.Service
	Access        *access.Enforcer
	Scheduler     SchedulerView
	Queue         TriggerQueue
	Location      *time.Location

	now func() time.Time
}

func NewAPI(st store.Store, subs *subscription.Service, enforcer *access.Enforcer, sched SchedulerView, queue TriggerQueue, loc *time.Location) *API {
	if loc == nil {
		loc = time.UTC
	}
	return &API{
		Store:         st,
		Subscriptions: subs,
		Access:        enforcer,
		Scheduler:     sched,
		Queue:         queue,
		Location:      loc,
		now:           time.Now,
	}
}

// WithClock returns a copy of the API that reads time from now.
func (a *API) WithClock(now func() time.Time) *API {
	cp := *a
	cp.now = now
	return &cp
}

func parseSubscriberID(c *fiber.Ctx) (int64, bool) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": message})
}

// errorResponse maps an error kind to a status code. Internal details are
// logged, never returned.
func errorResponse(c *fiber.Ctx, err error) error {
	switch apperror.KindOf(err) {
	case apperror.KindNotFound:
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": err.Error()})
	case apperror.KindConstraint:
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": err.Error()})
	case apperror.KindConfiguration:
		log.Errorf("[API] %s %s: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "Service not configured"})
	case apperror.KindTransientExternal:
		log.Warnf("[API] %s %s: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_error", "message": "Upstream service unavailable, try again"})
	default:
		log.Errorf("[API] %s %s: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Request failed"})
	}
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
