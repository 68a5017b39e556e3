package controllers

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ZeusTips/app/models"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/subscription"
)

// tipsLookback is how far back the tips endpoint lists dispatches.
const tipsLookback = 24 * time.Hour

type paymentIntentRequest struct {
	Plan       string `json:"plan" validate:"required"`
	PaymentRef string `json:"payment_ref" validate:"required,max=191"`
	Username   string `json:"username" validate:"max=191"`
}

// HandleGetAccess answers whether a subscriber may receive premium content.
func (a *API) HandleGetAccess(c *fiber.Ctx) error {
	id, ok := parseSubscriberID(c)
	if !ok {
		return badRequest(c, "Invalid subscriber id")
	}
	d := a.Access.Decide(c.UserContext(), id)
	return c.JSON(fiber.Map{
		"subscriber_id": d.SubscriberID,
		"premium":       d.Premium,
		"state":         d.State,
		"plan":          d.Plan,
		"expires_at":    formatTimePtr(d.ExpiresAt),
	})
}

// HandleGetSubscriber returns the stored subscriber.
func (a *API) HandleGetSubscriber(c *fiber.Ctx) error {
	id, ok := parseSubscriberID(c)
	if !ok {
		return badRequest(c, "Invalid subscriber id")
	}
	sub, err := a.Subscriptions.Get(c.UserContext(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(subscriberResponse(sub))
}

// HandleCreatePaymentIntent records a payment reference generated for the
// subscriber. Repeating a request with the same ref returns the same intent.
func (a *API) HandleCreatePaymentIntent(c *fiber.Ctx) error {
	id, ok := parseSubscriberID(c)
	if !ok {
		return badRequest(c, "Invalid subscriber id")
	}
	var req paymentIntentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	sub, intent, err := a.Subscriptions.RequestPayment(c.UserContext(), subscription.PaymentRequest{
		SubscriberID: id,
		Username:     strings.TrimSpace(req.Username),
		Plan:         req.Plan,
		PaymentRef:   req.PaymentRef,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"subscriber": subscriberResponse(sub),
		"payment_intent": fiber.Map{
			"ref":        intent.Ref,
			"plan":       intent.Plan,
			"status":     intent.Status,
			"created_at": intent.CreatedAt.UTC().Format(time.RFC3339),
		},
	})
}

// HandleGetTips lists the tips dispatched over the last day. Premium only.
func (a *API) HandleGetTips(c *fiber.Ctx) error {
	id, ok := parseSubscriberID(c)
	if !ok {
		return badRequest(c, "Invalid subscriber id")
	}
	if !a.Access.CanAccessPremium(c.UserContext(), id) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "Premium access required"})
	}
	now := a.now()
	recs, err := a.Store.ListDispatchesBetween(c.UserContext(), now.Add(-tipsLookback), now.Add(time.Second))
	if err != nil {
		return errorResponse(c, err)
	}
	tips := make([]fiber.Map, 0, len(recs))
	for _, r := range recs {
		tips = append(tips, fiber.Map{
			"event_id":        r.EventID,
			"championship":    r.Championship,
			"home_team":       r.HomeTeam,
			"away_team":       r.AwayTeam,
			"market":          r.Market,
			"suggested_value": r.SuggestedValue,
			"confidence":      r.Confidence,
			"kickoff_time":    r.KickoffTime.UTC().Format(time.RFC3339),
			"dispatched_at":   r.DispatchedAt.UTC().Format(time.RFC3339),
		})
	}
	return c.JSON(fiber.Map{"subscriber_id": id, "tips": tips})
}

// HandleCreateInvite issues a single-use VIP channel link. Premium only.
func (a *API) HandleCreateInvite(c *fiber.Ctx) error {
	id, ok := parseSubscriberID(c)
	if !ok {
		return badRequest(c, "Invalid subscriber id")
	}
	link, expiresAt, err := a.Scheduler.Invite(c.UserContext(), id)
	if err != nil {
		if apperror.IsConstraint(err) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "Premium access required"})
		}
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"invite_link": link,
		"expires_at":  expiresAt.UTC().Format(time.RFC3339),
	})
}

func subscriberResponse(sub *models.Subscriber) fiber.Map {
	return fiber.Map{
		"id":               sub.ID,
		"username":         sub.Username,
		"plan":             sub.Plan,
		"state":            sub.State,
		"granted_at":       formatTimePtr(sub.GrantedAt),
		"expires_at":       formatTimePtr(sub.ExpiresAt),
		"payment_ref":      sub.PaymentRef,
		"notified_expired": sub.NotifiedExpired,
	}
}
