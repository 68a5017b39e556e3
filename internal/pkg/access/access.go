// Package access decides who may receive premium content.
package access

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ZeusTips/app/models"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
)

// SubscriberGetter is the part of the store the enforcer reads.
type SubscriberGetter interface {
	GetSubscriber(ctx context.Context, id int64) (*models.Subscriber, error)
}

// Enforcer answers premium access queries. It fails closed: unknown
// subscribers and store errors deny access.
type Enforcer struct {
	subs SubscriberGetter
	now  func() time.Time
}

func NewEnforcer(subs SubscriberGetter) *Enforcer {
	return &Enforcer{subs: subs, now: time.Now}
}

// WithClock returns a copy of the enforcer that reads time from now.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	cp := *e
	cp.now = now
	return &cp
}

// Decision explains an access answer.
type Decision struct {
	SubscriberID int64      `json:"subscriber_id"`
	Premium      bool       `json:"premium"`
	State        string     `json:"state,omitempty"`
	Plan         string     `json:"plan,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	// NeedsExpiryNotice flags lapsed subscribers that were not told yet.
	NeedsExpiryNotice bool `json:"needs_expiry_notice,omitempty"`
}

// Decide returns the full access decision for id.
func (e *Enforcer) Decide(ctx context.Context, id int64) Decision {
	d := Decision{SubscriberID: id}
	sub, err := e.subs.GetSubscriber(ctx, id)
	if err != nil {
		if !apperror.IsNotFound(err) {
			log.Warnf("[Access] Lookup of %d failed, denying: %v", id, err)
		}
		return d
	}
	now := e.now()
	d.State = sub.State
	d.Plan = sub.Plan
	d.ExpiresAt = sub.ExpiresAt
	d.Premium = sub.HasAccessAt(now)
	d.NeedsExpiryNotice = !sub.NotifiedExpired && (sub.State == models.SubscriberStateExpired ||
		(sub.State == models.SubscriberStateActive && !d.Premium))
	return d
}

// CanAccessPremium reports whether id is active with an open access window.
func (e *Enforcer) CanAccessPremium(ctx context.Context, id int64) bool {
	return e.Decide(ctx, id).Premium
}
