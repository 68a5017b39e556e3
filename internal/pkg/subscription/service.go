package subscription

import (
	"context"
	"strings"
	"time"

	"github.com/ManuelReschke/ZeusTips/app/models"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/store"
)

// Service owns every subscriber state transition. All transitions run inside
// store.Atomically so concurrent writers observe them whole.
type Service struct {
	store     store.Store
	durations Durations
	now       func() time.Time
}

// NewService creates a subscription service on top of st.
func NewService(st store.Store, durations Durations) *Service {
	return &Service{store: st, durations: durations, now: time.Now}
}

// WithClock returns a copy of the service that reads time from now.
func (s *Service) WithClock(now func() time.Time) *Service {
	cp := *s
	cp.now = now
	return &cp
}

// PaymentRequest describes a subscriber asking to pay for a plan.
type PaymentRequest struct {
	SubscriberID int64  `json:"-" validate:"required"`
	Username     string `json:"username" validate:"max=191"`
	Plan         string `json:"plan" validate:"required"`
	PaymentRef   string `json:"payment_ref" validate:"required,max=191"`
}

// RequestPayment records a new pending payment reference for a subscriber,
// creating the subscriber on first contact. Repeating a request with the same
// ref is a no-op.
func (s *Service) RequestPayment(ctx context.Context, req PaymentRequest) (*models.Subscriber, *models.PaymentIntent, error) {
	const op = "subscription.RequestPayment"
	plan, ok := NormalizePlan(req.Plan)
	if !ok {
		return nil, nil, apperror.Constraint(op, "unknown plan %q", req.Plan)
	}
	ref := strings.TrimSpace(req.PaymentRef)
	if req.SubscriberID == 0 || ref == "" {
		return nil, nil, apperror.Constraint(op, "subscriber id and payment ref are required")
	}

	var (
		sub    *models.Subscriber
		intent *models.PaymentIntent
	)
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		existing, err := tx.GetPaymentIntent(ctx, ref)
		switch {
		case err == nil:
			if existing.SubscriberID != req.SubscriberID {
				return apperror.Constraint(op, "payment ref %q belongs to another subscriber", ref)
			}
			intent = existing
			sub, err = tx.GetSubscriber(ctx, req.SubscriberID)
			return err
		case !apperror.IsNotFound(err):
			return err
		}

		sub, err = tx.GetSubscriber(ctx, req.SubscriberID)
		if apperror.IsNotFound(err) {
			sub = &models.Subscriber{ID: req.SubscriberID}
		} else if err != nil {
			return err
		}
		if sub.State == models.SubscriberStateRevoked {
			return apperror.Constraint(op, "subscriber %d is revoked", sub.ID)
		}

		intent = &models.PaymentIntent{
			Ref:          ref,
			SubscriberID: sub.ID,
			Plan:         plan,
			Status:       models.PaymentIntentPending,
		}
		if err := tx.CreatePaymentIntent(ctx, intent); err != nil {
			return err
		}

		if req.Username != "" {
			sub.Username = req.Username
		}
		sub.PaymentRef = ref
		// Active subscribers keep access while the renewal is pending.
		if sub.State != models.SubscriberStateActive {
			sub.State = models.SubscriberStatePendingPayment
			sub.Plan = plan
		}
		return tx.UpsertSubscriber(ctx, sub)
	})
	if err != nil {
		return nil, nil, err
	}
	return sub, intent, nil
}

// Settle activates the subscriber owning ref. Renewals extend from the later
// of now and the current expiry. Settling an already settled ref changes
// nothing. A revoked subscriber keeps its state; only the intent is settled.
func (s *Service) Settle(ctx context.Context, ref string) (*models.Subscriber, error) {
	const op = "subscription.Settle"
	var sub *models.Subscriber
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		intent, err := tx.GetPaymentIntent(ctx, ref)
		if err != nil {
			return err
		}
		sub, err = tx.GetSubscriber(ctx, intent.SubscriberID)
		if err != nil {
			return err
		}
		switch intent.Status {
		case models.PaymentIntentSettled:
			return nil
		case models.PaymentIntentPending:
		default:
			return apperror.Constraint(op, "payment ref %q is %s", ref, intent.Status)
		}

		now := s.now()
		intent.Status = models.PaymentIntentSettled
		intent.ResolvedAt = &now
		if err := tx.UpdatePaymentIntent(ctx, intent); err != nil {
			return err
		}
		if sub.State == models.SubscriberStateRevoked {
			return nil
		}

		plan := intent.Plan
		if sub.State == models.SubscriberStateActive && sub.IsLifetime() {
			plan = models.PlanLifetime
		}
		base := now
		if sub.State == models.SubscriberStateActive && sub.ExpiresAt != nil && sub.ExpiresAt.After(now) {
			base = *sub.ExpiresAt
		}
		until, err := s.durations.AccessUntil(plan, base)
		if err != nil {
			return err
		}

		sub.Plan = plan
		sub.State = models.SubscriberStateActive
		sub.GrantedAt = &now
		sub.ExpiresAt = until
		sub.PaymentRef = ref
		sub.NotifiedExpired = false
		return tx.UpsertSubscriber(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Fail resolves ref as failed. A subscriber that was waiting on it moves to
// payment_failed; an active subscriber keeps its current window.
func (s *Service) Fail(ctx context.Context, ref string) (*models.Subscriber, error) {
	return s.resolveUnpaid(ctx, ref, models.PaymentIntentFailed)
}

// Invalidate resolves a superseded ref. It never changes the subscriber
// state.
func (s *Service) Invalidate(ctx context.Context, ref string) error {
	_, err := s.resolveUnpaid(ctx, ref, models.PaymentIntentInvalid)
	return err
}

func (s *Service) resolveUnpaid(ctx context.Context, ref, status string) (*models.Subscriber, error) {
	var sub *models.Subscriber
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		intent, err := tx.GetPaymentIntent(ctx, ref)
		if err != nil {
			return err
		}
		sub, err = tx.GetSubscriber(ctx, intent.SubscriberID)
		if err != nil && !apperror.IsNotFound(err) {
			return err
		}
		if !intent.IsPending() {
			return nil
		}
		now := s.now()
		intent.Status = status
		intent.ResolvedAt = &now
		if err := tx.UpdatePaymentIntent(ctx, intent); err != nil {
			return err
		}
		if sub == nil || status != models.PaymentIntentFailed {
			return nil
		}
		if sub.State == models.SubscriberStatePendingPayment && sub.PaymentRef == ref {
			sub.State = models.SubscriberStatePaymentFailed
			return tx.UpsertSubscriber(ctx, sub)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// RecordPendingCheck stores one more inconclusive status check for ref. The
// intent is re-read first; one resolved in the meantime is left untouched
// and reported as false.
func (s *Service) RecordPendingCheck(ctx context.Context, ref string) (bool, error) {
	recorded := false
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		intent, err := tx.GetPaymentIntent(ctx, ref)
		if err != nil {
			return err
		}
		if !intent.IsPending() {
			return nil
		}
		now := s.now()
		intent.CheckCount++
		intent.LastCheckedAt = &now
		recorded = true
		return tx.UpdatePaymentIntent(ctx, intent)
	})
	if err != nil {
		return false, err
	}
	return recorded, nil
}

// Revoke removes premium access permanently. Only active and pending
// subscribers can be revoked; revoking twice is a no-op. Pending refs are
// invalidated so the verifier stops polling them.
func (s *Service) Revoke(ctx context.Context, id int64) (*models.Subscriber, error) {
	const op = "subscription.Revoke"
	var sub *models.Subscriber
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		var err error
		sub, err = tx.GetSubscriber(ctx, id)
		if err != nil {
			return err
		}
		switch sub.State {
		case models.SubscriberStateRevoked:
			return nil
		case models.SubscriberStateActive, models.SubscriberStatePendingPayment:
		default:
			return apperror.Constraint(op, "subscriber %d is %s and cannot be revoked", id, sub.State)
		}
		pending, err := tx.ListPendingIntents(ctx)
		if err != nil {
			return err
		}
		now := s.now()
		for i := range pending {
			if pending[i].SubscriberID != id {
				continue
			}
			pending[i].Status = models.PaymentIntentInvalid
			pending[i].ResolvedAt = &now
			if err := tx.UpdatePaymentIntent(ctx, &pending[i]); err != nil {
				return err
			}
		}
		sub.State = models.SubscriberStateRevoked
		return tx.UpsertSubscriber(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Expire moves subscriber id to expired if its window has closed. It reports
// whether the state changed.
func (s *Service) Expire(ctx context.Context, id int64) (*models.Subscriber, bool, error) {
	var (
		sub     *models.Subscriber
		changed bool
	)
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		var err error
		sub, err = tx.GetSubscriber(ctx, id)
		if err != nil {
			return err
		}
		if sub.State != models.SubscriberStateActive || sub.IsLifetime() {
			return nil
		}
		if sub.ExpiresAt == nil || sub.ExpiresAt.After(s.now()) {
			return nil
		}
		sub.State = models.SubscriberStateExpired
		changed = true
		return tx.UpsertSubscriber(ctx, sub)
	})
	if err != nil {
		return nil, false, err
	}
	return sub, changed, nil
}

// MarkExpiryNotified records that the expiry notice reached the subscriber.
func (s *Service) MarkExpiryNotified(ctx context.Context, id int64) error {
	return s.store.Atomically(ctx, func(tx store.Store) error {
		sub, err := tx.GetSubscriber(ctx, id)
		if err != nil {
			return err
		}
		if sub.NotifiedExpired {
			return nil
		}
		sub.NotifiedExpired = true
		return tx.UpsertSubscriber(ctx, sub)
	})
}

// Get returns subscriber id.
func (s *Service) Get(ctx context.Context, id int64) (*models.Subscriber, error) {
	return s.store.GetSubscriber(ctx, id)
}
