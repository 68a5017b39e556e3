package models

import "time"

const (
	PlanMonthly   = "monthly"
	PlanQuarterly = "quarterly"
	PlanLifetime  = "lifetime"
)

const (
	SubscriberStatePendingPayment = "pending_payment"
	SubscriberStateActive         = "active"
	SubscriberStateExpired        = "expired"
	SubscriberStateRevoked        = "revoked"
	// SubscriberStatePaymentFailed is terminal for the payment_ref that failed.
	// A new payment intent moves the subscriber back to pending_payment.
	SubscriberStatePaymentFailed = "payment_failed"
)

// Subscriber is a channel member identified by their chat id. Rows are never
// hard-deleted so the history of plans and states stays auditable.
type Subscriber struct {
	ID              int64      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Username        string     `gorm:"type:varchar(191)" json:"username"`
	Plan            string     `gorm:"type:varchar(20);not null" json:"plan"`
	State           string     `gorm:"type:varchar(32);not null;index:idx_subscribers_state_expires,priority:1" json:"state"`
	GrantedAt       *time.Time `gorm:"type:timestamp;default:null" json:"granted_at,omitempty"`
	ExpiresAt       *time.Time `gorm:"type:timestamp;default:null;index:idx_subscribers_state_expires,priority:2" json:"expires_at,omitempty"`
	PaymentRef      string     `gorm:"type:varchar(191)" json:"payment_ref"`
	NotifiedExpired bool       `gorm:"default:false" json:"notified_expired"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsLifetime reports whether the access window never closes.
func (s *Subscriber) IsLifetime() bool {
	return s.Plan == PlanLifetime
}

// HasAccessAt reports whether the subscriber holds premium access at t.
func (s *Subscriber) HasAccessAt(t time.Time) bool {
	if s.State != SubscriberStateActive {
		return false
	}
	if s.IsLifetime() {
		return true
	}
	return s.ExpiresAt != nil && s.ExpiresAt.After(t)
}
