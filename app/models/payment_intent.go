package models

import "time"

const (
	PaymentIntentPending = "pending"
	PaymentIntentSettled = "settled"
	PaymentIntentFailed  = "failed"
	// PaymentIntentInvalid marks a ref superseded by a newer pending ref of the
	// same subscriber.
	PaymentIntentInvalid = "invalid"
)

// PaymentIntent is one external payment reference requested by a subscriber.
type PaymentIntent struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	Ref           string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"ref"`
	SubscriberID  int64      `gorm:"not null;index:idx_payment_intents_subscriber_status,priority:1" json:"subscriber_id"`
	Plan          string     `gorm:"type:varchar(20);not null" json:"plan"`
	Status        string     `gorm:"type:varchar(16);not null;default:'pending';index:idx_payment_intents_subscriber_status,priority:2" json:"status"`
	CheckCount    int        `gorm:"default:0" json:"check_count"`
	LastCheckedAt *time.Time `gorm:"type:timestamp;default:null" json:"last_checked_at,omitempty"`
	ResolvedAt    *time.Time `gorm:"type:timestamp;default:null" json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsPending reports whether the intent still awaits settlement.
func (p *PaymentIntent) IsPending() bool {
	return p.Status == PaymentIntentPending
}
