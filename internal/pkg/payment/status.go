package payment

import "context"

// Status is the provider verdict on one payment reference.
type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// StatusChecker queries the external payment provider.
type StatusChecker interface {
	CheckPaymentStatus(ctx context.Context, ref string) (Status, error)
}
