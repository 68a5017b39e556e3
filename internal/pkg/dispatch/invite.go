package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
)

// InviteTTL is how long a generated channel invite stays valid.
const InviteTTL = 24 * time.Hour

// Invite creates a single-use VIP channel link for a subscriber with
// premium access.
func (s *Scheduler) Invite(ctx context.Context, subscriberID int64) (string, time.Time, error) {
	const op = "dispatch.Invite"
	if s.inviter == nil || s.access == nil {
		return "", time.Time{}, apperror.Configuration(op, errors.New("channel invites are not configured"))
	}
	if !s.access.CanAccessPremium(ctx, subscriberID) {
		return "", time.Time{}, apperror.Constraint(op, "subscriber %d has no premium access", subscriberID)
	}
	channel, err := s.ChannelID(ctx)
	if err != nil {
		return "", time.Time{}, err
	}

	expiresAt := s.now().Add(InviteTTL)
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	link, err := s.inviter.CreateInviteLink(callCtx, channel, fmt.Sprintf("vip-%d", subscriberID), expiresAt)
	if err != nil {
		return "", time.Time{}, err
	}
	return link, expiresAt, nil
}
