package dispatch

import (
	"context"
	"time"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/ranker"
)

// Window bounds the kickoff times of the candidates a cycle asks for.
type Window struct {
	From time.Time
	To   time.Time
}

// CandidateSource yields scored candidate events.
type CandidateSource interface {
	FetchCandidateEvents(ctx context.Context, window Window) ([]ranker.Candidate, error)
}

// Publisher posts a rendered message to the shared channel.
type Publisher interface {
	PublishToChannel(ctx context.Context, channelID, text string) error
}

// Notifier sends a direct message to one subscriber.
type Notifier interface {
	NotifySubscriber(ctx context.Context, subscriberID int64, text string) error
}

// Inviter creates single-use channel invite links.
type Inviter interface {
	CreateInviteLink(ctx context.Context, channelID, name string, expiresAt time.Time) (string, error)
}

// AccessChecker answers whether a subscriber currently holds premium access.
type AccessChecker interface {
	CanAccessPremium(ctx context.Context, subscriberID int64) bool
}

// Alerter reports operational problems to a human. Implementations rate
// limit per kind.
type Alerter interface {
	Alert(ctx context.Context, kind, message string)
}

type noopAlerter struct{}

func (noopAlerter) Alert(context.Context, string, string) {}
