package store

import (
	"context"
	"time"

	"github.com/ManuelReschke/ZeusTips/app/models"
)

// Store is the shared state of the payment verifier, the dispatch scheduler
// and inbound handlers. Every method is safe for concurrent use.
type Store interface {
	// Atomically runs fn against a transaction-scoped Store. Writes of other
	// callers are held back until fn returns.
	Atomically(ctx context.Context, fn func(tx Store) error) error

	UpsertSubscriber(ctx context.Context, sub *models.Subscriber) error
	GetSubscriber(ctx context.Context, id int64) (*models.Subscriber, error)
	ListByState(ctx context.Context, state string) ([]models.Subscriber, error)
	ListExpiringBefore(ctx context.Context, t time.Time) ([]models.Subscriber, error)
	CountSubscribersByState(ctx context.Context) (map[string]int64, error)

	CreatePaymentIntent(ctx context.Context, intent *models.PaymentIntent) error
	GetPaymentIntent(ctx context.Context, ref string) (*models.PaymentIntent, error)
	ListPendingIntents(ctx context.Context) ([]models.PaymentIntent, error)
	UpdatePaymentIntent(ctx context.Context, intent *models.PaymentIntent) error

	RecordDispatch(ctx context.Context, rec *models.DispatchRecord, window time.Duration) error
	WasDispatchedWithin(ctx context.Context, eventID string, window time.Duration) (bool, error)
	DispatchedSince(ctx context.Context, since time.Time) (map[string]struct{}, error)
	CountDispatchesSince(ctx context.Context, since time.Time, includeForced bool) (int64, error)
	ListDispatchesBetween(ctx context.Context, from, to time.Time) ([]models.DispatchRecord, error)

	// ListUnsettledDispatches returns dispatched events without a result
	// whose kickoff lies in [from, to), oldest kickoff first.
	ListUnsettledDispatches(ctx context.Context, from, to time.Time, limit int) ([]models.DispatchRecord, error)
	// SaveDispatchResult stores the outcome of an event. An event settles
	// once; a second result for it is a constraint error.
	SaveDispatchResult(ctx context.Context, res *models.DispatchResult) error
	ResultsFor(ctx context.Context, eventIDs []string) (map[string]models.DispatchResult, error)

	SaveCycle(ctx context.Context, cycle *models.DispatchCycle) error
	ListCycles(ctx context.Context, limit int) ([]models.DispatchCycle, error)

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	Stats(ctx context.Context, since time.Time) (*Stats, error)
}

// Stats is a point-in-time summary for the admin surface.
type Stats struct {
	SubscribersByState map[string]int64 `json:"subscribers_by_state"`
	DispatchesSince    time.Time        `json:"dispatches_since"`
	Dispatches         int64            `json:"dispatches"`
	ForcedDispatches   int64            `json:"forced_dispatches"`
	PendingIntents     int64            `json:"pending_intents"`
	ResultsSince       map[string]int64 `json:"results_since"`
}

// Models lists every table owned by the store, in migration order.
func Models() []interface{} {
	return []interface{}{
		&models.Subscriber{},
		&models.PaymentIntent{},
		&models.DispatchRecord{},
		&models.DispatchCycle{},
		&models.DispatchResult{},
		&models.Setting{},
	}
}
