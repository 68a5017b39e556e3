package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/ZeusTips/app/models"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
)

// gormStore serialises all writers behind one mutex. Volume is a handful of
// subscribers and tips per hour, so global serialisation is cheap and keeps
// per-subscriber and per-event invariants simple to reason about.
type gormStore struct {
	db   *gorm.DB
	mu   *sync.Mutex
	inTx bool
	now  func() time.Time
}

// Option configures a GORM-backed store.
type Option func(*gormStore)

// WithClock overrides the time source used for rolling windows.
func WithClock(now func() time.Time) Option {
	return func(s *gormStore) {
		s.now = now
	}
}

// NewGormStore creates a Store backed by GORM.
func NewGormStore(db *gorm.DB, opts ...Option) Store {
	s := &gormStore{
		db:  db,
		mu:  &sync.Mutex{},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *gormStore) write(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.inTx {
		return fn(s.db.WithContext(ctx))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *gormStore) Atomically(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx, mu: s.mu, inTx: true, now: s.now})
	})
}

func (s *gormStore) UpsertSubscriber(ctx context.Context, sub *models.Subscriber) error {
	if sub.ID == 0 {
		return apperror.Constraint("store.UpsertSubscriber", "subscriber id is required")
	}
	return s.write(ctx, func(tx *gorm.DB) error {
		if sub.State == models.SubscriberStatePendingPayment && sub.PaymentRef != "" {
			var others int64
			err := tx.Model(&models.PaymentIntent{}).
				Where("subscriber_id = ? AND status = ? AND ref <> ?", sub.ID, models.PaymentIntentPending, sub.PaymentRef).
				Count(&others).Error
			if err != nil {
				return err
			}
			if others > 0 {
				return apperror.Constraint("store.UpsertSubscriber",
					"subscriber %d already has another pending payment ref", sub.ID)
			}
		}
		sub.GrantedAt = utcPtr(sub.GrantedAt)
		sub.ExpiresAt = utcPtr(sub.ExpiresAt)
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"username",
				"plan",
				"state",
				"granted_at",
				"expires_at",
				"payment_ref",
				"notified_expired",
				"updated_at",
			}),
		}).Create(sub).Error
	})
}

func (s *gormStore) GetSubscriber(ctx context.Context, id int64) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.NotFound("store.GetSubscriber", "subscriber %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *gormStore) ListByState(ctx context.Context, state string) ([]models.Subscriber, error) {
	var subs []models.Subscriber
	err := s.db.WithContext(ctx).Where("state = ?", state).Order("id").Find(&subs).Error
	return subs, err
}

func (s *gormStore) ListExpiringBefore(ctx context.Context, t time.Time) ([]models.Subscriber, error) {
	var subs []models.Subscriber
	err := s.db.WithContext(ctx).
		Where("state = ? AND plan <> ? AND expires_at IS NOT NULL AND expires_at <= ?",
			models.SubscriberStateActive, models.PlanLifetime, t.UTC()).
		Order("expires_at").
		Find(&subs).Error
	return subs, err
}

func (s *gormStore) CountSubscribersByState(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		State string
		Count int64
	}
	err := s.db.WithContext(ctx).Model(&models.Subscriber{}).
		Select("state, count(*) as count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.Count
	}
	return out, nil
}

func (s *gormStore) CreatePaymentIntent(ctx context.Context, intent *models.PaymentIntent) error {
	if intent.Ref == "" || intent.SubscriberID == 0 {
		return apperror.Constraint("store.CreatePaymentIntent", "ref and subscriber id are required")
	}
	return s.write(ctx, func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.PaymentIntent{}).Where("ref = ?", intent.Ref).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return apperror.Constraint("store.CreatePaymentIntent", "payment ref %q already exists", intent.Ref)
		}
		var pending int64
		err := tx.Model(&models.PaymentIntent{}).
			Where("subscriber_id = ? AND status = ?", intent.SubscriberID, models.PaymentIntentPending).
			Count(&pending).Error
		if err != nil {
			return err
		}
		if pending > 0 {
			return apperror.Constraint("store.CreatePaymentIntent",
				"subscriber %d already has a pending payment ref", intent.SubscriberID)
		}
		if intent.Status == "" {
			intent.Status = models.PaymentIntentPending
		}
		return tx.Create(intent).Error
	})
}

func (s *gormStore) GetPaymentIntent(ctx context.Context, ref string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := s.db.WithContext(ctx).Where("ref = ?", ref).First(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.NotFound("store.GetPaymentIntent", "payment ref %q", ref)
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// ListPendingIntents returns all pending intents, newest first per subscriber.
func (s *gormStore) ListPendingIntents(ctx context.Context) ([]models.PaymentIntent, error) {
	var intents []models.PaymentIntent
	err := s.db.WithContext(ctx).
		Where("status = ?", models.PaymentIntentPending).
		Order("subscriber_id").Order("created_at DESC").Order("id DESC").
		Find(&intents).Error
	return intents, err
}

func (s *gormStore) UpdatePaymentIntent(ctx context.Context, intent *models.PaymentIntent) error {
	if intent.ID == 0 {
		return apperror.Constraint("store.UpdatePaymentIntent", "intent %q has no id", intent.Ref)
	}
	return s.write(ctx, func(tx *gorm.DB) error {
		intent.LastCheckedAt = utcPtr(intent.LastCheckedAt)
		intent.ResolvedAt = utcPtr(intent.ResolvedAt)
		return tx.Save(intent).Error
	})
}

// RecordDispatch appends a dispatch record unless the event was already
// dispatched within window before rec.DispatchedAt.
func (s *gormStore) RecordDispatch(ctx context.Context, rec *models.DispatchRecord, window time.Duration) error {
	if rec.EventID == "" || rec.CycleID == "" {
		return apperror.Constraint("store.RecordDispatch", "event id and cycle id are required")
	}
	if rec.DispatchedAt.IsZero() {
		rec.DispatchedAt = s.now()
	}
	rec.DispatchedAt = rec.DispatchedAt.UTC()
	rec.KickoffTime = rec.KickoffTime.UTC()
	return s.write(ctx, func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&models.DispatchRecord{}).
			Where("event_id = ? AND dispatched_at > ?", rec.EventID, rec.DispatchedAt.Add(-window)).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return apperror.Constraint("store.RecordDispatch",
				"event %s already dispatched within %s", rec.EventID, window)
		}
		return tx.Create(rec).Error
	})
}

func (s *gormStore) WasDispatchedWithin(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.DispatchRecord{}).
		Where("event_id = ? AND dispatched_at > ?", eventID, s.now().UTC().Add(-window)).
		Count(&count).Error
	return count > 0, err
}

func (s *gormStore) DispatchedSince(ctx context.Context, since time.Time) (map[string]struct{}, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.DispatchRecord{}).
		Where("dispatched_at > ?", since.UTC()).
		Distinct("event_id").
		Pluck("event_id", &ids).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *gormStore) CountDispatchesSince(ctx context.Context, since time.Time, includeForced bool) (int64, error) {
	q := s.db.WithContext(ctx).Model(&models.DispatchRecord{}).Where("dispatched_at >= ?", since.UTC())
	if !includeForced {
		q = q.Where("forced = ?", false)
	}
	var count int64
	err := q.Count(&count).Error
	return count, err
}

func (s *gormStore) ListDispatchesBetween(ctx context.Context, from, to time.Time) ([]models.DispatchRecord, error) {
	var recs []models.DispatchRecord
	err := s.db.WithContext(ctx).
		Where("dispatched_at >= ? AND dispatched_at < ?", from.UTC(), to.UTC()).
		Order("dispatched_at").Order("id").
		Find(&recs).Error
	return recs, err
}

func (s *gormStore) ListUnsettledDispatches(ctx context.Context, from, to time.Time, limit int) ([]models.DispatchRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []models.DispatchRecord
	err := s.db.WithContext(ctx).
		Where("kickoff_time >= ? AND kickoff_time < ?", from.UTC(), to.UTC()).
		Where("event_id NOT IN (?)", s.db.Model(&models.DispatchResult{}).Select("event_id")).
		Order("kickoff_time").Order("id").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

func (s *gormStore) SaveDispatchResult(ctx context.Context, res *models.DispatchResult) error {
	if res.EventID == "" || res.Result == "" {
		return apperror.Constraint("store.SaveDispatchResult", "event id and result are required")
	}
	if res.SettledAt.IsZero() {
		res.SettledAt = s.now()
	}
	res.SettledAt = res.SettledAt.UTC()
	return s.write(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.DispatchResult{}).Where("event_id = ?", res.EventID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return apperror.Constraint("store.SaveDispatchResult", "event %s already settled", res.EventID)
		}
		return tx.Create(res).Error
	})
}

func (s *gormStore) ResultsFor(ctx context.Context, eventIDs []string) (map[string]models.DispatchResult, error) {
	out := make(map[string]models.DispatchResult, len(eventIDs))
	if len(eventIDs) == 0 {
		return out, nil
	}
	var rows []models.DispatchResult
	if err := s.db.WithContext(ctx).Where("event_id IN ?", eventIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.EventID] = r
	}
	return out, nil
}

func (s *gormStore) SaveCycle(ctx context.Context, cycle *models.DispatchCycle) error {
	cycle.StartedAt = cycle.StartedAt.UTC()
	cycle.FinishedAt = utcPtr(cycle.FinishedAt)
	return s.write(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "cycle_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"state",
				"finished_at",
				"published",
				"skipped",
				"error",
			}),
		}).Create(cycle).Error
	})
}

func (s *gormStore) ListCycles(ctx context.Context, limit int) ([]models.DispatchCycle, error) {
	if limit <= 0 {
		limit = 20
	}
	var cycles []models.DispatchCycle
	err := s.db.WithContext(ctx).Order("started_at DESC").Order("id DESC").Limit(limit).Find(&cycles).Error
	return cycles, err
}

// GetSetting returns "" for keys that were never set.
func (s *gormStore) GetSetting(ctx context.Context, key string) (string, error) {
	var setting models.Setting
	err := s.db.WithContext(ctx).Where("setting_key = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (s *gormStore) SetSetting(ctx context.Context, key, value string) error {
	return s.write(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "setting_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&models.Setting{Key: key, Value: value}).Error
	})
}

func (s *gormStore) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	byState, err := s.CountSubscribersByState(ctx)
	if err != nil {
		return nil, err
	}
	all, err := s.CountDispatchesSince(ctx, since, true)
	if err != nil {
		return nil, err
	}
	regular, err := s.CountDispatchesSince(ctx, since, false)
	if err != nil {
		return nil, err
	}
	var pending int64
	err = s.db.WithContext(ctx).Model(&models.PaymentIntent{}).
		Where("status = ?", models.PaymentIntentPending).
		Count(&pending).Error
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Result string
		Count  int64
	}
	err = s.db.WithContext(ctx).Model(&models.DispatchResult{}).
		Select("result, count(*) as count").
		Where("settled_at >= ?", since.UTC()).
		Group("result").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	results := make(map[string]int64, len(rows))
	for _, r := range rows {
		results[r.Result] = r.Count
	}
	return &Stats{
		ResultsSince:       results,
		SubscribersByState: byState,
		DispatchesSince:    since.UTC(),
		Dispatches:         all,
		ForcedDispatches:   all - regular,
		PendingIntents:     pending,
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
