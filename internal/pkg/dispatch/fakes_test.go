package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/ZeusTips/app/models"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/access"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/ranker"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/store"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/store/storetest"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/subscription"
)

var errBoom = errors.New("boom")

type fakeSource struct {
	mu         sync.Mutex
	candidates []ranker.Candidate
	err        error
	calls      int
}

func (f *fakeSource) set(cs ...ranker.Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = cs
}

func (f *fakeSource) FetchCandidateEvents(context.Context, Window) ([]ranker.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]ranker.Candidate(nil), f.candidates...), nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []string
	failNext map[string]int
	failAll  bool
	// block, when set, is received from before the first publish returns.
	block   chan struct{}
	entered chan struct{}
}

func (f *fakePublisher) PublishToChannel(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	block, entered := f.block, f.entered
	f.block = nil
	f.mu.Unlock()
	if block != nil {
		close(entered)
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errBoom
	}
	for marker, n := range f.failNext {
		if n > 0 && strings.Contains(text, marker) {
			f.failNext[marker] = n - 1
			return errBoom
		}
	}
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fakeNotifier struct {
	mu    sync.Mutex
	fail  bool
	sent  map[int64]int
	calls int
}

func (f *fakeNotifier) NotifySubscriber(_ context.Context, id int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return errBoom
	}
	if f.sent == nil {
		f.sent = map[int64]int{}
	}
	f.sent[id]++
	return nil
}

type fakeInviter struct{}

func (fakeInviter) CreateInviteLink(_ context.Context, channelID, name string, _ time.Time) (string, error) {
	return "https://t.me/+" + channelID + "-" + name, nil
}

type fakeAlerter struct {
	mu    sync.Mutex
	kinds []string
}

func (f *fakeAlerter) Alert(_ context.Context, kind, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
}

type harness struct {
	now       time.Time
	store     store.Store
	subs      *subscription.Service
	source    *fakeSource
	publisher *fakePublisher
	notifier  *fakeNotifier
	alerter   *fakeAlerter
	sched     *Scheduler
}

func defaultConfig() Config {
	return Config{
		MinConfidence:       70,
		PerCycleCap:         3,
		PerDayCap:           10,
		DedupWindow:         24 * time.Hour,
		CandidateMaxAge:     24 * time.Hour,
		Lookahead:           24 * time.Hour,
		CallTimeout:         time.Second,
		Times:               []string{"15:00"},
		Location:            time.UTC,
		ExpirySweepInterval: time.Hour,
		DefaultChannelID:    "-100vip",
	}
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		now:       time.Date(2026, 8, 1, 15, 0, 0, 0, time.UTC),
		source:    &fakeSource{},
		publisher: &fakePublisher{failNext: map[string]int{}},
		notifier:  &fakeNotifier{},
		alerter:   &fakeAlerter{},
	}
	clock := func() time.Time { return h.now }
	h.store = storetest.New(t, store.WithClock(clock))
	h.subs = subscription.NewService(h.store, subscription.DefaultDurations).WithClock(clock)

	cfg := defaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	enforcer := access.NewEnforcer(h.store).WithClock(clock)
	h.sched = NewScheduler(Deps{
		Store:         h.store,
		Subscriptions: h.subs,
		Source:        h.source,
		Publisher:     h.publisher,
		Notifier:      h.notifier,
		Inviter:       fakeInviter{},
		Access:        enforcer,
		Alerter:       h.alerter,
	}, cfg)
	h.sched.now = clock
	return h
}

// cand builds a fresh candidate kicking off offset after the harness clock.
func (h *harness) cand(id string, confidence float64, offset time.Duration) ranker.Candidate {
	return ranker.Candidate{
		EventID:        id,
		Confidence:     confidence,
		KickoffTime:    h.now.Add(offset),
		GeneratedAt:    h.now.Add(-time.Minute),
		Market:         "1X2",
		SuggestedValue: 1.8,
		HomeTeam:       "Home " + id,
		AwayTeam:       "Away " + id,
	}
}

func reasons(res *Result) map[string]string {
	out := map[string]string{}
	for _, s := range res.Skipped {
		out[s.EventID] = s.Reason
	}
	return out
}

func activeSubscriber(t *testing.T, h *harness, id int64, expiresIn time.Duration) {
	t.Helper()
	exp := h.now.Add(expiresIn)
	granted := h.now.Add(-time.Hour)
	err := h.store.UpsertSubscriber(context.Background(), &models.Subscriber{
		ID: id, Plan: models.PlanMonthly, State: models.SubscriberStateActive, GrantedAt: &granted, ExpiresAt: &exp,
	})
	if err != nil {
		t.Fatal(err)
	}
}

// recordFailingStore fails RecordDispatch for the listed events.
type recordFailingStore struct {
	store.Store
	fail map[string]bool
}

func (s recordFailingStore) RecordDispatch(ctx context.Context, rec *models.DispatchRecord, window time.Duration) error {
	if s.fail[rec.EventID] {
		return errBoom
	}
	return s.Store.RecordDispatch(ctx, rec, window)
}
