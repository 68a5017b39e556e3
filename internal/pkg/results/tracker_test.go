package results

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ZeusTips/app/models"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/store"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/store/storetest"
)

type fakeSource struct {
	mu     sync.Mutex
	scores map[string]*Score
	errs   map[string]error
	calls  map[string]int
}

func (f *fakeSource) FetchResult(_ context.Context, eventID string) (*Score, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[eventID]++
	if err := f.errs[eventID]; err != nil {
		return nil, err
	}
	return f.scores[eventID], nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []string
	fail     bool
}

func (f *fakePublisher) PublishToChannel(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("boom")
	}
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakePublisher) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

type fixedChannel string

func (c fixedChannel) ChannelID(context.Context) (string, error) { return string(c), nil }

type harness struct {
	store   store.Store
	source  *fakeSource
	pub     *fakePublisher
	tracker *Tracker
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Date(2026, 8, 1, 23, 0, 0, 0, time.UTC)
	h := &harness{
		store:  storetest.New(t),
		source: &fakeSource{scores: map[string]*Score{}, errs: map[string]error{}},
		pub:    &fakePublisher{},
		now:    now,
	}
	h.tracker = NewTracker(h.store, h.source, h.pub, fixedChannel("-100"), Config{
		CheckInterval: time.Hour,
		SettleDelay:   2 * time.Hour,
		MaxAge:        72 * time.Hour,
		SummaryTime:   "23:00",
		CallTimeout:   time.Second,
	})
	h.tracker.now = func() time.Time { return h.now }
	return h
}

func (h *harness) dispatch(t *testing.T, id, prediction string, odd float64, kickoff time.Time) {
	t.Helper()
	require.NoError(t, h.store.RecordDispatch(context.Background(), &models.DispatchRecord{
		EventID:        id,
		CycleID:        "cycle",
		DispatchedAt:   kickoff.Add(-3 * time.Hour),
		Market:         "1X2",
		Prediction:     prediction,
		SuggestedValue: odd,
		HomeTeam:       "Flamengo",
		AwayTeam:       "Palmeiras",
		KickoffTime:    kickoff,
	}, time.Hour))
}

func TestCheckResultsSettlesFinishedTips(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.dispatch(t, "green", "Flamengo vence", 1.80, h.now.Add(-4*time.Hour))
	h.dispatch(t, "red", "Over 2.5", 1.90, h.now.Add(-5*time.Hour))
	h.dispatch(t, "live", "Empate", 3.10, h.now.Add(-3*time.Hour))
	h.dispatch(t, "unknown", "Empate", 3.10, h.now.Add(-3*time.Hour))
	h.dispatch(t, "too-soon", "Empate", 3.10, h.now.Add(-time.Hour))
	h.source.scores["green"] = &Score{Status: "FT", HomeGoals: 2, AwayGoals: 0}
	h.source.scores["red"] = &Score{Status: "FT", HomeGoals: 1, AwayGoals: 0}
	h.source.scores["live"] = &Score{Status: "2H", HomeGoals: 0, AwayGoals: 0}

	report, err := h.tracker.CheckResults(ctx)
	require.NoError(t, err)
	assert.Equal(t, &CheckReport{Checked: 4, Green: 1, Red: 1, Waiting: 2}, report)
	assert.Zero(t, h.source.calls["too-soon"])

	got, err := h.store.ResultsFor(ctx, []string{"green", "red", "live", "unknown"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.ResultGreen, got["green"].Result)
	assert.Equal(t, models.ResultRed, got["red"].Result)

	sent := h.pub.sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0], "RED")
	assert.Contains(t, sent[1], "GREEN")
	assert.Contains(t, sent[1], "+0.80")

	// Settled tips are not checked again.
	report, err = h.tracker.CheckResults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, h.source.calls["green"])
}

func TestCheckResultsClosesVoidTips(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.dispatch(t, "cancelled", "Empate", 3.10, h.now.Add(-4*time.Hour))
	h.dispatch(t, "ancient", "Empate", 3.10, h.now.Add(-80*time.Hour))
	h.dispatch(t, "unreadable", "Escanteios", 1.70, h.now.Add(-4*time.Hour))
	h.source.scores["cancelled"] = &Score{Status: "CANC"}
	h.source.scores["unreadable"] = &Score{Status: "FT", HomeGoals: 1, AwayGoals: 0}

	report, err := h.tracker.CheckResults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Void)
	assert.Zero(t, h.source.calls["ancient"])
	assert.Empty(t, h.pub.sent())

	got, err := h.store.ResultsFor(ctx, []string{"cancelled", "ancient", "unreadable"})
	require.NoError(t, err)
	for id, res := range got {
		assert.Equal(t, models.ResultVoid, res.Result, id)
	}
	assert.Len(t, got, 3)
}

func TestCheckResultsKeepsTipsOnSourceError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.dispatch(t, "a", "Flamengo vence", 1.80, h.now.Add(-4*time.Hour))
	h.dispatch(t, "b", "Flamengo vence", 1.80, h.now.Add(-4*time.Hour))
	h.source.errs["a"] = errors.New("timeout")
	h.source.scores["b"] = &Score{Status: "FT", HomeGoals: 1, AwayGoals: 0}
	h.pub.fail = true

	report, err := h.tracker.CheckResults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, report.Green)

	// A failed notice does not undo the result.
	got, err := h.store.ResultsFor(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "b")
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.dispatch(t, "g1", "Flamengo vence", 1.80, h.now.Add(-8*time.Hour))
	h.dispatch(t, "g2", "Flamengo vence", 2.20, h.now.Add(-7*time.Hour))
	h.dispatch(t, "r1", "Flamengo vence", 1.50, h.now.Add(-6*time.Hour))
	h.dispatch(t, "v1", "Flamengo vence", 1.50, h.now.Add(-6*time.Hour))
	h.dispatch(t, "p1", "Flamengo vence", 1.50, h.now.Add(-2*time.Hour))
	h.dispatch(t, "yesterday", "Flamengo vence", 1.50, h.now.Add(-30*time.Hour))
	for id, res := range map[string]string{"g1": models.ResultGreen, "g2": models.ResultGreen, "r1": models.ResultRed, "v1": models.ResultVoid, "yesterday": models.ResultRed} {
		require.NoError(t, h.store.SaveDispatchResult(ctx, &models.DispatchResult{EventID: id, Result: res}))
	}

	sum, err := h.tracker.Summarize(ctx, h.now)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Total)
	assert.Equal(t, 2, sum.Greens)
	assert.Equal(t, 1, sum.Reds)
	assert.Equal(t, 1, sum.Voids)
	assert.Equal(t, 1, sum.Pending)
	// 0.80 + 1.20 - 1
	assert.InDelta(t, 1.0, sum.Profit, 0.001)
	assert.InDelta(t, 33.33, sum.ROI, 0.01)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), sum.Date)
}

func TestSendDailySummary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	sum, err := h.tracker.SendDailySummary(ctx, h.now)
	require.NoError(t, err)
	assert.Zero(t, sum.Total)
	assert.Empty(t, h.pub.sent())

	h.dispatch(t, "r1", "Flamengo vence", 1.50, h.now.Add(-6*time.Hour))
	require.NoError(t, h.store.SaveDispatchResult(ctx, &models.DispatchResult{EventID: "r1", Result: models.ResultRed}))

	_, err = h.tracker.SendDailySummary(ctx, h.now)
	require.NoError(t, err)
	sent := h.pub.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "RESUMO DO DIA")
	assert.Contains(t, sent[0], "ROI do dia: -100.0%")

	h.pub.fail = true
	_, err = h.tracker.SendDailySummary(ctx, h.now)
	assert.Error(t, err)
}
