package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ZeusTips/app/models"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
)

func TestRunCycleCapsAndDefers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	for i := 0; i < 10; i++ {
		h.source.candidates = append(h.source.candidates, h.cand(fmt.Sprintf("ev%02d", i), float64(90-i), time.Hour))
	}

	res, err := h.sched.RunCycle(ctx, Scheduled())
	require.NoError(t, err)
	assert.Equal(t, []string{"ev00", "ev01", "ev02"}, res.Published)
	require.Len(t, res.Skipped, 7)
	for _, s := range res.Skipped {
		assert.Equal(t, SkipDeferred, s.Reason)
	}

	n, err := h.store.CountDispatchesSince(ctx, h.now.Add(-time.Hour), true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, models.CycleStateIdle, h.sched.State())
}

func TestRunCycleBusyCap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) {
		c.BusyCycleCap = 5
		c.BusyCycleThreshold = 6
	})

	// Below the threshold the regular cap applies.
	for i := 0; i < 5; i++ {
		h.source.candidates = append(h.source.candidates, h.cand(fmt.Sprintf("q%02d", i), float64(90-i), time.Hour))
	}
	res, err := h.sched.RunCycle(ctx, Scheduled())
	require.NoError(t, err)
	assert.Len(t, res.Published, 3)

	h.source.set()
	for i := 0; i < 8; i++ {
		h.source.candidates = append(h.source.candidates, h.cand(fmt.Sprintf("b%02d", i), float64(90-i), time.Hour))
	}
	res, err = h.sched.RunCycle(ctx, Scheduled())
	require.NoError(t, err)
	assert.Equal(t, []string{"b00", "b01", "b02", "b03", "b04"}, res.Published)
	assert.Len(t, res.Skipped, 3)
}

func TestRunCycleRankedOrderScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) {
		c.MinConfidence = 50
		c.PerCycleCap = 2
	})
	h.source.set(
		h.cand("A", 80, 2*time.Hour),
		h.cand("B", 80, time.Hour),
		h.cand("C", 60, 3*time.Hour),
	)

	res, err := h.sched.RunCycle(ctx, Scheduled())
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, res.Published)
	assert.Equal(t, []Skip{{EventID: "C", Reason: SkipDeferred}}, res.Skipped)

	// The deferred candidate goes out next cycle and nothing is repeated.
	h.now = h.now.Add(time.Hour - time.Minute)
	res, err = h.sched.RunCycle(ctx, Scheduled())
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, res.Published)
}

func TestRunCyclePublishFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.source.set(
		h.cand("A", 90, time.Hour),
		h.cand("B", 85, time.Hour),
		h.cand("C", 80, time.Hour),
	)
	h.publisher.failNext["Home B"] = 1

	res, err := h.sched.RunCycle(ctx, Scheduled())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, res.Published)
	assert.Equal(t, SkipPublishFailed, reasons(res)["B"])

	sent, err := h.store.WasDispatchedWithin(ctx, "B", 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, sent, "failed publish must not be recorded")

	h.now = h.now.Add(time.Minute)
	res, err = h.sched.RunCycle(ctx, Scheduled())
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, res.Published)
}

func TestRunCycleReportsUnrecordedPublish(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.sched.store = recordFailingStore{Store: h.store, fail: map[string]bool{"B": true}}
	h.source.set(h.cand("A", 90, time.Hour), h.cand("B", 85, time.Hour))

	res, err := h.sched.RunCycle(ctx, Scheduled())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.Published)
	assert.Equal(t, SkipUnrecorded, reasons(res)["B"])
	assert.Equal(t, 2, h.publisher.count())
	assert.Empty(t, h.alerter.kinds)
}

func TestRunCycleDailyCap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.PerDayCap = 4 })

	h.source.set(h.cand("a1", 90, 5*time.Hour), h.cand("a2", 89, 5*time.Hour), h.cand("a3", 88, 5*time.Hour))
	res, err := h.sched.RunCycle(ctx, Scheduled())
	require.NoError(t, err)
	assert.Len(t, res.Published, 3)

	h.now = h.now.Add(time.Hour)
	h.source.set(h.cand("b1", 90, 5*time.Hour), h.cand("b2", 89, 5*time.Hour), h.cand("b3", 88, 5*time.Hour))
	res, err = h.sched.RunCycle(ctx, Scheduled())
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, res.Published)
	assert.Equal(t, map[string]string{"b2": SkipDailyCap, "b3": SkipDailyCap}, reasons(res))

	// A new day in the configured zone resets the cap.
	h.now = time.Date(2026, 8, 2, 0, 30, 0, 0, time.UTC)
	h.source.set(h.cand("c1", 90, 5*time.Hour))
	res, err = h.sched.RunCycle(ctx, Scheduled())
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, res.Published)
}

func TestForcedCycleBypassesDailyCapButNotDedup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.PerDayCap = 1 })

	h.source.set(h.cand("A", 90, time.Hour), h.cand("X", 75, 2*time.Hour), h.cand("low", 40, 2*time.Hour))
	res, err := h.sched.RunCycle(ctx, Scheduled())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.Published)
	assert.Equal(t, SkipDailyCap, reasons(res)["X"])

	res, err = h.sched.RunCycle(ctx, Forced("X"))
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, res.Published)

	recs, err := h.store.ListDispatchesBetween(ctx, h.now.Add(-time.Hour), h.now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[1].Forced)

	// Already dispatched within the window.
	res, err = h.sched.RunCycle(ctx, Forced("A"))
	require.NoError(t, err)
	assert.Empty(t, res.Published)
	assert.Equal(t, SkipAlreadyDispatched, reasons(res)["A"])

	// The operator may force a tip under the confidence threshold.
	res, err = h.sched.RunCycle(ctx, Forced("low"))
	require.NoError(t, err)
	assert.Equal(t, []string{"low"}, res.Published)

	res, err = h.sched.RunCycle(ctx, Forced("ghost"))
	require.NoError(t, err)
	assert.Equal(t, SkipNotInFeed, reasons(res)["ghost"])

	_, err = h.sched.RunCycle(ctx, Trigger{Kind: models.CycleTriggerForced})
	assert.True(t, apperror.IsConstraint(err))
}

func TestForcedCycleRejectsStartedOrStaleLowConfidenceEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	late := h.cand("LATE", 40, -time.Hour)
	old := h.cand("OLD", 40, 2*time.Hour)
	old.GeneratedAt = h.now.Add(-30 * time.Hour)
	h.source.set(late, old)

	res, err := h.sched.RunCycle(ctx, Forced("LATE"))
	require.NoError(t, err)
	assert.Empty(t, res.Published)
	assert.Equal(t, SkipKickoffPassed, reasons(res)["LATE"])

	res, err = h.sched.RunCycle(ctx, Forced("OLD"))
	require.NoError(t, err)
	assert.Empty(t, res.Published)
	assert.Equal(t, SkipStale, reasons(res)["OLD"])
	assert.Zero(t, h.publisher.count())
}

func TestForcedCycleQueuesBehindRunningCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.source.set(h.cand("A", 90, time.Hour), h.cand("B", 85, time.Hour), h.cand("F", 80, time.Hour), h.cand("G", 79, time.Hour))

	release := make(chan struct{})
	entered := make(chan struct{})
	h.publisher.block = release
	h.publisher.entered = entered

	var wg sync.WaitGroup
	var scheduled, forced *Result
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		scheduled, err = h.sched.RunCycle(ctx, Scheduled())
		assert.NoError(t, err)
	}()
	<-entered
	assert.Equal(t, models.CycleStatePublishing, h.sched.State())

	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		forced, err = h.sched.RunCycle(ctx, Forced("G"))
		assert.NoError(t, err)
	}()

	time.Sleep(50 * time.Millisecond)
	h.source.mu.Lock()
	calls := h.source.calls
	h.source.mu.Unlock()
	assert.Equal(t, 1, calls, "forced cycle must wait for the running cycle")

	close(release)
	wg.Wait()

	assert.Equal(t, []string{"A", "B", "F"}, scheduled.Published)
	assert.Equal(t, []string{"G"}, forced.Published)
}

func TestRunCycleFetchFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.source.err = errBoom

	_, err := h.sched.RunCycle(ctx, Scheduled())
	require.Error(t, err)
	assert.True(t, apperror.IsTransient(err))
	assert.Equal(t, []string{AlertFetchFailed}, h.alerter.kinds)
	assert.Equal(t, models.CycleStateIdle, h.sched.State())

	cycles, err := h.store.ListCycles(ctx, 5)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.NotEmpty(t, cycles[0].Error)
	assert.NotNil(t, cycles[0].FinishedAt)
}

func TestRunCycleAllPublishesFailAlerts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.source.set(h.cand("A", 90, time.Hour))
	h.publisher.failAll = true

	res, err := h.sched.RunCycle(ctx, Scheduled())
	require.NoError(t, err)
	assert.Empty(t, res.Published)
	assert.Equal(t, []string{AlertPublishFailed}, h.alerter.kinds)
}

func TestRunCycleDailyMultiple(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.DailyMultiple = true })
	h.source.set(h.cand("A", 90, time.Hour), h.cand("B", 85, time.Hour), h.cand("C", 80, time.Hour))

	res, err := h.sched.RunCycle(ctx, Scheduled())
	require.NoError(t, err)
	assert.Len(t, res.Published, 3)
	require.Equal(t, 4, h.publisher.count())
	assert.Contains(t, h.publisher.messages[3], "MÚLTIPLA DO DIA")
}

func TestRunCycleWithoutChannelIsConfigurationError(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DefaultChannelID = "" })
	h.source.set(h.cand("A", 90, time.Hour))

	_, err := h.sched.RunCycle(context.Background(), Scheduled())
	assert.True(t, apperror.IsConfiguration(err))
	assert.Zero(t, h.publisher.count())
}

func TestChannelIDPrefersSetting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	id, err := h.sched.ChannelID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "-100vip", id)

	require.NoError(t, h.store.SetSetting(ctx, models.SettingVIPChannelID, "-100other"))
	id, err = h.sched.ChannelID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "-100other", id)
}

func TestInitClosesInterruptedCycles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.NoError(t, h.store.SaveCycle(ctx, &models.DispatchCycle{
		CycleID: "crashed", Trigger: models.CycleTriggerScheduled, State: models.CycleStatePublishing, StartedAt: h.now.Add(-time.Hour),
	}))
	require.NoError(t, h.store.SetSetting(ctx, models.SettingLastCycleAt, h.now.Add(-time.Hour).Format(time.RFC3339)))

	require.NoError(t, h.sched.Init(ctx))

	cycles, err := h.store.ListCycles(ctx, 5)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, models.CycleStateIdle, cycles[0].State)
	assert.Contains(t, cycles[0].Error, "interrupted")

	last, _ := h.sched.LastRuns()
	assert.True(t, last.Equal(h.now.Add(-time.Hour)))
}

func TestInvite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	activeSubscriber(t, h, 10, time.Hour)

	link, expires, err := h.sched.Invite(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/+-100vip-vip-10", link)
	assert.Equal(t, h.now.Add(InviteTTL), expires)

	_, _, err = h.sched.Invite(ctx, 11)
	assert.True(t, apperror.IsConstraint(err))
}
