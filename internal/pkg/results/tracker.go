package results

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/ZeusTips/app/models"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/dispatch"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/store"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/tipformat"
)

// Source yields the score of a dispatched event. A nil score means the
// source has nothing for the event yet.
type Source interface {
	FetchResult(ctx context.Context, eventID string) (*Score, error)
}

// ChannelResolver resolves the VIP channel the notices go to.
type ChannelResolver interface {
	ChannelID(ctx context.Context) (string, error)
}

// Config holds the tracker tunables.
type Config struct {
	CheckInterval time.Duration
	// SettleDelay is how long after kickoff a tip is first checked.
	SettleDelay time.Duration
	// MaxAge closes tips without a final score this long after kickoff as
	// void.
	MaxAge      time.Duration
	SummaryTime string
	Location    *time.Location
	CallTimeout time.Duration
	BatchSize   int
}

// CheckReport counts what one pass over the unsettled tips did.
type CheckReport struct {
	Checked int `json:"checked"`
	Green   int `json:"green"`
	Red     int `json:"red"`
	Void    int `json:"void"`
	Waiting int `json:"waiting"`
	Errors  int `json:"errors"`
}

// Tracker settles dispatched tips and publishes their outcome.
type Tracker struct {
	store     store.Store
	source    Source
	publisher dispatch.Publisher
	channels  ChannelResolver
	cfg       Config
	now       func() time.Time

	mu sync.Mutex
}

func NewTracker(st store.Store, source Source, publisher dispatch.Publisher, channels ChannelResolver, cfg Config) *Tracker {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Tracker{
		store:     st,
		source:    source,
		publisher: publisher,
		channels:  channels,
		cfg:       cfg,
		now:       time.Now,
	}
}

// CheckResults settles every unsettled tip whose kickoff is at least
// SettleDelay ago. Notices are best effort: a failed publish is logged and
// the result stays saved.
func (t *Tracker) CheckResults(ctx context.Context) (*CheckReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	recs, err := t.store.ListUnsettledDispatches(ctx, time.Unix(0, 0), now.Add(-t.cfg.SettleDelay), t.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("results.CheckResults: %w", err)
	}
	report := &CheckReport{}
	if len(recs) == 0 {
		log.Debug("[Results] Nothing to settle")
		return report, nil
	}

	channel, err := t.channels.ChannelID(ctx)
	if err != nil {
		log.Warnf("[Results] No channel for notices: %v", err)
	}

	seen := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		if _, dup := seen[rec.EventID]; dup {
			continue
		}
		seen[rec.EventID] = struct{}{}
		report.Checked++

		res, err := t.settle(ctx, rec, now)
		if err != nil {
			report.Errors++
			log.Warnf("[Results] Could not check %s: %v", rec.EventID, err)
			continue
		}
		if res == nil {
			report.Waiting++
			continue
		}
		if err := t.store.SaveDispatchResult(ctx, res); err != nil {
			if apperror.IsConstraint(err) {
				continue
			}
			report.Errors++
			log.Errorf("[Results] Could not save result of %s: %v", rec.EventID, err)
			continue
		}

		switch res.Result {
		case models.ResultGreen:
			report.Green++
		case models.ResultRed:
			report.Red++
		default:
			report.Void++
			log.Infof("[Results] %s closed as void", rec.EventID)
			continue
		}
		log.Infof("[Results] %s (%s vs %s): %s", rec.EventID, rec.HomeTeam, rec.AwayTeam, res.Result)
		if channel != "" {
			t.post(ctx, channel, tipformat.Result(rec, *res))
		}
	}
	log.Infof("[Results] Check done: checked=%d green=%d red=%d void=%d waiting=%d errors=%d",
		report.Checked, report.Green, report.Red, report.Void, report.Waiting, report.Errors)
	return report, nil
}

// settle returns the outcome of rec, or nil while the match is not final.
func (t *Tracker) settle(ctx context.Context, rec models.DispatchRecord, now time.Time) (*models.DispatchResult, error) {
	void := &models.DispatchResult{EventID: rec.EventID, Result: models.ResultVoid, SettledAt: now}
	if t.cfg.MaxAge > 0 && now.Sub(rec.KickoffTime) > t.cfg.MaxAge {
		return void, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	score, err := t.source.FetchResult(callCtx, rec.EventID)
	cancel()
	if err != nil {
		return nil, err
	}
	switch {
	case score == nil:
		return nil, nil
	case score.Abandoned():
		return void, nil
	case !score.Finished():
		return nil, nil
	}

	return &models.DispatchResult{
		EventID:   rec.EventID,
		Result:    Evaluate(rec.Market, rec.Prediction, rec.HomeTeam, rec.AwayTeam, *score),
		HomeGoals: score.HomeGoals,
		AwayGoals: score.AwayGoals,
		SettledAt: now,
	}, nil
}

// Summarize tallies the tips dispatched on the local day containing day.
// Profit and ROI count one unit staked per green or red tip.
func (t *Tracker) Summarize(ctx context.Context, day time.Time) (*tipformat.DaySummary, error) {
	local := day.In(t.cfg.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.cfg.Location)
	recs, err := t.store.ListDispatchesBetween(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("results.Summarize: %w", err)
	}

	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.EventID)
	}
	settled, err := t.store.ResultsFor(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("results.Summarize: %w", err)
	}

	sum := &tipformat.DaySummary{Date: start, Total: len(recs)}
	staked := 0
	for _, r := range recs {
		res, ok := settled[r.EventID]
		switch {
		case !ok:
			sum.Pending++
		case res.Result == models.ResultGreen:
			sum.Greens++
			staked++
		case res.Result == models.ResultRed:
			sum.Reds++
			staked++
		default:
			sum.Voids++
		}
		if ok {
			sum.Profit += tipformat.Profit(res.Result, r.SuggestedValue)
		}
	}
	if staked > 0 {
		sum.ROI = sum.Profit / float64(staked) * 100
	}
	sum.Profit = math.Round(sum.Profit*100) / 100
	return sum, nil
}

// SendDailySummary publishes the summary of the local day containing day.
// A day without tips sends nothing.
func (t *Tracker) SendDailySummary(ctx context.Context, day time.Time) (*tipformat.DaySummary, error) {
	sum, err := t.Summarize(ctx, day)
	if err != nil {
		return nil, err
	}
	if sum.Total == 0 {
		log.Info("[Results] No tips today, skipping the summary")
		return sum, nil
	}
	channel, err := t.channels.ChannelID(ctx)
	if err != nil {
		return sum, err
	}
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()
	if err := t.publisher.PublishToChannel(callCtx, channel, tipformat.DailySummary(*sum)); err != nil {
		return sum, fmt.Errorf("results.SendDailySummary: %w", err)
	}
	log.Infof("[Results] Daily summary sent: total=%d greens=%d reds=%d roi=%.1f%%", sum.Total, sum.Greens, sum.Reds, sum.ROI)
	return sum, nil
}

func (t *Tracker) post(ctx context.Context, channel, text string) {
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()
	if err := t.publisher.PublishToChannel(callCtx, channel, text); err != nil {
		log.Warnf("[Results] Notice failed: %v", err)
	}
}

// Run checks results every CheckInterval and sends the daily summary at
// SummaryTime until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	specs, err := dispatch.CronSpecs([]string{t.cfg.SummaryTime})
	if err != nil {
		return err
	}
	c := cron.New(
		cron.WithLocation(t.cfg.Location),
		cron.WithLogger(dispatch.CronLogger{Prefix: "[Results]"}),
		cron.WithChain(cron.Recover(dispatch.CronLogger{Prefix: "[Results]"})),
	)
	if _, err := c.AddFunc(specs[0], func() {
		if _, err := t.SendDailySummary(ctx, t.now()); err != nil {
			log.Errorf("[Results] Daily summary failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("add summary time %q: %w", specs[0], err)
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
		log.Info("[Results] Stopped")
	}()

	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()
	log.Infof("[Results] Started (check interval: %s, summary at %s)", t.cfg.CheckInterval, t.cfg.SummaryTime)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := t.CheckResults(ctx); err != nil {
				log.Errorf("[Results] Check failed: %v", err)
			}
		}
	}
}
