package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/ZeusTips/app/models"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/ranker"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/store"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/subscription"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/tipformat"
)

// Skip reasons reported for ranked candidates that were not published.
const (
	SkipDeferred          = "deferred"
	SkipDailyCap          = "daily_cap"
	SkipPublishFailed     = "publish_failed"
	SkipAlreadyDispatched = "already_dispatched"
	SkipNotInFeed         = "not_in_feed"
	SkipStale             = "stale"
	SkipKickoffPassed     = "kickoff_passed"
	// SkipUnrecorded marks a tip that reached the channel but has no dispatch
	// record, so a later cycle may send it again.
	SkipUnrecorded = "published_unrecorded"
)

// Alert kinds raised by the scheduler.
const (
	AlertFetchFailed   = "fetch_failed"
	AlertPublishFailed = "publish_failed"
)

// Trigger starts a cycle. Forced triggers carry the one event the operator
// wants published regardless of the daily cap.
type Trigger struct {
	Kind    string `json:"kind"`
	EventID string `json:"event_id,omitempty"`
}

func Scheduled() Trigger {
	return Trigger{Kind: models.CycleTriggerScheduled}
}

func Forced(eventID string) Trigger {
	return Trigger{Kind: models.CycleTriggerForced, EventID: strings.TrimSpace(eventID)}
}

// Skip is a ranked candidate left out of a cycle.
type Skip struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

// Result is the outcome of one cycle.
type Result struct {
	CycleID   string           `json:"cycle_id"`
	Trigger   string           `json:"trigger"`
	Published []string         `json:"published"`
	Skipped   []Skip           `json:"skipped"`
	Dropped   []ranker.Dropped `json:"dropped,omitempty"`
}

// Config holds the scheduler tunables.
type Config struct {
	MinConfidence       float64
	PerCycleCap         int
	PerDayCap           int
	DedupWindow         time.Duration
	CandidateMaxAge     time.Duration
	Lookahead           time.Duration
	CallTimeout         time.Duration
	Times               []string
	Location            *time.Location
	ExpirySweepInterval time.Duration
	DailyMultiple       bool
	// BusyCycleCap replaces PerCycleCap when at least BusyCycleThreshold
	// candidates survive ranking. Zero disables it.
	BusyCycleCap       int
	BusyCycleThreshold int
	// DefaultChannelID is used while no channel id is stored in settings.
	DefaultChannelID string
}

// Scheduler runs dispatch cycles and the expiry sweep.
type Scheduler struct {
	store     store.Store
	subs      *subscription.Service
	source    CandidateSource
	publisher Publisher
	notifier  Notifier
	inviter   Inviter
	access    AccessChecker
	alerter   Alerter
	cfg       Config
	now       func() time.Time
	newID     func() string

	cycleMu sync.Mutex
	sweepMu sync.Mutex

	stateMu     sync.RWMutex
	state       string
	lastCycleAt time.Time
	lastSweepAt time.Time
}

// Deps are the collaborators of a Scheduler. Inviter, Access and Alerter are
// optional.
type Deps struct {
	Store         store.Store
	Subscriptions *subscription.Service
	Source        CandidateSource
	Publisher     Publisher
	Notifier      Notifier
	Inviter       Inviter
	Access        AccessChecker
	Alerter       Alerter
}

func NewScheduler(deps Deps, cfg Config) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	alerter := deps.Alerter
	if alerter == nil {
		alerter = noopAlerter{}
	}
	return &Scheduler{
		store:     deps.Store,
		subs:      deps.Subscriptions,
		source:    deps.Source,
		publisher: deps.Publisher,
		notifier:  deps.Notifier,
		inviter:   deps.Inviter,
		access:    deps.Access,
		alerter:   alerter,
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
		state:     models.CycleStateIdle,
	}
}

// State returns the state of the cycle in progress, or idle.
func (s *Scheduler) State() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// LastRuns returns when the last cycle and the last sweep finished.
func (s *Scheduler) LastRuns() (cycle, sweep time.Time) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.lastCycleAt, s.lastSweepAt
}

// Init restores the persisted run markers and closes cycles that a previous
// process left unfinished.
func (s *Scheduler) Init(ctx context.Context) error {
	for key, dst := range map[string]*time.Time{
		models.SettingLastCycleAt: &s.lastCycleAt,
		models.SettingLastSweepAt: &s.lastSweepAt,
	} {
		v, err := s.store.GetSetting(ctx, key)
		if err != nil {
			return err
		}
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			*dst = t
		}
	}

	cycles, err := s.store.ListCycles(ctx, 50)
	if err != nil {
		return err
	}
	now := s.now()
	for i := range cycles {
		c := &cycles[i]
		if c.FinishedAt != nil {
			continue
		}
		c.FinishedAt = &now
		c.Error = fmt.Sprintf("interrupted in state %s", c.State)
		c.State = models.CycleStateIdle
		if err := s.store.SaveCycle(ctx, c); err != nil {
			return err
		}
		log.Warnf("[Dispatch] Closed interrupted cycle %s", c.CycleID)
	}
	log.Infof("[Dispatch] Initialised (last cycle: %s, last sweep: %s)", formatTime(s.lastCycleAt), formatTime(s.lastSweepAt))
	return nil
}

// ChannelID resolves the VIP channel: the stored setting wins over the
// configured default.
func (s *Scheduler) ChannelID(ctx context.Context) (string, error) {
	v, err := s.store.GetSetting(ctx, models.SettingVIPChannelID)
	if err != nil {
		return "", err
	}
	if v = strings.TrimSpace(v); v != "" {
		return v, nil
	}
	if v = strings.TrimSpace(s.cfg.DefaultChannelID); v != "" {
		return v, nil
	}
	return "", apperror.Configuration("dispatch.ChannelID", errors.New("VIP channel id is not configured"))
}

// RunCycle executes one dispatch cycle. Cycles never overlap: a trigger that
// arrives during a cycle waits for it to finish.
func (s *Scheduler) RunCycle(ctx context.Context, trig Trigger) (*Result, error) {
	const op = "dispatch.RunCycle"
	switch trig.Kind {
	case models.CycleTriggerScheduled:
	case models.CycleTriggerForced:
		if trig.EventID == "" {
			return nil, apperror.Constraint(op, "forced cycle needs an event id")
		}
	default:
		return nil, apperror.Constraint(op, "unknown trigger %q", trig.Kind)
	}

	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	now := s.now()
	res := &Result{CycleID: s.newID(), Trigger: trig.Kind, Published: []string{}, Skipped: []Skip{}}
	cycle := &models.DispatchCycle{
		CycleID:   res.CycleID,
		Trigger:   trig.Kind,
		State:     models.CycleStateIdle,
		StartedAt: now,
	}

	err := s.runCycle(ctx, trig, now, cycle, res)

	finished := s.now()
	cycle.State = models.CycleStateIdle
	cycle.FinishedAt = &finished
	cycle.Published = len(res.Published)
	cycle.Skipped = len(res.Skipped)
	if err != nil {
		cycle.Error = err.Error()
	}
	if saveErr := s.store.SaveCycle(ctx, cycle); saveErr != nil {
		log.Errorf("[Dispatch] Could not persist cycle %s: %v", cycle.CycleID, saveErr)
	}
	if setErr := s.store.SetSetting(ctx, models.SettingLastCycleAt, finished.UTC().Format(time.RFC3339)); setErr != nil {
		log.Warnf("[Dispatch] Could not persist last cycle time: %v", setErr)
	}
	s.stateMu.Lock()
	s.state = models.CycleStateIdle
	s.lastCycleAt = finished
	s.stateMu.Unlock()

	if err != nil {
		log.Errorf("[Dispatch] Cycle %s (%s) failed: %v", res.CycleID, trig.Kind, err)
		return res, err
	}
	log.Infof("[Dispatch] Cycle %s (%s) done: published=%d skipped=%d dropped=%d",
		res.CycleID, trig.Kind, len(res.Published), len(res.Skipped), len(res.Dropped))
	return res, nil
}

func (s *Scheduler) enter(ctx context.Context, cycle *models.DispatchCycle, state string) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
	cycle.State = state
	if err := s.store.SaveCycle(ctx, cycle); err != nil {
		log.Warnf("[Dispatch] Could not persist state %s of cycle %s: %v", state, cycle.CycleID, err)
	}
}

func (s *Scheduler) runCycle(ctx context.Context, trig Trigger, now time.Time, cycle *models.DispatchCycle, res *Result) error {
	const op = "dispatch.RunCycle"
	channel, err := s.ChannelID(ctx)
	if err != nil {
		return err
	}

	s.enter(ctx, cycle, models.CycleStateFetching)
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	candidates, err := s.source.FetchCandidateEvents(fetchCtx, Window{From: now, To: now.Add(s.cfg.Lookahead)})
	cancel()
	if err != nil {
		if apperror.KindOf(err) == "" {
			err = apperror.Transient("dispatch.FetchCandidateEvents", err)
		}
		if trig.Kind == models.CycleTriggerScheduled {
			s.alerter.Alert(ctx, AlertFetchFailed, fmt.Sprintf("Scheduled cycle %s could not fetch candidates: %v", cycle.CycleID, err))
		}
		return err
	}

	s.enter(ctx, cycle, models.CycleStateRanking)
	dispatched, err := s.store.DispatchedSince(ctx, now.Add(-s.cfg.DedupWindow))
	if err != nil {
		return fmt.Errorf("%s: dedup set: %w", op, err)
	}
	ranked, dropped := ranker.RankWithReasons(candidates, ranker.Options{
		MinConfidence: s.cfg.MinConfidence,
		Dispatched:    dispatched,
		MaxAge:        s.cfg.CandidateMaxAge,
		Now:           now,
	})
	res.Dropped = dropped

	var override *ranker.Candidate
	if trig.Kind == models.CycleTriggerForced {
		var reason string
		override, ranked, reason = pickOverride(trig.EventID, ranked, dropped)
		if override == nil {
			res.Skipped = append(res.Skipped, Skip{EventID: trig.EventID, Reason: reason})
			log.Warnf("[Dispatch] Forced event %s not published: %s", trig.EventID, reason)
		}
	}

	today, err := s.store.CountDispatchesSince(ctx, s.startOfDay(now), false)
	if err != nil {
		return fmt.Errorf("%s: daily count: %w", op, err)
	}
	dayLeft := s.cfg.PerDayCap - int(today)

	s.enter(ctx, cycle, models.CycleStatePublishing)
	cycleCap := s.cycleCap(len(ranked))
	attempts := 0
	var published []ranker.Candidate
	if override != nil {
		attempts++
		if s.publish(ctx, channel, cycle.CycleID, *override, true, res) {
			published = append(published, *override)
		}
	}
	for i, c := range ranked {
		switch {
		case i >= cycleCap:
			res.Skipped = append(res.Skipped, Skip{EventID: c.EventID, Reason: SkipDeferred})
		case dayLeft <= 0:
			res.Skipped = append(res.Skipped, Skip{EventID: c.EventID, Reason: SkipDailyCap})
		default:
			dayLeft--
			attempts++
			if s.publish(ctx, channel, cycle.CycleID, c, false, res) {
				published = append(published, c)
			}
		}
	}

	if trig.Kind == models.CycleTriggerScheduled {
		if attempts > 0 && len(published) == 0 {
			s.alerter.Alert(ctx, AlertPublishFailed, fmt.Sprintf("Scheduled cycle %s published nothing: all %d attempts failed", cycle.CycleID, attempts))
		}
		if s.cfg.DailyMultiple {
			s.publishMultiple(ctx, channel, published)
		}
	}
	return nil
}

// cycleCap is the number of ranked candidates a scheduled cycle may publish.
func (s *Scheduler) cycleCap(ranked int) int {
	if s.cfg.BusyCycleCap > 0 && s.cfg.BusyCycleThreshold > 0 && ranked >= s.cfg.BusyCycleThreshold {
		return s.cfg.BusyCycleCap
	}
	return s.cfg.PerCycleCap
}

// pickOverride takes the forced event out of the ranking. The override may
// be below the confidence threshold but must not be deduplicated, stale or
// already started.
func pickOverride(eventID string, ranked []ranker.Candidate, dropped []ranker.Dropped) (*ranker.Candidate, []ranker.Candidate, string) {
	for i, c := range ranked {
		if c.EventID == eventID {
			rest := make([]ranker.Candidate, 0, len(ranked)-1)
			rest = append(rest, ranked[:i]...)
			rest = append(rest, ranked[i+1:]...)
			return &c, rest, ""
		}
	}
	for _, d := range dropped {
		if d.Candidate.EventID != eventID {
			continue
		}
		switch d.Reason {
		case ranker.ReasonSuperseded:
			continue
		case ranker.ReasonLowConfidence:
			c := d.Candidate
			return &c, ranked, ""
		case ranker.ReasonDispatched:
			return nil, ranked, SkipAlreadyDispatched
		case ranker.ReasonStale:
			return nil, ranked, SkipStale
		default:
			return nil, ranked, SkipKickoffPassed
		}
	}
	return nil, ranked, SkipNotInFeed
}

// publish posts c and records the dispatch only after a confirmed publish.
func (s *Scheduler) publish(ctx context.Context, channel, cycleID string, c ranker.Candidate, forced bool, res *Result) bool {
	header := tipformat.TipHeader
	if forced {
		header = tipformat.ForceHeader
	}
	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	err := s.publisher.PublishToChannel(pubCtx, channel, tipformat.Tip(header, c, s.cfg.Location))
	cancel()
	if err != nil {
		log.Warnf("[Dispatch] Publish of %s failed: %v", c.EventID, err)
		res.Skipped = append(res.Skipped, Skip{EventID: c.EventID, Reason: SkipPublishFailed})
		return false
	}

	rec := &models.DispatchRecord{
		EventID:        c.EventID,
		DispatchedAt:   s.now(),
		CycleID:        cycleID,
		Forced:         forced,
		Confidence:     c.Confidence,
		Market:         c.Market,
		Prediction:     c.Prediction,
		SuggestedValue: c.SuggestedValue,
		Championship:   c.Championship,
		HomeTeam:       c.HomeTeam,
		AwayTeam:       c.AwayTeam,
		KickoffTime:    c.KickoffTime,
	}
	if err := s.store.RecordDispatch(ctx, rec, s.cfg.DedupWindow); err != nil {
		if !apperror.IsConstraint(err) {
			log.Errorf("[Dispatch] Published %s but could not record it: %v", c.EventID, err)
			res.Skipped = append(res.Skipped, Skip{EventID: c.EventID, Reason: SkipUnrecorded})
			return true
		}
		log.Warnf("[Dispatch] %s was recorded concurrently: %v", c.EventID, err)
	}
	res.Published = append(res.Published, c.EventID)
	log.Infof("[Dispatch] Published %s (confidence %.0f, forced=%t)", c.EventID, c.Confidence, forced)
	return true
}

func (s *Scheduler) publishMultiple(ctx context.Context, channel string, published []ranker.Candidate) {
	text, ok := tipformat.DailyMultiple(published)
	if !ok {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	if err := s.publisher.PublishToChannel(pubCtx, channel, text); err != nil {
		log.Warnf("[Dispatch] Daily multiple failed: %v", err)
		return
	}
	log.Info("[Dispatch] Daily multiple published")
}

func (s *Scheduler) startOfDay(t time.Time) time.Time {
	local := t.In(s.cfg.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.cfg.Location)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
