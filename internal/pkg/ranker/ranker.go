// Package ranker orders candidate events for dispatch. It holds no state and
// performs no I/O, so identical input always yields identical output.
package ranker

import (
	"sort"
	"time"
)

// Candidate is one scored event offered by the content scorer.
type Candidate struct {
	EventID        string    `json:"event_id"`
	KickoffTime    time.Time `json:"kickoff_time"`
	Confidence     float64   `json:"confidence"`
	Market         string    `json:"market"`
	SuggestedValue float64   `json:"suggested_value"`
	GeneratedAt    time.Time `json:"generated_at"`

	Championship string `json:"championship,omitempty"`
	HomeTeam     string `json:"home_team,omitempty"`
	AwayTeam     string `json:"away_team,omitempty"`
	Analysis     string `json:"analysis,omitempty"`
	Prediction   string `json:"prediction,omitempty"`
}

// Reason explains why a candidate was not ranked.
type Reason string

const (
	ReasonSuperseded    Reason = "superseded"
	ReasonDispatched    Reason = "already_dispatched"
	ReasonLowConfidence Reason = "below_threshold"
	ReasonStale         Reason = "stale"
	ReasonStarted       Reason = "kickoff_passed"
)

// Dropped is a candidate filtered out of the ranking.
type Dropped struct {
	Candidate Candidate `json:"candidate"`
	Reason    Reason    `json:"reason"`
}

// Options controls filtering. Zero MaxAge or zero Now disable the age and
// kickoff checks.
type Options struct {
	MinConfidence float64
	Dispatched    map[string]struct{}
	MaxAge        time.Duration
	Now           time.Time
}

// Rank returns the eligible candidates, best first.
func Rank(candidates []Candidate, opts Options) []Candidate {
	ranked, _ := RankWithReasons(candidates, opts)
	return ranked
}

// RankWithReasons is Rank that also reports every dropped candidate.
func RankWithReasons(candidates []Candidate, opts Options) ([]Candidate, []Dropped) {
	latest := make(map[string]Candidate, len(candidates))
	var dropped []Dropped
	for _, c := range candidates {
		cur, ok := latest[c.EventID]
		if !ok {
			latest[c.EventID] = c
			continue
		}
		if newer(c, cur) {
			latest[c.EventID] = c
			dropped = append(dropped, Dropped{Candidate: cur, Reason: ReasonSuperseded})
		} else {
			dropped = append(dropped, Dropped{Candidate: c, Reason: ReasonSuperseded})
		}
	}

	ranked := make([]Candidate, 0, len(latest))
	for _, c := range latest {
		if reason, ok := filter(c, opts); !ok {
			dropped = append(dropped, Dropped{Candidate: c, Reason: reason})
			continue
		}
		ranked = append(ranked, c)
	}

	sort.Slice(ranked, func(i, j int) bool {
		return less(ranked[i], ranked[j])
	})
	sort.SliceStable(dropped, func(i, j int) bool {
		if dropped[i].Candidate.EventID != dropped[j].Candidate.EventID {
			return dropped[i].Candidate.EventID < dropped[j].Candidate.EventID
		}
		return newer(dropped[j].Candidate, dropped[i].Candidate)
	})
	return ranked, dropped
}

// newer reports whether a should replace b as the latest candidate for an
// event. Ties on generation time go to higher confidence, then to the
// lexically smaller market, the earlier kickoff, the higher suggested value
// and finally the smaller prediction text.
func newer(a, b Candidate) bool {
	if !a.GeneratedAt.Equal(b.GeneratedAt) {
		return a.GeneratedAt.After(b.GeneratedAt)
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Market != b.Market {
		return a.Market < b.Market
	}
	if !a.KickoffTime.Equal(b.KickoffTime) {
		return a.KickoffTime.Before(b.KickoffTime)
	}
	if a.SuggestedValue != b.SuggestedValue {
		return a.SuggestedValue > b.SuggestedValue
	}
	return a.Prediction < b.Prediction
}

func filter(c Candidate, opts Options) (Reason, bool) {
	if _, ok := opts.Dispatched[c.EventID]; ok {
		return ReasonDispatched, false
	}
	// Age and kickoff come before confidence so a below-threshold reason
	// always means the event is otherwise publishable.
	if !opts.Now.IsZero() {
		if opts.MaxAge > 0 && opts.Now.Sub(c.GeneratedAt) > opts.MaxAge {
			return ReasonStale, false
		}
		if !c.KickoffTime.IsZero() && !c.KickoffTime.After(opts.Now) {
			return ReasonStarted, false
		}
	}
	if c.Confidence < opts.MinConfidence {
		return ReasonLowConfidence, false
	}
	return "", true
}

func less(a, b Candidate) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if !a.KickoffTime.Equal(b.KickoffTime) {
		return a.KickoffTime.Before(b.KickoffTime)
	}
	return a.EventID < b.EventID
}
