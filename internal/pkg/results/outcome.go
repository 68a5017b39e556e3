// Package results settles dispatched tips against final scores and posts
// the green/red notices and the daily summary to the VIP channel.
package results

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ManuelReschke/ZeusTips/app/models"
)

// Score is the state of a match as reported by the result source.
type Score struct {
	Status    string `json:"status"`
	HomeGoals int    `json:"home_goals"`
	AwayGoals int    `json:"away_goals"`
}

// Finished reports whether the score is final: full time, extra time or
// penalties.
func (s Score) Finished() bool {
	switch strings.ToUpper(strings.TrimSpace(s.Status)) {
	case "FT", "AET", "PEN":
		return true
	}
	return false
}

// Abandoned reports whether the match will never produce a final score.
func (s Score) Abandoned() bool {
	switch strings.ToUpper(strings.TrimSpace(s.Status)) {
	case "PST", "CANC", "ABD", "AWD", "WO":
		return true
	}
	return false
}

var (
	overLine  = regexp.MustCompile(`over\s*(\d+(?:[.,]\d+)?)`)
	underLine = regexp.MustCompile(`under\s*(\d+(?:[.,]\d+)?)`)
	negation  = regexp.MustCompile(`(^|[^\pL])(não|nao|no)([^\pL]|$)`)
)

// Evaluate decides a finished match against the tip's market and
// prediction. It returns ResultVoid when the prediction cannot be read.
func Evaluate(market, prediction, homeTeam, awayTeam string, s Score) string {
	text := strings.ToLower(strings.TrimSpace(prediction + " " + market))
	total := float64(s.HomeGoals + s.AwayGoals)

	if m := overLine.FindStringSubmatch(text); m != nil {
		return greenIf(total > parseLine(m[1]))
	}
	if m := underLine.FindStringSubmatch(text); m != nil {
		return greenIf(total < parseLine(m[1]))
	}

	if strings.Contains(text, "ambas marcam") || strings.Contains(text, "btts") {
		both := s.HomeGoals > 0 && s.AwayGoals > 0
		if negation.MatchString(text) {
			return greenIf(!both)
		}
		return greenIf(both)
	}

	if strings.Contains(text, "empate") || strings.Contains(text, "draw") {
		return greenIf(s.HomeGoals == s.AwayGoals)
	}

	home, away := mentions(text, homeTeam), mentions(text, awayTeam)
	switch pick := strings.ToLower(strings.TrimSpace(prediction)); {
	case pick == "1" || pick == "home":
		home, away = true, false
	case pick == "2" || pick == "away":
		home, away = false, true
	case pick == "x":
		return greenIf(s.HomeGoals == s.AwayGoals)
	}
	switch {
	case home && !away:
		return greenIf(s.HomeGoals > s.AwayGoals)
	case away && !home:
		return greenIf(s.AwayGoals > s.HomeGoals)
	}
	return models.ResultVoid
}

// mentions matches the significant words of a team name, skipping short
// ones such as "fc" or "de".
func mentions(text, team string) bool {
	for _, w := range strings.Fields(strings.ToLower(team)) {
		if len([]rune(w)) > 3 && strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func parseLine(s string) float64 {
	v, _ := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	return v
}

func greenIf(ok bool) string {
	if ok {
		return models.ResultGreen
	}
	return models.ResultRed
}
