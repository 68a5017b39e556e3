package subscription

import (
	"strings"
	"time"

	"github.com/ManuelReschke/ZeusTips/app/models"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
)

// Durations holds the access window length of each finite plan in days.
type Durations struct {
	MonthlyDays   int
	QuarterlyDays int
}

// DefaultDurations matches the plans sold in the bot.
var DefaultDurations = Durations{MonthlyDays: 30, QuarterlyDays: 90}

// NormalizePlan maps user supplied plan names, including the Portuguese
// names used by the bot commands, to a plan constant.
func NormalizePlan(plan string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case models.PlanMonthly, "mensal":
		return models.PlanMonthly, true
	case models.PlanQuarterly, "trimestral":
		return models.PlanQuarterly, true
	case models.PlanLifetime, "vitalicio", "vitalício":
		return models.PlanLifetime, true
	default:
		return "", false
	}
}

// AccessUntil returns the end of the access window for plan starting at
// from. Lifetime plans have no end and return nil.
func (d Durations) AccessUntil(plan string, from time.Time) (*time.Time, error) {
	var days int
	switch plan {
	case models.PlanLifetime:
		return nil, nil
	case models.PlanMonthly:
		days = d.MonthlyDays
	case models.PlanQuarterly:
		days = d.QuarterlyDays
	default:
		return nil, apperror.Constraint("subscription.AccessUntil", "unknown plan %q", plan)
	}
	until := from.AddDate(0, 0, days)
	return &until, nil
}
