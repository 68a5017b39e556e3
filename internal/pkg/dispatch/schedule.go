package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
)

var weekdays = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// CronSpecs converts dispatch times such as "15:00" or "sat-sun@12:00" into
// five-field cron specs. Day ranges may wrap around the week.
func CronSpecs(times []string) ([]string, error) {
	const op = "dispatch.CronSpecs"
	if len(times) == 0 {
		return nil, apperror.Configuration(op, fmt.Errorf("no dispatch times configured"))
	}
	specs := make([]string, 0, len(times))
	for _, raw := range times {
		spec, err := cronSpec(strings.ToLower(strings.TrimSpace(raw)))
		if err != nil {
			return nil, apperror.Configuration(op, fmt.Errorf("dispatch time %q: %w", raw, err))
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func cronSpec(entry string) (string, error) {
	dow := "*"
	clock := entry
	if days, rest, ok := strings.Cut(entry, "@"); ok {
		d, err := parseDays(days)
		if err != nil {
			return "", err
		}
		dow, clock = d, rest
	}

	hh, mm, ok := strings.Cut(clock, ":")
	if !ok {
		return "", fmt.Errorf("want HH:MM")
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("bad hour %q", hh)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("bad minute %q", mm)
	}
	return fmt.Sprintf("%d %d * * %s", minute, hour, dow), nil
}

func parseDays(s string) (string, error) {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		from, to, isRange := strings.Cut(part, "-")
		start, ok := weekdays[from]
		if !ok {
			return "", fmt.Errorf("unknown weekday %q", from)
		}
		if !isRange {
			out = append(out, strconv.Itoa(start))
			continue
		}
		end, ok := weekdays[to]
		if !ok {
			return "", fmt.Errorf("unknown weekday %q", to)
		}
		for d := start; ; d = (d + 1) % 7 {
			out = append(out, strconv.Itoa(d))
			if d == end {
				break
			}
		}
	}
	return strings.Join(out, ","), nil
}
