// Package recurrence turns a time of day plus a weekday set into a
// timezone-agnostic recurrence rule and renders it as a cron schedule.
//
// Policy: an empty weekday set (and the full set) means "every day".
// Callers that want "never" must deactivate the reminder instead.
package recurrence

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidTimeFormat = errors.New("invalid time format")
	ErrInvalidWeekday    = errors.New("invalid weekday")
)

// Plain 5-field cron; CRON_TZ= prefixes are understood by the parser regardless.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var reClock = regexp.MustCompile(`(?i)^(\d{1,2}):(\d{2})(?:\s*([ap])\.?\s*m\.?)?$`)

// NormalizeTime accepts "HH:MM" (24h) or "HH:MM AM/PM" (12h, case-insensitive,
// optional space, "a.m." allowed) and returns the canonical 24h "HH:MM".
func NormalizeTime(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	m := reClock.FindStringSubmatch(s)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeFormat, raw)
	}
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	if min > 59 {
		return "", fmt.Errorf("%w: minute out of range in %q", ErrInvalidTimeFormat, raw)
	}

	switch strings.ToLower(m[3]) {
	case "":
		if h > 23 {
			return "", fmt.Errorf("%w: hour out of range in %q", ErrInvalidTimeFormat, raw)
		}
	case "a":
		if h < 1 || h > 12 {
			return "", fmt.Errorf("%w: hour out of range in %q", ErrInvalidTimeFormat, raw)
		}
		if h == 12 {
			h = 0
		}
	case "p":
		if h < 1 || h > 12 {
			return "", fmt.Errorf("%w: hour out of range in %q", ErrInvalidTimeFormat, raw)
		}
		if h != 12 {
			h += 12
		}
	}
	return fmt.Sprintf("%02d:%02d", h, min), nil
}

// Rule is "this time of day, on these weekdays". It carries no timezone;
// the location is applied when the rule is turned into a Schedule.
type Rule struct {
	Hour   int
	Minute int
	// Days is sorted and unique; nil means every day.
	Days []time.Weekday
}

// BuildRule builds a rule from a canonical "HH:MM" and a weekday set
// (Sunday=0). Empty and full sets both yield an every-day rule.
func BuildRule(hhmm string, days []time.Weekday) (Rule, error) {
	h, m, err := parseHHMM(hhmm)
	if err != nil {
		return Rule{}, err
	}
	seen := [7]bool{}
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		if d < time.Sunday || d > time.Saturday {
			return Rule{}, fmt.Errorf("%w: %d", ErrInvalidWeekday, int(d))
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) == 0 || len(out) == 7 {
		out = nil
	}
	return Rule{Hour: h, Minute: m, Days: out}, nil
}

func (r Rule) EveryDay() bool { return len(r.Days) == 0 }

func (r Rule) TimeOfDay() string { return fmt.Sprintf("%02d:%02d", r.Hour, r.Minute) }

// CronSpec renders the rule as a 5-field cron expression.
func (r Rule) CronSpec() string {
	dow := "*"
	if !r.EveryDay() {
		parts := make([]string, len(r.Days))
		for i, d := range r.Days {
			parts[i] = strconv.Itoa(int(d))
		}
		dow = strings.Join(parts, ",")
	}
	return fmt.Sprintf("%d %d * * %s", r.Minute, r.Hour, dow)
}

// Schedule interprets the rule in loc.
func (r Rule) Schedule(loc *time.Location) (cron.Schedule, error) {
	if loc == nil {
		return nil, errors.New("location required")
	}
	return parser.Parse("CRON_TZ=" + loc.String() + " " + r.CronSpec())
}

// Next returns the first occurrence strictly after t, interpreted in loc.
func (r Rule) Next(t time.Time, loc *time.Location) (time.Time, error) {
	sched, err := r.Schedule(loc)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t), nil
}

func (r Rule) String() string {
	if r.EveryDay() {
		return "daily at " + r.TimeOfDay()
	}
	names := make([]string, len(r.Days))
	for i, d := range r.Days {
		names[i] = d.String()[:3]
	}
	return strings.Join(names, ",") + " at " + r.TimeOfDay()
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q, expected HH:MM", ErrInvalidTimeFormat, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: invalid hour in %q", ErrInvalidTimeFormat, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: invalid minute in %q", ErrInvalidTimeFormat, s)
	}
	return h, m, nil
}
