// Package cron parses standard 5-field cron expressions
// (minute hour day-of-month month day-of-week) and evaluates them at minute
// granularity in a caller-supplied timezone.
package cron

import (
	"time"
)

// Schedule represents a parsed cron expression
type Schedule struct {
	// Each field stores all valid values for that field
	minutes     []int // 0-59
	hours       []int // 0-23
	daysOfMonth []int // 1-31
	months      []int // 1-12
	daysOfWeek  []int // 0-6 (0=Sunday)

	// A field is restricted unless it was written starting with '*'
	domRestricted  bool
	dowRestricted  bool
	hourRestricted bool

	original string
}

// Parse parses a cron expression and validates all constraints.
// Returns an error if the expression does not have exactly 5 fields, if any
// field contains invalid syntax, or if the schedule can never fire
// (e.g. "0 0 31 2 *").
func Parse(expr string) (*Schedule, error) {
	return parse(expr)
}

// Validate reports whether expr is a valid 5-field cron expression.
func Validate(expr string) error {
	_, err := parse(expr)
	return err
}

// String returns the expression the schedule was parsed from.
func (s *Schedule) String() string {
	return s.original
}

// Matches reports whether the minute containing t is a firing minute.
// t is evaluated in its own location; callers convert to the deployment
// timezone first.
func (s *Schedule) Matches(t time.Time) bool {
	return s.matches(t)
}

// MatchesIn reports whether the schedule fires at the minute containing t
// when evaluated in loc. Schedules with a fixed hour follow the usual cron
// handling of daylight saving changes: a firing time skipped by a forward
// jump fires at the first minute after the jump, and a wall-clock time that
// repeats after a backward jump fires only the first time.
func (s *Schedule) MatchesIn(t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	return s.firesAt(t.In(loc))
}

func (s *Schedule) firesAt(t time.Time) bool {
	if !s.hourRestricted {
		return s.matches(t)
	}

	if s.matches(t) {
		return !repeatedWallClock(t)
	}

	// wall-clock minutes skipped between the previous minute and this one
	prev := wallMinute(t.Add(-time.Minute))
	now := wallMinute(t)
	for m := prev.Add(time.Minute); m.Before(now); m = m.Add(time.Minute) {
		if s.matches(m) {
			return true
		}
	}
	return false
}

// repeatedWallClock reports whether t's wall-clock time already occurred
// earlier, i.e. t falls in the hour repeated after clocks went back
func repeatedWallClock(t time.Time) bool {
	start, _ := t.ZoneBounds()
	if start.IsZero() {
		return false
	}
	_, offset := t.Zone()
	_, before := start.Add(-time.Second).Zone()
	repeat := time.Duration(before-offset) * time.Second
	return repeat > 0 && t.Sub(start) < repeat
}

// wallMinute returns the wall-clock minute of t as a UTC time, so that
// consecutive wall-clock minutes are exactly one minute apart
func wallMinute(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
}

// Next calculates the next N occurrences of this schedule strictly after the
// given time, evaluated in after's location with the same daylight saving
// handling as MatchesIn.
func (s *Schedule) Next(after time.Time, count int) []time.Time {
	results := make([]time.Time, 0, count)
	if count <= 0 {
		return results
	}

	current := truncateMinute(after).Add(time.Minute)

	// Four years covers every leap-day schedule; anything beyond is unreachable.
	limit := current.AddDate(4, 0, 1)
	for len(results) < count && current.Before(limit) {
		if s.firesAt(current) {
			results = append(results, current)
		}
		current = current.Add(time.Minute)
	}

	return results
}

// Between returns all occurrences within [start, end) in chronological order,
// evaluated in start's location like Next.
func (s *Schedule) Between(start, end time.Time) []time.Time {
	results := []time.Time{}

	current := truncateMinute(start)
	for current.Before(end) {
		if s.firesAt(current) {
			results = append(results, current)
		}
		current = current.Add(time.Minute)
	}

	return results
}

// truncateMinute drops seconds in t's own location so that zones with
// sub-hour offsets still land on wall-clock minute boundaries.
func truncateMinute(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}
