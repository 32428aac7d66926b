package cron

import (
	"slices"
	"time"
)

// matches checks if a time matches the cron schedule
func (s *Schedule) matches(t time.Time) bool {
	return slices.Contains(s.minutes, t.Minute()) &&
		slices.Contains(s.hours, t.Hour()) &&
		slices.Contains(s.months, int(t.Month())) &&
		s.matchesDay(t)
}

// matchesDay applies the classic cron day rule: when both day-of-month and
// day-of-week are restricted a day matches if EITHER does; otherwise only the
// restricted field (if any) is consulted.
func (s *Schedule) matchesDay(t time.Time) bool {
	domMatch := slices.Contains(s.daysOfMonth, t.Day())
	dowMatch := slices.Contains(s.daysOfWeek, int(t.Weekday()))

	switch {
	case s.domRestricted && s.dowRestricted:
		return domMatch || dowMatch
	case s.domRestricted:
		return domMatch
	case s.dowRestricted:
		return dowMatch
	default:
		return true
	}
}
