// Package scheduler runs the local scheduled-task checker: due detection
// with a grace window, bounded concurrency, and two-phase response
// correlation against the prompt entry point.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/druidia-bot/dotbot/pkg/models"
)

// minIntervalMinutes is the floor for interval schedules.
const minIntervalMinutes = 5

// ParseClock parses "HH:MM" into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad clock time %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}
	return hour, minute, nil
}

// NextRun computes the first occurrence of the schedule strictly after
// now, in now's location.
func NextRun(s models.Schedule, now time.Time) (time.Time, error) {
	switch s.Kind {
	case models.ScheduleDaily:
		hour, minute, err := ParseClock(s.At)
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case models.ScheduleWeekly:
		hour, minute, err := ParseClock(s.At)
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		days := (int(s.Weekday) - int(now.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next, nil

	case models.ScheduleHourly:
		return now.Truncate(time.Hour).Add(time.Hour), nil

	case models.ScheduleInterval:
		minutes := s.IntervalMinutes
		if minutes < minIntervalMinutes {
			minutes = minIntervalMinutes
		}
		return now.Add(time.Duration(minutes) * time.Minute), nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// Due classifies a task against the clock: not due, due, or missed (past
// the grace window).
type Due int

const (
	NotDue Due = iota
	DueNow
	Missed
)

// DetectDue classifies a task. Advancing past a missed window is
// idempotent: the same clock always yields the same classification until
// NextRunAt moves.
func DetectDue(t *models.ScheduledTask, now time.Time, grace time.Duration) Due {
	if t.Status != models.TaskActive || t.NextRunAt.IsZero() {
		return NotDue
	}
	if now.Before(t.NextRunAt) {
		return NotDue
	}
	if now.After(t.NextRunAt.Add(grace)) {
		return Missed
	}
	return DueNow
}

// Advance moves NextRunAt to the next occurrence after now.
func Advance(t *models.ScheduledTask, now time.Time) error {
	next, err := NextRun(t.Schedule, now)
	if err != nil {
		return err
	}
	t.NextRunAt = next
	return nil
}
