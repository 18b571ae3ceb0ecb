// Package tasks implements the server-side scheduler pair: persistent
// recurring tasks and one-shot deferred tasks, both backed by SQLite.
package tasks

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	relativeRe = regexp.MustCompile(`(?i)^in\s+(\d+)\s*(minutes?|mins?|m|hours?|hrs?|h|days?|d)$`)
	clockRe    = regexp.MustCompile(`(?i)^(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	tomorrowRe = regexp.MustCompile(`(?i)^tomorrow(?:\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?)?$`)
)

// ParseScheduleTime turns "in 30 minutes", "at 1:15 PM", "tomorrow 10am",
// or an ISO timestamp into an instant. Bare clock times resolve to the
// next occurrence: "at 9:30 am" before 9:30 is today, after is tomorrow.
func ParseScheduleTime(input string, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty schedule time")
	}

	// ISO strings round-trip exactly.
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}

	if m := relativeRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, err
		}
		switch strings.ToLower(m[2])[0] {
		case 'm':
			return now.Add(time.Duration(n) * time.Minute), nil
		case 'h':
			return now.Add(time.Duration(n) * time.Hour), nil
		case 'd':
			return now.AddDate(0, 0, n), nil
		}
	}

	if m := tomorrowRe.FindStringSubmatch(s); m != nil {
		hour, minute := 9, 0
		if m[1] != "" {
			var err error
			hour, minute, err = clockParts(m[1], m[2], m[3])
			if err != nil {
				return time.Time{}, err
			}
		}
		t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		return t.AddDate(0, 0, 1), nil
	}

	if m := clockRe.FindStringSubmatch(s); m != nil {
		hour, minute, err := clockParts(m[1], m[2], m[3])
		if err != nil {
			return time.Time{}, err
		}
		t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}

	return time.Time{}, fmt.Errorf("cannot parse schedule time %q", input)
}

func clockParts(hourStr, minuteStr, meridiem string) (int, int, error) {
	hour, err := strconv.Atoi(hourStr)
	if err != nil {
		return 0, 0, err
	}
	minute := 0
	if minuteStr != "" {
		minute, err = strconv.Atoi(minuteStr)
		if err != nil {
			return 0, 0, err
		}
	}
	switch strings.ToLower(meridiem) {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("clock %s:%s out of range", hourStr, minuteStr)
	}
	return hour, minute, nil
}
