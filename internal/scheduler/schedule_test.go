package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/druidia-bot/dotbot/pkg/models"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04", s)
	require.NoError(t, err)
	return ts
}

func TestNextRunDaily(t *testing.T) {
	s := models.Schedule{Kind: models.ScheduleDaily, At: "09:30"}

	next, err := NextRun(s, mustTime(t, "2025-01-10 08:00"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2025-01-10 09:30"), next)

	next, err = NextRun(s, mustTime(t, "2025-01-10 10:00"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2025-01-11 09:30"), next)
}

func TestNextRunWeekly(t *testing.T) {
	// 2025-01-10 is a Friday.
	s := models.Schedule{Kind: models.ScheduleWeekly, Weekday: time.Monday, At: "08:00"}
	next, err := NextRun(s, mustTime(t, "2025-01-10 12:00"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2025-01-13 08:00"), next)

	// On the target weekday after the time has passed, skip a week.
	next, err = NextRun(s, mustTime(t, "2025-01-13 09:00"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2025-01-20 08:00"), next)
}

func TestNextRunHourlyAndInterval(t *testing.T) {
	next, err := NextRun(models.Schedule{Kind: models.ScheduleHourly}, mustTime(t, "2025-01-10 08:17"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2025-01-10 09:00"), next)

	next, err = NextRun(models.Schedule{Kind: models.ScheduleInterval, IntervalMinutes: 45}, mustTime(t, "2025-01-10 08:00"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2025-01-10 08:45"), next)

	// Intervals below the floor are clamped to 5 minutes.
	next, err = NextRun(models.Schedule{Kind: models.ScheduleInterval, IntervalMinutes: 1}, mustTime(t, "2025-01-10 08:00"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2025-01-10 08:05"), next)
}

func TestDetectDue(t *testing.T) {
	grace := 2 * time.Hour
	task := &models.ScheduledTask{
		Status:    models.TaskActive,
		NextRunAt: mustTime(t, "2025-01-10 09:00"),
	}

	assert.Equal(t, NotDue, DetectDue(task, mustTime(t, "2025-01-10 08:59"), grace))
	assert.Equal(t, DueNow, DetectDue(task, mustTime(t, "2025-01-10 09:30"), grace))
	assert.Equal(t, Missed, DetectDue(task, mustTime(t, "2025-01-10 11:01"), grace))

	task.Status = models.TaskPaused
	assert.Equal(t, NotDue, DetectDue(task, mustTime(t, "2025-01-10 09:30"), grace))
}

func TestAdvancePastMissedWindowIsIdempotent(t *testing.T) {
	grace := 2 * time.Hour
	now := mustTime(t, "2025-01-10 12:00")
	task := &models.ScheduledTask{
		Status:    models.TaskActive,
		Schedule:  models.Schedule{Kind: models.ScheduleDaily, At: "09:00"},
		NextRunAt: mustTime(t, "2025-01-10 09:00"),
	}

	require.Equal(t, Missed, DetectDue(task, now, grace))
	require.NoError(t, Advance(task, now))
	first := task.NextRunAt
	assert.Equal(t, mustTime(t, "2025-01-11 09:00"), first)

	// Re-running detection on the same clock finds nothing due and a
	// second advance from the same clock lands on the same timestamp.
	assert.Equal(t, NotDue, DetectDue(task, now, grace))
	require.NoError(t, Advance(task, now))
	assert.Equal(t, first, task.NextRunAt)
}
