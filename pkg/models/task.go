package models

import "time"

// TaskStatus is the lifecycle state of a scheduled or recurring task.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCancelled TaskStatus = "cancelled"
)

// ScheduleKind discriminates the supported schedule shapes.
type ScheduleKind string

const (
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleWeekly   ScheduleKind = "weekly"
	ScheduleHourly   ScheduleKind = "hourly"
	ScheduleInterval ScheduleKind = "interval"
)

// Schedule describes when a task recurs. Time fields are "HH:MM" in the
// task's local timezone; interval minutes are clamped to a 5 minute floor.
type Schedule struct {
	Kind            ScheduleKind `json:"kind"`
	At              string       `json:"at,omitempty"`
	Weekday         time.Weekday `json:"weekday,omitempty"`
	IntervalMinutes int          `json:"interval_minutes,omitempty"`
}

// ScheduledTask is a locally persisted recurring prompt.
type ScheduledTask struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Prompt              string     `json:"prompt"`
	Schedule            Schedule   `json:"schedule"`
	NextRunAt           time.Time  `json:"next_run_at"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	Status              TaskStatus `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	PersonaHint         string     `json:"persona_hint,omitempty"`
	Priority            int        `json:"priority,omitempty"`
}

// RecurringTask is the server-side analogue of a ScheduledTask, persisted
// per user with timezone-aware scheduling.
type RecurringTask struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	DeviceID            string     `json:"device_id,omitempty"`
	Name                string     `json:"name"`
	Prompt              string     `json:"prompt"`
	Schedule            Schedule   `json:"schedule"`
	Timezone            string     `json:"timezone"`
	NextRunAt           time.Time  `json:"next_run_at"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	Status              TaskStatus `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	MaxFailures         int        `json:"max_failures"`
	MissedPromptSentAt  *time.Time `json:"missed_prompt_sent_at,omitempty"`
}

// DeferredStatus is the lifecycle state of a one-shot deferred task.
type DeferredStatus string

const (
	DeferredScheduled DeferredStatus = "scheduled"
	DeferredExecuting DeferredStatus = "executing"
	DeferredCompleted DeferredStatus = "completed"
	DeferredFailed    DeferredStatus = "failed"
	DeferredExpired   DeferredStatus = "expired"
)

// DeferredTask is a one-shot delayed prompt, created when the assistant
// decides work should happen later.
type DeferredTask struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	SessionID      string         `json:"session_id"`
	OriginalPrompt string         `json:"original_prompt"`
	DeferredBy     string         `json:"deferred_by"`
	DeferReason    string         `json:"defer_reason,omitempty"`
	ScheduledFor   time.Time      `json:"scheduled_for"`
	AttemptCount   int            `json:"attempt_count"`
	MaxAttempts    int            `json:"max_attempts"`
	Priority       int            `json:"priority"`
	Status         DeferredStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}
