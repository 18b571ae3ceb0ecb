package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/druidia-bot/dotbot/pkg/models"
)

// Store persists recurring and deferred tasks in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the task database. Use ":memory:" in
// tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The scheduler is the single writer; one connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS recurring_tasks (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	prompt TEXT NOT NULL,
	schedule_kind TEXT NOT NULL,
	schedule_at TEXT NOT NULL DEFAULT '',
	schedule_weekday INTEGER NOT NULL DEFAULT 0,
	schedule_interval INTEGER NOT NULL DEFAULT 0,
	timezone TEXT NOT NULL DEFAULT 'UTC',
	next_run_at TIMESTAMP NOT NULL,
	last_run_at TIMESTAMP,
	status TEXT NOT NULL DEFAULT 'active',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	max_failures INTEGER NOT NULL DEFAULT 3,
	missed_prompt_sent_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_recurring_due ON recurring_tasks(status, next_run_at);

CREATE TABLE IF NOT EXISTS deferred_tasks (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	original_prompt TEXT NOT NULL,
	deferred_by TEXT NOT NULL DEFAULT '',
	defer_reason TEXT NOT NULL DEFAULT '',
	scheduled_for TIMESTAMP NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'scheduled',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deferred_due ON deferred_tasks(status, priority, scheduled_for);

CREATE TABLE IF NOT EXISTS task_executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	success INTEGER,
	detail TEXT NOT NULL DEFAULT ''
);
`)
	return err
}

// --- recurring ---

// CreateRecurring inserts a recurring task.
func (s *Store) CreateRecurring(ctx context.Context, t *models.RecurringTask) error {
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	if t.MaxFailures <= 0 {
		t.MaxFailures = 3
	}
	if t.Status == "" {
		t.Status = models.TaskActive
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO recurring_tasks
(id, user_id, device_id, name, prompt, schedule_kind, schedule_at, schedule_weekday,
 schedule_interval, timezone, next_run_at, status, consecutive_failures, max_failures)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.DeviceID, t.Name, t.Prompt,
		string(t.Schedule.Kind), t.Schedule.At, int(t.Schedule.Weekday), t.Schedule.IntervalMinutes,
		t.Timezone, t.NextRunAt.UTC(), string(t.Status), t.ConsecutiveFailures, t.MaxFailures)
	return err
}

// DueRecurring returns active recurring tasks due at or before now.
func (s *Store) DueRecurring(ctx context.Context, now time.Time, limit int) ([]*models.RecurringTask, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, device_id, name, prompt, schedule_kind, schedule_at, schedule_weekday,
       schedule_interval, timezone, next_run_at, last_run_at, status, consecutive_failures,
       max_failures, missed_prompt_sent_at
FROM recurring_tasks
WHERE status = 'active' AND next_run_at <= ?
ORDER BY next_run_at
LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.RecurringTask
	for rows.Next() {
		t, err := scanRecurring(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetRecurring loads one recurring task.
func (s *Store) GetRecurring(ctx context.Context, id string) (*models.RecurringTask, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, device_id, name, prompt, schedule_kind, schedule_at, schedule_weekday,
       schedule_interval, timezone, next_run_at, last_run_at, status, consecutive_failures,
       max_failures, missed_prompt_sent_at
FROM recurring_tasks WHERE id = ?`, id)
	return scanRecurring(row)
}

// UpdateRecurring persists the mutable fields.
func (s *Store) UpdateRecurring(ctx context.Context, t *models.RecurringTask) error {
	var lastRun, missedAt any
	if t.LastRunAt != nil {
		lastRun = t.LastRunAt.UTC()
	}
	if t.MissedPromptSentAt != nil {
		missedAt = t.MissedPromptSentAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE recurring_tasks SET next_run_at = ?, last_run_at = ?, status = ?,
       consecutive_failures = ?, missed_prompt_sent_at = ?
WHERE id = ?`,
		t.NextRunAt.UTC(), lastRun, string(t.Status), t.ConsecutiveFailures, missedAt, t.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("recurring task %s not found", t.ID)
	}
	return nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRecurring(row rowScanner) (*models.RecurringTask, error) {
	var t models.RecurringTask
	var kind, at, status string
	var weekday, interval int
	var lastRun, missedAt sql.NullTime
	err := row.Scan(&t.ID, &t.UserID, &t.DeviceID, &t.Name, &t.Prompt,
		&kind, &at, &weekday, &interval, &t.Timezone, &t.NextRunAt, &lastRun,
		&status, &t.ConsecutiveFailures, &t.MaxFailures, &missedAt)
	if err != nil {
		return nil, err
	}
	t.Schedule = models.Schedule{
		Kind:            models.ScheduleKind(kind),
		At:              at,
		Weekday:         time.Weekday(weekday),
		IntervalMinutes: interval,
	}
	t.Status = models.TaskStatus(status)
	if lastRun.Valid {
		v := lastRun.Time
		t.LastRunAt = &v
	}
	if missedAt.Valid {
		v := missedAt.Time
		t.MissedPromptSentAt = &v
	}
	return &t, nil
}

// --- deferred ---

// CreateDeferred inserts a deferred task.
func (s *Store) CreateDeferred(ctx context.Context, t *models.DeferredTask) error {
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 3
	}
	if t.Status == "" {
		t.Status = models.DeferredScheduled
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO deferred_tasks
(id, user_id, session_id, original_prompt, deferred_by, defer_reason, scheduled_for,
 attempt_count, max_attempts, priority, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.SessionID, t.OriginalPrompt, t.DeferredBy, t.DeferReason,
		t.ScheduledFor.UTC(), t.AttemptCount, t.MaxAttempts, t.Priority, string(t.Status), t.CreatedAt)
	return err
}

// DueDeferred returns scheduled tasks due at or before now, highest
// priority first, oldest schedule first within a priority.
func (s *Store) DueDeferred(ctx context.Context, now time.Time, limit int) ([]*models.DeferredTask, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, session_id, original_prompt, deferred_by, defer_reason, scheduled_for,
       attempt_count, max_attempts, priority, status, created_at
FROM deferred_tasks
WHERE status = 'scheduled' AND scheduled_for <= ?
ORDER BY priority DESC, scheduled_for
LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.DeferredTask
	for rows.Next() {
		t, err := scanDeferred(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetDeferred loads one deferred task.
func (s *Store) GetDeferred(ctx context.Context, id string) (*models.DeferredTask, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, session_id, original_prompt, deferred_by, defer_reason, scheduled_for,
       attempt_count, max_attempts, priority, status, created_at
FROM deferred_tasks WHERE id = ?`, id)
	return scanDeferred(row)
}

// UpdateDeferred persists the mutable fields.
func (s *Store) UpdateDeferred(ctx context.Context, t *models.DeferredTask) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE deferred_tasks SET scheduled_for = ?, attempt_count = ?, status = ?
WHERE id = ?`, t.ScheduledFor.UTC(), t.AttemptCount, string(t.Status), t.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("deferred task %s not found", t.ID)
	}
	return nil
}

// ClaimDeferred transitions scheduled → executing atomically, reporting
// whether this caller won the claim.
func (s *Store) ClaimDeferred(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE deferred_tasks SET status = 'executing'
WHERE id = ? AND status = 'scheduled'`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanDeferred(row rowScanner) (*models.DeferredTask, error) {
	var t models.DeferredTask
	var status string
	err := row.Scan(&t.ID, &t.UserID, &t.SessionID, &t.OriginalPrompt, &t.DeferredBy,
		&t.DeferReason, &t.ScheduledFor, &t.AttemptCount, &t.MaxAttempts, &t.Priority,
		&status, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = models.DeferredStatus(status)
	return &t, nil
}

// RecordExecution appends an execution history row.
func (s *Store) RecordExecution(ctx context.Context, taskID, kind string, startedAt, finishedAt time.Time, success bool, detail string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_executions (task_id, kind, started_at, finished_at, success, detail)
VALUES (?, ?, ?, ?, ?, ?)`, taskID, kind, startedAt.UTC(), finishedAt.UTC(), success, detail)
	return err
}
