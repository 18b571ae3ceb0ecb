package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/internal/scheduler"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// Runner executes one recurring task's prompt, preferring its device when
// set. Bounded by the execution timeout.
type Runner interface {
	Run(ctx context.Context, t *models.RecurringTask) (string, error)
}

// MissedNotifier tells the user a recurring run was skipped.
type MissedNotifier interface {
	NotifyMissed(t *models.RecurringTask)
}

// recurringExecTimeout bounds one execution.
const recurringExecTimeout = 5 * time.Minute

// RecurringScheduler drives persisted recurring tasks with
// timezone-aware next-run computation.
type RecurringScheduler struct {
	store    *Store
	runner   Runner
	notifier MissedNotifier
	logger   *observability.Logger
	metrics  *observability.Metrics
	grace    time.Duration
	interval time.Duration
	now      func() time.Time
	stop     chan struct{}
}

// NewRecurringScheduler wires the server-side checker.
func NewRecurringScheduler(store *Store, runner Runner, notifier MissedNotifier,
	logger *observability.Logger, metrics *observability.Metrics,
	grace, interval time.Duration) *RecurringScheduler {
	if grace <= 0 {
		grace = 2 * time.Hour
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &RecurringScheduler{
		store:    store,
		runner:   runner,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		grace:    grace,
		interval: interval,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start launches the check loop.
func (r *RecurringScheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.CheckOnce(ctx)
			}
		}
	}()
}

// Shutdown stops the loop.
func (r *RecurringScheduler) Shutdown() { close(r.stop) }

// CheckOnce runs one scan.
func (r *RecurringScheduler) CheckOnce(ctx context.Context) {
	now := r.now()
	due, err := r.store.DueRecurring(ctx, now, 16)
	if err != nil {
		r.logger.Error(ctx, "recurring scan failed", "error", err.Error())
		return
	}

	for _, task := range due {
		local := now
		if loc, lerr := time.LoadLocation(task.Timezone); lerr == nil {
			local = now.In(loc)
		}

		if now.After(task.NextRunAt.Add(r.grace)) {
			// Missed: notify once per miss, then advance.
			if r.notifier != nil && task.MissedPromptSentAt == nil {
				r.notifier.NotifyMissed(task)
				sent := now
				task.MissedPromptSentAt = &sent
			}
			r.advance(ctx, task, local)
			continue
		}

		r.execute(ctx, task, local)
	}
}

func (r *RecurringScheduler) execute(ctx context.Context, task *models.RecurringTask, local time.Time) {
	started := r.now()
	execCtx, cancel := context.WithTimeout(ctx, recurringExecTimeout)
	detail, err := r.runner.Run(execCtx, task)
	cancel()
	finished := r.now()

	success := err == nil
	if err != nil {
		detail = err.Error()
		task.ConsecutiveFailures++
		if task.ConsecutiveFailures >= task.MaxFailures {
			task.Status = models.TaskPaused
			r.logger.Warn(ctx, "recurring task paused after repeated failures",
				"task_id", task.ID, "failures", task.ConsecutiveFailures)
		}
	} else {
		task.ConsecutiveFailures = 0
		last := finished
		task.LastRunAt = &last
		task.MissedPromptSentAt = nil
	}

	_ = r.store.RecordExecution(ctx, task.ID, "recurring", started, finished, success, detail)
	if r.metrics != nil {
		outcome := "completed"
		if !success {
			outcome = "failed"
		}
		r.metrics.SchedulerRuns.WithLabelValues("recurring", outcome).Inc()
	}
	r.advance(ctx, task, local)
}

func (r *RecurringScheduler) advance(ctx context.Context, task *models.RecurringTask, local time.Time) {
	next, err := scheduler.NextRun(task.Schedule, local)
	if err != nil {
		r.logger.Error(ctx, "recurring task has an invalid schedule, pausing",
			"task_id", task.ID, "error", err.Error())
		task.Status = models.TaskPaused
	} else {
		task.NextRunAt = next.UTC()
	}
	if uerr := r.store.UpdateRecurring(ctx, task); uerr != nil {
		r.logger.Error(ctx, "recurring task update failed",
			"task_id", task.ID, "error", fmt.Sprintf("%v", uerr))
	}
}
