package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// nowFn is the scheduler clock, swappable in tests.
var nowFn = time.Now

// Submitter pushes a scheduled prompt through the same entry point user
// traffic uses, tagged source=scheduled_task.
type Submitter interface {
	Submit(ctx context.Context, promptID, taskID, prompt, personaHint string) error
}

// Notifier asks or informs the user outside a conversation.
type Notifier interface {
	Notify(taskID, message string)
}

// Scheduler is the 60-second local checker.
type Scheduler struct {
	store      *Store
	correlator *Correlator
	submitter  Submitter
	notifier   Notifier
	logger     *observability.Logger
	metrics    *observability.Metrics
	cfg        config.SchedulerConfig

	stop chan struct{}
}

// New wires the checker. metrics and notifier may be nil.
func New(store *Store, submitter Submitter, notifier Notifier,
	logger *observability.Logger, metrics *observability.Metrics, cfg config.SchedulerConfig) *Scheduler {
	s := &Scheduler{
		store:     store,
		submitter: submitter,
		notifier:  notifier,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		stop:      make(chan struct{}),
	}
	s.correlator = NewCorrelator(cfg.ResponseTimeout, s.onResult)
	return s
}

// Correlator exposes the correlation endpoint for the transport layer.
func (s *Scheduler) Correlator() *Correlator { return s.correlator }

// Start launches the periodic check loop. Stop with Shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	interval := s.cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.CheckOnce(ctx)
			}
		}
	}()
}

// Shutdown stops the loop and clears in-flight state.
func (s *Scheduler) Shutdown() {
	close(s.stop)
	s.correlator.Reset()
}

// CheckOnce scans for due tasks and submits what fits under the
// concurrency cap. Exported for tests and for a forced check after
// reconnect.
func (s *Scheduler) CheckOnce(ctx context.Context) {
	now := nowFn()
	inFlight := s.correlator.InFlight()

	for _, task := range s.store.List() {
		switch DetectDue(task, now, s.cfg.GracePeriod) {
		case NotDue:
			continue

		case Missed:
			// Ask once, then advance regardless; the window is gone.
			if s.notifier != nil {
				s.notifier.Notify(task.ID, fmt.Sprintf(
					"I missed the scheduled run of %q (was due %s). Want me to run it now?",
					task.Name, task.NextRunAt.Format(time.RFC1123)))
			}
			if err := Advance(task, now); err != nil {
				s.logger.Error(ctx, "cannot advance missed task", "task_id", task.ID, "error", err.Error())
				continue
			}
			_ = s.store.Update(task)
			if s.metrics != nil {
				s.metrics.SchedulerRuns.WithLabelValues("scheduled", "missed").Inc()
			}

		case DueNow:
			if len(inFlight) >= s.cfg.MaxConcurrent {
				continue
			}
			if inFlight[task.ID] {
				continue
			}
			s.submit(ctx, task, now)
			inFlight[task.ID] = true
		}
	}
}

func (s *Scheduler) submit(ctx context.Context, task *models.ScheduledTask, now time.Time) {
	promptID := "sched_" + uuid.NewString()[:8]
	s.correlator.Track(promptID, task.ID)

	if err := s.submitter.Submit(ctx, promptID, task.ID, task.Prompt, task.PersonaHint); err != nil {
		s.logger.Warn(ctx, "scheduled task submit failed", "task_id", task.ID, "error", err.Error())
		s.correlator.Fail(promptID)
		return
	}

	if err := Advance(task, now); err == nil {
		_ = s.store.Update(task)
	}
	if s.metrics != nil {
		s.metrics.SchedulerRuns.WithLabelValues("scheduled", "submitted").Inc()
	}
	s.logger.Info(ctx, "scheduled task submitted", "task_id", task.ID, "prompt_id", promptID)
}

// onResult is the correlator callback.
func (s *Scheduler) onResult(taskID, response string, failed bool) {
	task, ok := s.store.Get(taskID)
	if !ok {
		return
	}
	if failed {
		s.recordFailure(task)
		return
	}

	now := nowFn()
	task.LastRunAt = &now
	task.ConsecutiveFailures = 0
	_ = s.store.Update(task)
	if s.metrics != nil {
		s.metrics.SchedulerRuns.WithLabelValues("scheduled", "completed").Inc()
	}
	if s.notifier != nil && response != "" {
		s.notifier.Notify(taskID, response)
	}
}

func (s *Scheduler) recordFailure(task *models.ScheduledTask) {
	task.ConsecutiveFailures++
	if task.ConsecutiveFailures >= s.cfg.MaxFailures {
		task.Status = models.TaskPaused
		if s.notifier != nil {
			s.notifier.Notify(task.ID, fmt.Sprintf(
				"%q failed %d times in a row, so I've paused it. Resume it when things look better.",
				task.Name, task.ConsecutiveFailures))
		}
	}
	_ = s.store.Update(task)
	if s.metrics != nil {
		s.metrics.SchedulerRuns.WithLabelValues("scheduled", "failed").Inc()
	}
}
