package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// DeferredRunner executes one deferred task's original prompt.
type DeferredRunner interface {
	RunDeferred(ctx context.Context, t *models.DeferredTask) (string, error)
}

const (
	// deferredRetryBase seeds the exponential backoff between attempts.
	deferredRetryBase = time.Minute

	// deferredRetryCap bounds the backoff.
	deferredRetryCap = 30 * time.Minute

	// deferredExpiry drops tasks that stayed unexecuted far past their
	// scheduled time.
	deferredExpiry = 24 * time.Hour
)

// DeferredPoller selects due one-shot tasks every 30 seconds and runs
// them with bounded concurrency.
type DeferredPoller struct {
	store   *Store
	runner  DeferredRunner
	logger  *observability.Logger
	metrics *observability.Metrics

	interval      time.Duration
	maxConcurrent int
	now           func() time.Time
	slots         chan struct{}
	stop          chan struct{}
}

// NewDeferredPoller wires the poller.
func NewDeferredPoller(store *Store, runner DeferredRunner, logger *observability.Logger,
	metrics *observability.Metrics, interval time.Duration, maxConcurrent int) *DeferredPoller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &DeferredPoller{
		store:         store,
		runner:        runner,
		logger:        logger,
		metrics:       metrics,
		interval:      interval,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
		slots:         make(chan struct{}, maxConcurrent),
		stop:          make(chan struct{}),
	}
}

// Defer creates a deferred task from a natural-language time expression.
func (p *DeferredPoller) Defer(ctx context.Context, userID, sessionID, prompt, deferredBy, reason, when string, priority int) (*models.DeferredTask, error) {
	at, err := ParseScheduleTime(when, p.now())
	if err != nil {
		return nil, err
	}
	task := &models.DeferredTask{
		ID:             uuid.NewString(),
		UserID:         userID,
		SessionID:      sessionID,
		OriginalPrompt: prompt,
		DeferredBy:     deferredBy,
		DeferReason:    reason,
		ScheduledFor:   at,
		MaxAttempts:    3,
		Priority:       priority,
		Status:         models.DeferredScheduled,
		CreatedAt:      p.now().UTC(),
	}
	if err := p.store.CreateDeferred(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Start launches the poll loop.
func (p *DeferredPoller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.PollOnce(ctx)
			}
		}
	}()
}

// Shutdown stops the loop.
func (p *DeferredPoller) Shutdown() { close(p.stop) }

// PollOnce claims and runs what fits in the free slots.
func (p *DeferredPoller) PollOnce(ctx context.Context) {
	now := p.now()
	due, err := p.store.DueDeferred(ctx, now, p.maxConcurrent*2)
	if err != nil {
		p.logger.Error(ctx, "deferred scan failed", "error", err.Error())
		return
	}

	for _, task := range due {
		if now.Sub(task.ScheduledFor) > deferredExpiry {
			task.Status = models.DeferredExpired
			_ = p.store.UpdateDeferred(ctx, task)
			if p.metrics != nil {
				p.metrics.SchedulerRuns.WithLabelValues("deferred", "expired").Inc()
			}
			continue
		}

		select {
		case p.slots <- struct{}{}:
		default:
			return // all slots busy; next poll picks the rest up
		}

		claimed, err := p.store.ClaimDeferred(ctx, task.ID)
		if err != nil || !claimed {
			<-p.slots
			continue
		}
		go func(t *models.DeferredTask) {
			defer func() { <-p.slots }()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error(ctx, "deferred task execution panicked",
						"task_id", t.ID, "panic", fmt.Sprintf("%v", r))
				}
			}()
			p.execute(ctx, t)
		}(task)
	}
}

func (p *DeferredPoller) execute(ctx context.Context, task *models.DeferredTask) {
	started := p.now()
	detail, err := p.runner.RunDeferred(ctx, task)
	finished := p.now()

	task.AttemptCount++
	outcome := "completed"
	switch {
	case err == nil:
		task.Status = models.DeferredCompleted
	case task.AttemptCount >= task.MaxAttempts:
		task.Status = models.DeferredFailed
		detail = err.Error()
		outcome = "failed"
	default:
		// Retry with exponential backoff, capped.
		backoff := deferredRetryBase << (task.AttemptCount - 1)
		if backoff > deferredRetryCap {
			backoff = deferredRetryCap
		}
		task.Status = models.DeferredScheduled
		task.ScheduledFor = finished.Add(backoff)
		detail = err.Error()
		outcome = "retry"
	}

	if uerr := p.store.UpdateDeferred(ctx, task); uerr != nil {
		p.logger.Error(ctx, "deferred task update failed", "task_id", task.ID, "error", uerr.Error())
	}
	_ = p.store.RecordExecution(ctx, task.ID, "deferred", started, finished, err == nil, detail)
	if p.metrics != nil {
		p.metrics.SchedulerRuns.WithLabelValues("deferred", outcome).Inc()
	}
}
