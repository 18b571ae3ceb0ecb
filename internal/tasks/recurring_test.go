package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/pkg/models"
)

type fakeRunner struct {
	mu   sync.Mutex
	errs []error
	runs int
}

func (f *fakeRunner) Run(ctx context.Context, t *models.RecurringTask) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	if len(f.errs) == 0 {
		return "ran", nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return "", err
}

type fakeMissed struct {
	mu    sync.Mutex
	tasks []string
}

func (f *fakeMissed) NotifyMissed(t *models.RecurringTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t.ID)
}

func newRecurring(t *testing.T, runner Runner, notifier MissedNotifier) (*RecurringScheduler, *Store) {
	t.Helper()
	store := newTestStore(t)
	r := NewRecurringScheduler(store, runner, notifier, observability.NewNopLogger(), nil, 2*time.Hour, time.Minute)
	return r, store
}

func TestRecurringExecutesDueTask(t *testing.T) {
	runner := &fakeRunner{}
	r, store := newRecurring(t, runner, nil)
	ctx := context.Background()

	task := &models.RecurringTask{
		ID:        uuid.NewString(),
		UserID:    "u1",
		Name:      "digest",
		Prompt:    "p",
		Schedule:  models.Schedule{Kind: models.ScheduleHourly},
		Timezone:  "UTC",
		NextRunAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.CreateRecurring(ctx, task))

	r.CheckOnce(ctx)

	assert.Equal(t, 1, runner.runs)
	stored, err := store.GetRecurring(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastRunAt)
	assert.True(t, stored.NextRunAt.After(time.Now()))
	assert.Zero(t, stored.ConsecutiveFailures)
}

func TestRecurringMissedWindowNotifiesOnceAndAdvances(t *testing.T) {
	runner := &fakeRunner{}
	missed := &fakeMissed{}
	r, store := newRecurring(t, runner, missed)
	ctx := context.Background()

	task := &models.RecurringTask{
		ID:        uuid.NewString(),
		UserID:    "u1",
		Name:      "stale",
		Prompt:    "p",
		Schedule:  models.Schedule{Kind: models.ScheduleHourly},
		Timezone:  "UTC",
		NextRunAt: time.Now().Add(-3 * time.Hour),
	}
	require.NoError(t, store.CreateRecurring(ctx, task))

	r.CheckOnce(ctx)

	assert.Zero(t, runner.runs, "missed runs are skipped")
	assert.Len(t, missed.tasks, 1)
	stored, err := store.GetRecurring(ctx, task.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.MissedPromptSentAt)
	assert.True(t, stored.NextRunAt.After(time.Now()))
}

func TestRecurringPausesAfterMaxFailures(t *testing.T) {
	runner := &fakeRunner{errs: []error{errors.New("a"), errors.New("b")}}
	r, store := newRecurring(t, runner, nil)
	ctx := context.Background()

	task := &models.RecurringTask{
		ID:          uuid.NewString(),
		UserID:      "u1",
		Name:        "flaky",
		Prompt:      "p",
		Schedule:    models.Schedule{Kind: models.ScheduleHourly},
		Timezone:    "UTC",
		NextRunAt:   time.Now().Add(-time.Minute),
		MaxFailures: 2,
	}
	require.NoError(t, store.CreateRecurring(ctx, task))

	for i := 0; i < 2; i++ {
		r.CheckOnce(ctx)
		stored, err := store.GetRecurring(ctx, task.ID)
		require.NoError(t, err)
		stored.NextRunAt = time.Now().Add(-time.Minute)
		if stored.Status == models.TaskActive {
			require.NoError(t, store.UpdateRecurring(ctx, stored))
		}
	}

	stored, err := store.GetRecurring(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPaused, stored.Status)
	assert.Equal(t, 2, stored.ConsecutiveFailures)
}
