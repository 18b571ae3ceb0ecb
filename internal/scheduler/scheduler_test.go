package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/pkg/models"
)

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []string // task ids
}

func (f *fakeSubmitter) Submit(ctx context.Context, promptID, taskID, prompt, personaHint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, taskID)
	return nil
}

func (f *fakeSubmitter) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.submitted))
	copy(out, f.submitted)
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []string
}

func (f *fakeNotifier) Notify(taskID, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, message)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notes)
}

func withClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := nowFn
	nowFn = func() time.Time { return at }
	t.Cleanup(func() { nowFn = prev })
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		CheckInterval:   time.Minute,
		GracePeriod:     2 * time.Hour,
		MaxConcurrent:   2,
		ResponseTimeout: time.Minute,
		MaxFailures:     3,
	}
}

func newStoreWithTask(t *testing.T, task *models.ScheduledTask) *Store {
	t.Helper()
	store := NewStore(filepath.Join(t.TempDir(), "scheduled-tasks.json"))
	require.NoError(t, store.Create(task))
	return store
}

func TestCheckSubmitsDueTask(t *testing.T) {
	now := time.Date(2025, 1, 10, 9, 5, 0, 0, time.UTC)
	withClock(t, now)

	task := &models.ScheduledTask{
		ID:        "t1",
		Name:      "digest",
		Prompt:    "summarize",
		Schedule:  models.Schedule{Kind: models.ScheduleDaily, At: "09:00"},
		NextRunAt: time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC),
		Status:    models.TaskActive,
	}
	store := newStoreWithTask(t, task)
	sub := &fakeSubmitter{}
	s := New(store, sub, nil, observability.NewNopLogger(), nil, testConfig())
	defer s.correlator.Reset()

	s.CheckOnce(context.Background())
	assert.Equal(t, []string{"t1"}, sub.ids())

	// The same task is in flight: a second check does not resubmit.
	s.CheckOnce(context.Background())
	assert.Equal(t, []string{"t1"}, sub.ids())

	// Next run advanced past now.
	stored, _ := store.Get("t1")
	assert.True(t, stored.NextRunAt.After(now))
}

func TestMissedTaskNotifiesAndAdvances(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	withClock(t, now)

	task := &models.ScheduledTask{
		ID:        "t1",
		Name:      "digest",
		Prompt:    "summarize",
		Schedule:  models.Schedule{Kind: models.ScheduleDaily, At: "09:00"},
		NextRunAt: time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC),
		Status:    models.TaskActive,
	}
	store := newStoreWithTask(t, task)
	sub := &fakeSubmitter{}
	notifier := &fakeNotifier{}
	s := New(store, sub, notifier, observability.NewNopLogger(), nil, testConfig())

	s.CheckOnce(context.Background())
	assert.Empty(t, sub.ids(), "missed tasks are not silently run")
	assert.Equal(t, 1, notifier.count())

	stored, _ := store.Get("t1")
	assert.Equal(t, time.Date(2025, 1, 11, 9, 0, 0, 0, time.UTC), stored.NextRunAt)

	// Idempotent on the same clock.
	s.CheckOnce(context.Background())
	assert.Equal(t, 1, notifier.count())
}

func TestConcurrencyCap(t *testing.T) {
	now := time.Date(2025, 1, 10, 9, 5, 0, 0, time.UTC)
	withClock(t, now)

	store := NewStore(filepath.Join(t.TempDir(), "scheduled-tasks.json"))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Create(&models.ScheduledTask{
			ID:        id,
			Name:      id,
			Prompt:    "p",
			Schedule:  models.Schedule{Kind: models.ScheduleHourly},
			NextRunAt: now.Add(-time.Minute),
			Status:    models.TaskActive,
		}))
	}
	sub := &fakeSubmitter{}
	s := New(store, sub, nil, observability.NewNopLogger(), nil, testConfig())

	s.CheckOnce(context.Background())
	assert.Len(t, sub.ids(), 2, "at most MAX_CONCURRENT prompts in flight")
}

func TestRepeatedFailuresPauseTask(t *testing.T) {
	now := time.Date(2025, 1, 10, 9, 5, 0, 0, time.UTC)
	withClock(t, now)

	task := &models.ScheduledTask{
		ID:        "t1",
		Name:      "flaky",
		Prompt:    "p",
		Schedule:  models.Schedule{Kind: models.ScheduleHourly},
		NextRunAt: now.Add(-time.Minute),
		Status:    models.TaskActive,
	}
	store := newStoreWithTask(t, task)
	notifier := &fakeNotifier{}
	s := New(store, &fakeSubmitter{}, notifier, observability.NewNopLogger(), nil, testConfig())

	for i := 0; i < 3; i++ {
		s.onResult("t1", "", true)
	}
	stored, _ := store.Get("t1")
	assert.Equal(t, models.TaskPaused, stored.Status)
	assert.Equal(t, 3, stored.ConsecutiveFailures)
	assert.Equal(t, 1, notifier.count())
}

func TestSuccessResetsFailuresAndStampsLastRun(t *testing.T) {
	now := time.Date(2025, 1, 10, 9, 5, 0, 0, time.UTC)
	withClock(t, now)

	task := &models.ScheduledTask{
		ID:                  "t1",
		Name:                "digest",
		Prompt:              "p",
		Schedule:            models.Schedule{Kind: models.ScheduleHourly},
		NextRunAt:           now.Add(time.Hour),
		Status:              models.TaskActive,
		ConsecutiveFailures: 2,
	}
	store := newStoreWithTask(t, task)
	notifier := &fakeNotifier{}
	s := New(store, &fakeSubmitter{}, notifier, observability.NewNopLogger(), nil, testConfig())

	s.onResult("t1", "OK", false)

	stored, _ := store.Get("t1")
	assert.Equal(t, 0, stored.ConsecutiveFailures)
	require.NotNil(t, stored.LastRunAt)
	assert.Equal(t, now, *stored.LastRunAt)
	assert.Equal(t, 1, notifier.count(), "result is delivered to the user")
}
