package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/druidia-bot/dotbot/pkg/models"
)

func TestCancelledStatusIsNeverOverwritten(t *testing.T) {
	r := NewRegistry()
	task := &Task{ID: "x", DeviceID: "d1", UserID: "u1", Prompt: "work", CreatedAt: time.Now()}

	ctx, cancel := context.WithCancel(context.Background())
	r.Add(task, cancel)

	require.True(t, r.Cancel("x"))
	assert.Error(t, ctx.Err(), "abort handle fired")
	assert.Equal(t, models.AgentCancelled, task.Status())

	// The natural completion arrives afterwards and must lose.
	assert.False(t, task.SetStatus(models.AgentCompleted))
	assert.Equal(t, models.AgentCancelled, task.Status())
}

func TestCancelRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		r := NewRegistry()
		task := &Task{ID: "x", DeviceID: "d1", UserID: "u1"}
		_, cancel := context.WithCancel(context.Background())
		r.Add(task, cancel)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Cancel("x")
		}()
		go func() {
			defer wg.Done()
			task.SetStatus(models.AgentCompleted)
		}()
		wg.Wait()

		// Whatever the interleaving, a completed cancel wins all later
		// reads.
		if task.Status() == models.AgentCancelled {
			assert.False(t, task.SetStatus(models.AgentCompleted))
			assert.Equal(t, models.AgentCancelled, task.Status())
		}
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	r := NewRegistry()
	task := &Task{ID: "x", DeviceID: "d1"}
	_, cancel := context.WithCancel(context.Background())
	r.Add(task, cancel)

	assert.True(t, r.Cancel("x"))
	assert.True(t, r.Cancel("x"))
	assert.False(t, r.Cancel("ghost"))
}

func TestCancelAllForRestartReturnsPrompts(t *testing.T) {
	r := NewRegistry()
	for _, p := range []string{"one", "two"} {
		task := &Task{ID: p, DeviceID: "d1", Prompt: p}
		_, cancel := context.WithCancel(context.Background())
		r.Add(task, cancel)
	}
	other := &Task{ID: "elsewhere", DeviceID: "d2", Prompt: "keep"}
	_, cancel := context.WithCancel(context.Background())
	r.Add(other, cancel)

	prompts := r.CancelAllForRestart("d1")
	assert.ElementsMatch(t, []string{"one", "two"}, prompts)
	assert.Equal(t, models.AgentRunning, other.Status())
}

func TestInjectionQueue(t *testing.T) {
	task := &Task{ID: "x"}
	task.Inject("also check the logs")
	task.Inject("and the metrics")
	assert.Equal(t, []string{"also check the logs", "and the metrics"}, task.DrainInjections())
	assert.Empty(t, task.DrainInjections())
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	task := &Task{ID: "x", DeviceID: "d1"}
	_, cancel := context.WithCancel(context.Background())
	r.Add(task, cancel)
	require.True(t, r.Has("x"))

	r.Remove("x")
	assert.False(t, r.Has("x"))
	assert.Empty(t, r.ForDevice("d1"))
}
