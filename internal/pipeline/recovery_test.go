package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/druidia-bot/dotbot/pkg/models"
)

func TestRecoverResumesRunningAgent(t *testing.T) {
	q := &queueClient{queue: []any{
		// The single remaining step finishes in one turn.
		chatText("Resumed and finished."),
	}}
	pipe, events, workspaces := newTestPipeline(t, q)

	// A workspace left behind by a crashed run: persona still running,
	// one completed step, one remaining.
	ws, err := workspaces.Create("agent-crashed")
	require.NoError(t, err)
	require.NoError(t, ws.WritePersona(&models.AgentPersona{
		AgentID:          "agent-crashed",
		DeviceID:         "d1",
		UserID:           "u1",
		Status:           models.AgentRunning,
		SystemPrompt:     "You finish interrupted work.",
		ModelRole:        "workhorse",
		RestatedRequests: []string{"finish the report"},
	}))
	require.NoError(t, ws.WritePlan(&models.Plan{
		Approach: "two steps",
		Steps: []models.PlanStep{
			{ID: "step-1", Title: "draft"},
			{ID: "step-2", Title: "polish"},
		},
		Progress: models.PlanProgress{
			Completed:     []string{"step-1"},
			Remaining:     []string{"step-2"},
			CurrentStepID: "step-2", // crashed mid-step
		},
	}))

	ch, cancel := events.Subscribe("u1")
	defer cancel()

	resumed, err := pipe.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-crashed"}, resumed)

	select {
	case ev := <-ch:
		assert.True(t, ev.Success, "resume failed: %s", ev.Response)
		assert.Equal(t, "agent-crashed", ev.AgentID)
	case <-time.After(5 * time.Second):
		t.Fatal("resumed pipeline never completed")
	}

	reopened, err := workspaces.Open("agent-crashed")
	require.NoError(t, err)
	persona, err := reopened.ReadPersona()
	require.NoError(t, err)
	assert.Equal(t, models.AgentCompleted, persona.Status)
}

func TestRecoverSkipsFinishedAndUnresumableAgents(t *testing.T) {
	pipe, _, workspaces := newTestPipeline(t, &queueClient{})

	done, err := workspaces.Create("agent-done")
	require.NoError(t, err)
	require.NoError(t, done.WritePersona(&models.AgentPersona{
		AgentID: "agent-done", Status: models.AgentCompleted, RestatedRequests: []string{"x"},
	}))

	// Running but with nothing left to do.
	empty, err := workspaces.Create("agent-empty")
	require.NoError(t, err)
	require.NoError(t, empty.WritePersona(&models.AgentPersona{
		AgentID: "agent-empty", Status: models.AgentRunning, RestatedRequests: []string{"x"},
	}))
	require.NoError(t, empty.WritePlan(&models.Plan{
		Steps:    []models.PlanStep{{ID: "step-1"}},
		Progress: models.PlanProgress{Completed: []string{"step-1"}},
	}))

	resumed, err := pipe.Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, resumed)
}
