package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/druidia-bot/dotbot/pkg/models"
)

func TestWorkspaceLifecycle(t *testing.T) {
	mgr, err := NewManager(t.TempDir(), time.Hour)
	require.NoError(t, err)

	ws, err := mgr.Create("agent-1")
	require.NoError(t, err)

	persona := &models.AgentPersona{AgentID: "agent-1", Status: models.AgentRunning, RestatedRequests: []string{"do it"}}
	require.NoError(t, ws.WritePersona(persona))

	plan := &models.Plan{
		Approach: "two steps",
		Steps: []models.PlanStep{
			{ID: "step-1", Title: "gather"},
			{ID: "step-2", Title: "write"},
		},
		Progress: models.PlanProgress{Remaining: []string{"step-1", "step-2"}},
	}
	require.NoError(t, ws.WritePlan(plan))

	reopened, err := mgr.Open("agent-1")
	require.NoError(t, err)
	loadedPlan, err := reopened.ReadPlan()
	require.NoError(t, err)
	assert.Equal(t, []string{"step-1", "step-2"}, loadedPlan.Progress.Remaining)

	loadedPersona, err := reopened.ReadPersona()
	require.NoError(t, err)
	assert.Equal(t, models.AgentRunning, loadedPersona.Status)

	listing := reopened.Listing()
	assert.Contains(t, listing, PersonaFile)
	assert.Contains(t, listing, PlanFile)
}

func TestReadPlanToleratesEmptyFile(t *testing.T) {
	mgr, err := NewManager(t.TempDir(), time.Hour)
	require.NoError(t, err)
	ws, err := mgr.Create("agent-1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, PlanFile), nil, 0o600))
	_, err = ws.ReadPlan()
	assert.Error(t, err, "empty plan reads as not-ready, not as a crash")
}

func TestGCRemovesOnlyFinishedOldWorkspaces(t *testing.T) {
	mgr, err := NewManager(t.TempDir(), time.Hour)
	require.NoError(t, err)
	mgr.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	done, err := mgr.Create("done-agent")
	require.NoError(t, err)
	require.NoError(t, done.WritePersona(&models.AgentPersona{AgentID: "done-agent", Status: models.AgentCompleted}))

	running, err := mgr.Create("running-agent")
	require.NoError(t, err)
	require.NoError(t, running.WritePersona(&models.AgentPersona{AgentID: "running-agent", Status: models.AgentRunning}))

	removed, err := mgr.GC()
	require.NoError(t, err)
	assert.Equal(t, []string{"done-agent"}, removed)

	remaining, err := mgr.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"running-agent"}, remaining)
}
