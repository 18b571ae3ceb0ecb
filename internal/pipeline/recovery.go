package pipeline

import (
	"context"
	"time"

	"github.com/druidia-bot/dotbot/internal/bus"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// Recover scans workspaces on startup for agents whose persona still says
// running but which no longer exist in the registry, and re-enters the
// step loop for each one with remaining work. Returns the resumed agent
// ids.
func (p *Pipeline) Recover(ctx context.Context) ([]string, error) {
	agents, err := p.workspaces.List()
	if err != nil {
		return nil, err
	}

	var resumed []string
	for _, agentID := range agents {
		if p.registry.Has(agentID) {
			continue
		}
		ws, err := p.workspaces.Open(agentID)
		if err != nil {
			continue
		}
		persona, err := ws.ReadPersona()
		if err != nil || persona.Status != models.AgentRunning {
			continue
		}
		if len(persona.RestatedRequests) == 0 {
			continue
		}
		plan, err := ws.ReadPlan()
		if err != nil || len(plan.Progress.Remaining) == 0 {
			continue
		}

		// The plan may have died mid-step; the step re-runs from its start.
		plan.Progress.CurrentStepID = ""
		if err := ws.WritePlan(plan); err != nil {
			continue
		}

		task := &Task{
			ID:        agentID,
			DeviceID:  persona.DeviceID,
			UserID:    persona.UserID,
			Prompt:    persona.RestatedRequests[len(persona.RestatedRequests)-1],
			PersonaID: persona.PersonaID,
			CreatedAt: time.Now().UTC(),
		}
		task.status = models.AgentRunning

		runCtx, cancel := context.WithCancel(context.Background())
		p.registry.Add(task, cancel)
		resumed = append(resumed, agentID)

		go p.resume(runCtx, task, persona, plan)
	}
	p.logger.Info(ctx, "pipeline recovery scan complete", "resumed", len(resumed))
	return resumed, nil
}

// resume re-enters the step loop for a recovered task.
func (p *Pipeline) resume(ctx context.Context, task *Task, persona *models.AgentPersona, plan *models.Plan) {
	defer p.recoverCrash(ctx, task, "")

	// Re-fetch device context; tools may have changed across the restart.
	tc, err := p.buildContext(ctx, task.DeviceID)
	if err != nil {
		task.SetStatus(models.AgentFailed)
		p.persistStatus(task)
		p.registry.Remove(task.ID)
		return
	}

	wsDir, err := p.workspaces.Open(task.ID)
	if err != nil {
		task.SetStatus(models.AgentFailed)
		p.registry.Remove(task.ID)
		return
	}

	response, err := p.executeSteps(ctx, task, persona, plan, wsDir, tc)
	success := err == nil
	switch {
	case task.Status() == models.AgentCancelled:
		success = false
		response = "Task was cancelled."
	case err != nil:
		task.SetStatus(models.AgentFailed)
		response = err.Error()
	default:
		task.SetStatus(models.AgentCompleted)
	}
	p.persistStatus(task)
	p.registry.Remove(task.ID)

	p.events.Publish(bus.Event{
		Type:      "dispatch_followup",
		UserID:    task.UserID,
		AgentID:   task.ID,
		Success:   success,
		Response:  response,
		Workspace: wsDir.Root,
	})
}
