package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/internal/agent"
	"github.com/druidia-bot/dotbot/internal/bus"
	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/internal/workspace"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// EscalateToolID is the synthetic stop tool added to every step's tool
// set. Calling it ends the step immediately.
const EscalateToolID = "escalate"

// Config tunes the pipeline.
type Config struct {
	MaxStepIterations int
}

// Pipeline executes agent tasks end to end.
type Pipeline struct {
	client     *llm.Resilient
	engine     *agent.Engine
	source     ContextSource
	registry   *Registry
	workspaces *workspace.Manager
	events     *bus.Bus
	logger     *observability.Logger
	metrics    *observability.Metrics
	cfg        Config
}

// New wires a pipeline. metrics may be nil.
func New(client *llm.Resilient, engine *agent.Engine, source ContextSource, registry *Registry,
	workspaces *workspace.Manager, events *bus.Bus, logger *observability.Logger,
	metrics *observability.Metrics, cfg Config) *Pipeline {
	if cfg.MaxStepIterations <= 0 {
		cfg.MaxStepIterations = 30
	}
	return &Pipeline{
		client:     client,
		engine:     engine,
		source:     source,
		registry:   registry,
		workspaces: workspaces,
		events:     events,
		logger:     logger,
		metrics:    metrics,
		cfg:        cfg,
	}
}

// Registry exposes the task registry.
func (p *Pipeline) Registry() *Registry { return p.registry }

// DispatchRequest is what Dot hands off.
type DispatchRequest struct {
	DeviceID  string
	UserID    string
	Prompt    string
	MessageID string
}

// Dispatch launches a task asynchronously and returns its agent id
// immediately. Completion is published on the event bus keyed by user id.
func (p *Pipeline) Dispatch(req DispatchRequest) string {
	task := &Task{
		ID:        uuid.NewString(),
		DeviceID:  req.DeviceID,
		UserID:    req.UserID,
		Prompt:    req.Prompt,
		CreatedAt: time.Now().UTC(),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	runCtx = observability.WithAgentID(runCtx, task.ID)
	runCtx = observability.WithUserID(runCtx, req.UserID)
	p.registry.Add(task, cancel)
	if p.metrics != nil {
		p.metrics.DispatchedAgents.Inc()
	}

	go p.supervise(runCtx, task, req.MessageID)
	return task.ID
}

// supervise runs the pipeline and publishes the completion event, keeping
// the cancelled-wins invariant on every status write. A panic anywhere in
// the stages must not take the daemon down: it is converted into a failed
// completion so the follow-up still reaches the user.
func (p *Pipeline) supervise(ctx context.Context, task *Task, messageID string) {
	defer p.recoverCrash(ctx, task, messageID)
	response, err := p.run(ctx, task)

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

	wsPath := ""
	if ws, werr := p.workspaces.Open(task.ID); werr == nil {
		wsPath = ws.Root
	}
	p.events.Publish(bus.Event{
		Type:      "dispatch_followup",
		UserID:    task.UserID,
		AgentID:   task.ID,
		MessageID: messageID,
		Success:   success,
		Response:  response,
		Workspace: wsPath,
	})
}

// recoverCrash is the deferred backstop for the pipeline goroutines.
func (p *Pipeline) recoverCrash(ctx context.Context, task *Task, messageID string) {
	r := recover()
	if r == nil {
		return
	}
	p.logger.Error(ctx, "agent pipeline panicked",
		"agent_id", task.ID, "panic", fmt.Sprintf("%v", r))

	task.SetStatus(models.AgentFailed)
	p.persistStatus(task)
	p.registry.Remove(task.ID)

	wsPath := ""
	if ws, err := p.workspaces.Open(task.ID); err == nil {
		wsPath = ws.Root
	}
	p.events.Publish(bus.Event{
		Type:      "dispatch_followup",
		UserID:    task.UserID,
		AgentID:   task.ID,
		MessageID: messageID,
		Success:   false,
		Response:  "The background task crashed unexpectedly.",
		Workspace: wsPath,
	})
}

// persistStatus mirrors the registry status into agent_persona.json.
func (p *Pipeline) persistStatus(task *Task) {
	ws, err := p.workspaces.Open(task.ID)
	if err != nil {
		return
	}
	persona, err := ws.ReadPersona()
	if err != nil {
		return
	}
	persona.Status = task.Status()
	_ = ws.WritePersona(persona)
}

// run executes all stages for a task.
func (p *Pipeline) run(ctx context.Context, task *Task) (string, error) {
	// Stage 1: context build.
	tc, err := p.buildContext(ctx, task.DeviceID)
	if err != nil {
		return "", err
	}

	// Stage 2: intake classify.
	intake, err := p.classify(ctx, task.Prompt, tc)
	if err != nil {
		return "", fmt.Errorf("intake: %w", err)
	}

	// Stage 3: recruiter.
	persona, err := p.recruit(ctx, task, intake.RestatedRequest, tc)
	if err != nil {
		return "", fmt.Errorf("recruit: %w", err)
	}
	task.PersonaID = persona.PersonaID

	ws, err := p.workspaces.Create(task.ID)
	if err != nil {
		return "", err
	}
	if err := ws.WritePersona(persona); err != nil {
		return "", err
	}
	if len(intake.KnownFacts) > 0 {
		_ = ws.WriteIntake("# Intake knowledge\n\n- " + strings.Join(intake.KnownFacts, "\n- ") + "\n")
	}

	// Stage 4: planner.
	plan, err := p.plan(ctx, persona, intake.RestatedRequest, tc)
	if err != nil {
		return "", fmt.Errorf("plan: %w", err)
	}
	if err := ws.WritePlan(plan); err != nil {
		return "", err
	}

	return p.executeSteps(ctx, task, persona, plan, ws, tc)
}

// executeSteps drives the step loop with re-planning between steps. Also
// the resume entry point: a recovered plan enters here directly.
func (p *Pipeline) executeSteps(ctx context.Context, task *Task, persona *models.AgentPersona,
	plan *models.Plan, ws *workspace.Workspace, tc *taskContext) (string, error) {

	var lastOutput string
	for len(plan.Progress.Remaining) > 0 {
		if ctx.Err() != nil || task.Status() == models.AgentCancelled {
			return "", ctx.Err()
		}

		stepID := plan.Progress.Remaining[0]
		step := plan.Step(stepID)
		if step == nil {
			plan.Progress.Remaining = plan.Progress.Remaining[1:]
			continue
		}

		plan.Progress.CurrentStepID = stepID
		if err := ws.WritePlan(plan); err != nil {
			return "", err
		}

		result, err := p.executeStep(ctx, task, persona, plan, step, ws, tc)
		if err != nil {
			plan.Progress.FailedAt = stepID
			plan.Progress.CurrentStepID = ""
			_ = ws.WritePlan(plan)
			if p.metrics != nil {
				p.metrics.PipelineSteps.WithLabelValues("failed").Inc()
			}
			return "", fmt.Errorf("step %s: %w", stepID, err)
		}

		plan.Progress.Completed = append(plan.Progress.Completed, stepID)
		plan.Progress.Remaining = plan.Progress.Remaining[1:]
		plan.Progress.CurrentStepID = ""
		if result.Escalated {
			plan.Progress.StoppedAt = stepID
		}
		if err := ws.WritePlan(plan); err != nil {
			return "", err
		}
		if p.metrics != nil {
			p.metrics.PipelineSteps.WithLabelValues("completed").Inc()
		}
		lastOutput = result.Output

		if result.Escalated {
			return fmt.Sprintf("I stopped to check with you: %s", result.EscalateTo), nil
		}

		// Stage 6: re-plan between steps.
		if len(plan.Progress.Remaining) > 0 {
			plan = p.replan(ctx, ws, plan, result)
			if err := ws.WritePlan(plan); err != nil {
				return "", err
			}
		}
	}
	return lastOutput, nil
}

// escalateArgs is the schema of the synthetic stop tool.
type escalateArgs struct {
	Reason string `json:"reason"`
}

// executeStep runs one step through the tool loop.
func (p *Pipeline) executeStep(ctx context.Context, task *Task, persona *models.AgentPersona,
	plan *models.Plan, step *models.PlanStep, ws *workspace.Workspace, tc *taskContext) (*models.StepResult, error) {

	// Per-step tool set: manifest ∩ step tools, plus the escalate sentinel.
	toolIDs := step.ToolIDs
	if len(toolIDs) == 0 {
		toolIDs = persona.ToolIDs
	}
	tools := tc.manifest.Subset(toolIDs)
	_ = tools.Register(agent.Tool{
		Definition: models.ToolDefinition{
			Name:        EscalateToolID,
			Description: "Stop this step and escalate to the user. Use when blocked on something only a human can resolve.",
			Parameters:  agent.SchemaFor[escalateArgs](),
		},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "Escalation recorded.", nil
		},
	})

	role := llm.Role(persona.ModelRole)
	if step.ModelRole != "" {
		role = llm.Role(step.ModelRole)
	}
	if role == "" {
		role = llm.RoleWorkhorse
	}

	msgs := []models.Message{
		{Role: models.RoleSystem, Content: persona.SystemPrompt},
		{Role: models.RoleUser, Content: p.stepBriefing(plan, step, ws)},
	}

	result, err := p.engine.Run(ctx, agent.LoopRequest{
		Role:          role,
		Messages:      msgs,
		Tools:         tools,
		MaxIterations: p.cfg.MaxStepIterations,
		StopToolID:    EscalateToolID,
		OnEscalate:    TierEscalation(role),
		OnToolResult: func(call models.ToolCall, res models.ToolResult) {
			// Flush plan.json on every tool result so recovery can resume.
			plan.ToolLog = append(plan.ToolLog, models.ToolCallRecord{
				StepID:  step.ID,
				Tool:    call.Name,
				Args:    call.Arguments,
				Result:  snippet(res.Content, 4000),
				IsError: res.IsError,
				At:      time.Now().UTC(),
			})
			_ = ws.WritePlan(plan)
		},
	})
	if err != nil {
		return nil, err
	}

	out := &models.StepResult{
		StepID:     step.ID,
		Iterations: result.Iterations,
	}
	switch result.Outcome {
	case agent.OutcomeCancelled:
		return nil, context.Canceled
	case agent.OutcomeStoppedByTool:
		var args escalateArgs
		_ = json.Unmarshal(result.StopToolArgs, &args)
		out.Success = true
		out.Escalated = true
		out.EscalateTo = args.Reason
		out.Output = result.Content
	default:
		out.Success = true
		out.Output = result.Content
	}
	return out, nil
}

// stepBriefing builds the per-step workspace briefing.
func (p *Pipeline) stepBriefing(plan *models.Plan, step *models.PlanStep, ws *workspace.Workspace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Current step: %s\n%s\n\nExpected output: %s\n", step.Title, step.Description, step.ExpectedOutput)

	if intake := ws.ReadIntake(); intake != "" {
		b.WriteString("\n## Intake knowledge\n" + intake)
	}
	b.WriteString("\n## Workspace files\n")
	for _, f := range ws.Listing() {
		b.WriteString("- " + f + "\n")
	}
	if len(plan.Progress.Completed) > 0 {
		b.WriteString("\n## Completed steps\n")
		for _, id := range plan.Progress.Completed {
			if s := plan.Step(id); s != nil {
				fmt.Fprintf(&b, "- %s: %s\n", id, s.Title)
			}
		}
	}
	if len(plan.Progress.Remaining) > 1 {
		b.WriteString("\n## Upcoming steps\n")
		for _, id := range plan.Progress.Remaining[1:] {
			if s := plan.Step(id); s != nil {
				fmt.Fprintf(&b, "- %s: %s\n", id, s.Title)
			}
		}
	}
	fmt.Fprintf(&b, "\nWrite final artifacts under %s.\n", filepath.Base(ws.OutputDir()))
	return b.String()
}

// TierEscalation is the shared mid-loop escalation policy: workhorse at
// iteration 6, architect at 10. Personas that force architect or gui_fast
// skip escalation entirely.
func TierEscalation(start llm.Role) func(iteration int) *agent.Escalation {
	if start == llm.RoleArchitect || start == llm.RoleGUIFast {
		return nil
	}
	escalated := llm.Role("")
	return func(iteration int) *agent.Escalation {
		switch {
		case iteration >= 10 && escalated != llm.RoleArchitect:
			escalated = llm.RoleArchitect
			return &agent.Escalation{Role: llm.RoleArchitect, Tier: "architect"}
		case iteration >= 6 && escalated == "":
			escalated = llm.RoleWorkhorse
			return &agent.Escalation{Role: llm.RoleWorkhorse, Tier: "workhorse"}
		}
		return nil
	}
}
