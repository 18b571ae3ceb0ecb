// Package dot is the conversational front-of-house: it tailors context,
// drives the tool loop on the assistant tier, and hands complex work to
// the agent pipeline while answering the user immediately.
package dot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/druidia-bot/dotbot/internal/agent"
	"github.com/druidia-bot/dotbot/internal/bus"
	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/internal/journal"
	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/internal/memory"
	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/internal/pipeline"
	"github.com/druidia-bot/dotbot/internal/tailor"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// DispatchToolID is the tool Dot calls to hand work to the pipeline.
const DispatchToolID = "task.dispatch"

// PrincipleSource supplies the behavioral principles the consolidator
// merges. The principle library's content lives outside the core.
type PrincipleSource interface {
	AlwaysOn(ctx context.Context) []tailor.Principle
	Select(ctx context.Context, query string) []tailor.Principle
}

// FollowupSender delivers the post-pipeline follow-up to the user's
// transport.
type FollowupSender func(userID string, payload FollowupPayload)

// FollowupPayload mirrors the dispatch_followup frame.
type FollowupPayload struct {
	Response      string
	MessageID     string
	AgentID       string
	Success       bool
	WorkspacePath string
}

// Request is one inbound user (or scheduler) prompt.
type Request struct {
	DeviceID  string
	UserID    string
	Prompt    string
	Source    string
	MessageID string
	// PersonaRole pins a model role when the active persona forces one.
	PersonaRole llm.Role
	// History is the recent conversation for tailoring.
	History []models.Message
}

// Response is Dot's immediate answer.
type Response struct {
	Text              string
	DispatchedAgentID string
	Complexity        float64
}

// Dot orchestrates one request at a time per conversation.
type Dot struct {
	client     *llm.Resilient
	engine     *agent.Engine
	tailorer   *tailor.Tailor
	pipe       *pipeline.Pipeline
	spines     *memory.MentalModelStore
	cache      *memory.ResearchCache
	events     *bus.Bus
	principles PrincipleSource
	sendFollow FollowupSender
	logger     *observability.Logger
	cfg        config.DotConfig
	tools      *agent.ToolRegistry
}

// New wires the orchestrator. principles and sendFollow may be nil.
func New(client *llm.Resilient, engine *agent.Engine, tailorer *tailor.Tailor,
	pipe *pipeline.Pipeline, spines *memory.MentalModelStore, cache *memory.ResearchCache,
	events *bus.Bus, principles PrincipleSource, sendFollow FollowupSender,
	logger *observability.Logger, cfg config.DotConfig, tools *agent.ToolRegistry) *Dot {
	if cfg.ForceDispatchThreshold <= 0 {
		cfg.ForceDispatchThreshold = 7
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 12
	}
	if tools == nil {
		tools = agent.NewToolRegistry()
	}
	return &Dot{
		client:     client,
		engine:     engine,
		tailorer:   tailorer,
		pipe:       pipe,
		spines:     spines,
		cache:      cache,
		events:     events,
		principles: principles,
		sendFollow: sendFollow,
		logger:     logger,
		cfg:        cfg,
		tools:      tools,
	}
}

const dotSystem = `You are Dot, the user's personal assistant. Answer directly when you can.
For complex multi-step work, call task.dispatch to hand the job to a background agent and tell
the user it's underway. Never promise to do background work without dispatching it.`

// dispatchArgs is the task.dispatch tool schema.
type dispatchArgs struct {
	Prompt string `json:"prompt"`
	Reason string `json:"reason,omitempty"`
}

// Handle processes one prompt end to end.
func (d *Dot) Handle(ctx context.Context, req Request) (*Response, error) {
	jnl := journal.New()
	jnl.Phase("tailor", "pre-dot context resolution")

	spines, _ := d.spines.Spines()
	tres, err := d.tailorer.Run(ctx, tailor.Request{
		Prompt:        req.Prompt,
		RecentHistory: req.History,
		Spines:        spines,
		CacheIndex:    d.cache.Index(),
	})
	if err != nil {
		// Tailoring is preparatory; a dead intake tier degrades to the
		// raw prompt rather than failing the request.
		d.logger.Warn(ctx, "tailor pass failed, using raw prompt", "error", err.Error())
		jnl.Recovery()
		tres = &tailor.Result{RestatedRequest: req.Prompt}
	}

	briefing := ""
	if d.principles != nil {
		jnl.Phase("consolidate", "principle briefing")
		selected := d.principles.AlwaysOn(ctx)
		if tres.SkillSearchQuery != "" {
			selected = append(selected, d.principles.Select(ctx, tres.SkillSearchQuery)...)
		}
		briefing = d.tailorer.Consolidate(ctx, tres, selected)
	}

	// Multi-topic mode: one loop per segment, joined answers.
	if len(tres.TopicSegments) >= 2 {
		return d.handleSegments(ctx, req, tres, briefing, jnl)
	}

	jnl.Phase("loop", "assistant tool loop")
	return d.runLoop(ctx, req, tres, briefing, tres.RestatedRequest, jnl)
}

// runLoop drives one tool loop and resolves the dispatch decision.
func (d *Dot) runLoop(ctx context.Context, req Request, tres *tailor.Result, briefing, userMsg string, jnl *journal.Journal) (*Response, error) {
	forced := tres.Complexity >= d.cfg.ForceDispatchThreshold

	var dispatchedID string
	tools := d.tools.Merge(nil)
	_ = tools.Register(agent.Tool{
		Definition: models.ToolDefinition{
			Name:        DispatchToolID,
			Description: "Dispatch a complex task to a background agent. Returns immediately; the agent reports back when done.",
			Parameters:  agent.SchemaFor[dispatchArgs](),
		},
		Handler: func(hctx context.Context, raw json.RawMessage) (string, error) {
			var args dispatchArgs
			_ = json.Unmarshal(raw, &args)
			prompt := args.Prompt
			if prompt == "" {
				prompt = tres.RestatedRequest
			}
			dispatchedID = d.dispatch(req, prompt)
			return `{"success": true}`, nil
		},
	})

	content := userMsg
	if briefing != "" {
		content = briefing + "\n\n---\n\n" + content
	}
	if forced {
		content += "\n\n[This request is too complex to answer inline. You MUST call task.dispatch and acknowledge to the user that the work has been handed off.]"
	}

	msgs := []models.Message{{Role: models.RoleSystem, Content: dotSystem}}
	msgs = append(msgs, tres.ManufacturedHistory...)
	msgs = append(msgs, models.Message{Role: models.RoleUser, Content: content})

	role := llm.RoleAssistant
	if req.PersonaRole != "" {
		role = req.PersonaRole
	}

	result, err := d.engine.Run(ctx, agent.LoopRequest{
		Role:          role,
		Messages:      msgs,
		Tools:         tools,
		MaxIterations: d.cfg.MaxIterations,
		OnEscalate:    pipeline.TierEscalation(role),
	})
	if err != nil {
		kind := llm.KindUnknown
		if lerr, ok := err.(*llm.Error); ok {
			kind = lerr.Kind
		}
		jnl.Failure("loop", kind, err)
		return &Response{Text: jnl.Report()}, nil
	}

	switch result.Outcome {
	case agent.OutcomeCancelled:
		return &Response{Text: "Cancelled."}, nil

	case agent.OutcomeMaxIterations:
		// Hand the whole transcript off rather than stalling.
		handoff := d.handoffPrompt(tres.RestatedRequest, result)
		dispatchedID = d.dispatch(req, handoff)
		return &Response{
			Text:              "This is taking more steps than I can do inline, so I've handed it off and will follow up.",
			DispatchedAgentID: dispatchedID,
			Complexity:        tres.Complexity,
		}, nil
	}

	// A forced dispatch the model ignored still dispatches.
	if forced && dispatchedID == "" {
		dispatchedID = d.dispatch(req, tres.RestatedRequest)
		ack := tres.SkillFeedback
		if ack == "" {
			ack = "On it. I've started a background agent for this."
		}
		return &Response{Text: ack, DispatchedAgentID: dispatchedID, Complexity: tres.Complexity}, nil
	}

	return &Response{
		Text:              result.Content,
		DispatchedAgentID: dispatchedID,
		Complexity:        tres.Complexity,
	}, nil
}

// handleSegments runs the loop once per topic segment and joins answers.
func (d *Dot) handleSegments(ctx context.Context, req Request, tres *tailor.Result, briefing string, jnl *journal.Journal) (*Response, error) {
	var parts []string
	var dispatched string
	for _, seg := range tres.TopicSegments {
		jnl.Phase("loop", "segment: "+seg.Topic)
		resp, err := d.runLoop(ctx, req, tres, briefing, seg.Message, jnl)
		if err != nil {
			return nil, err
		}
		parts = append(parts, resp.Text)
		if resp.DispatchedAgentID != "" {
			dispatched = resp.DispatchedAgentID
		}
	}
	return &Response{
		Text:              strings.Join(parts, "\n\n---\n\n"),
		DispatchedAgentID: dispatched,
		Complexity:        tres.Complexity,
	}, nil
}

// handoffPrompt summarizes a max-iterations transcript for the pipeline.
func (d *Dot) handoffPrompt(restated string, result *agent.LoopResult) string {
	var b strings.Builder
	b.WriteString("Continue this task that an assistant started but could not finish inline.\n\n")
	b.WriteString("## Original request\n" + restated + "\n\n## Work so far\n")
	for _, rec := range result.ToolTrace {
		status := "ok"
		if rec.IsError {
			status = "failed"
		}
		out := rec.Result
		if len(out) > 200 {
			out = out[:200] + "…"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", rec.Tool, status, out)
	}
	return b.String()
}

// dispatch launches the pipeline and arranges the follow-up delivery.
func (d *Dot) dispatch(req Request, prompt string) string {
	agentID := d.pipe.Dispatch(pipeline.DispatchRequest{
		DeviceID:  req.DeviceID,
		UserID:    req.UserID,
		Prompt:    prompt,
		MessageID: req.MessageID,
	})
	go d.awaitFollowup(req.UserID, agentID, req.MessageID)
	return agentID
}
