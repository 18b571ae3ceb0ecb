package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/druidia-bot/dotbot/internal/jsonx"
	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// recruitPhase1 is the persona/council selection output.
type recruitPhase1 struct {
	PersonaID string `json:"persona_id"`
	CouncilID string `json:"council_id,omitempty"`
	ModelRole string `json:"model_role"`
	Rationale string `json:"rationale,omitempty"`
}

// recruitPhase2 is the system-prompt authoring output.
type recruitPhase2 struct {
	SystemPrompt string   `json:"system_prompt"`
	ToolIDs      []string `json:"tool_ids"`
}

const recruiterPhase1System = `You are the recruiter for a task pipeline. Given the restated
request and the available personas and councils (summaries only), pick the best persona, an
optional council for review, and a model_role from {workhorse, deep_context, architect,
assistant, gui_fast}. Output JSON: {"persona_id": ..., "council_id": ..., "model_role": ...,
"rationale": ...}.`

const recruiterPhase2System = `You are the recruiter, phase two. You now have the full persona
body and the tool manifest. Write the custom system prompt this agent will run with, and select
the subset of tool ids it needs. Output JSON: {"system_prompt": ..., "tool_ids": [...]}.`

// recruit runs both recruiter phases and writes agent_persona.json.
func (p *Pipeline) recruit(ctx context.Context, task *Task, restated string, tc *taskContext) (*models.AgentPersona, error) {
	phase1, err := p.recruitPhase1(ctx, restated, tc)
	if err != nil {
		return nil, fmt.Errorf("recruiter phase 1: %w", err)
	}

	persona := findPersona(tc.personas, phase1.PersonaID)
	if persona == nil && len(tc.personas) > 0 {
		// Unknown persona id degrades to the first registered one.
		p.logger.Warn(ctx, "recruiter picked unknown persona, using default",
			"persona_id", phase1.PersonaID)
		persona = &tc.personas[0]
	}

	phase2, err := p.recruitPhase2(ctx, restated, persona, tc)
	if err != nil {
		return nil, fmt.Errorf("recruiter phase 2: %w", err)
	}

	validTools := map[string]bool{}
	for _, name := range tc.manifest.Names() {
		validTools[name] = true
	}
	toolIDs := make([]string, 0, len(phase2.ToolIDs))
	for _, id := range phase2.ToolIDs {
		if validTools[id] {
			toolIDs = append(toolIDs, id)
		}
	}

	out := &models.AgentPersona{
		AgentID:          task.ID,
		DeviceID:         task.DeviceID,
		UserID:           task.UserID,
		Status:           models.AgentRunning,
		ModelRole:        phase1.ModelRole,
		CouncilID:        phase1.CouncilID,
		SystemPrompt:     phase2.SystemPrompt,
		ToolIDs:          toolIDs,
		RestatedRequests: []string{restated},
		CreatedAt:        time.Now().UTC(),
	}
	if persona != nil {
		out.PersonaID = persona.ID
	}
	if out.SystemPrompt == "" {
		out.SystemPrompt = "You are a capable autonomous agent. Complete the task precisely."
	}
	return out, nil
}

func (p *Pipeline) recruitPhase1(ctx context.Context, restated string, tc *taskContext) (*recruitPhase1, error) {
	var b strings.Builder
	b.WriteString("## Request\n" + restated + "\n\n## Personas\n")
	for _, persona := range tc.personas {
		fmt.Fprintf(&b, "- %s: %s — %s\n", persona.ID, persona.Name, persona.Summary)
	}
	if len(tc.councils) > 0 {
		b.WriteString("\n## Councils\n")
		for _, c := range tc.councils {
			fmt.Fprintf(&b, "- %s: %s (%d members)\n", c.ID, c.Name, len(c.PersonaIDs))
		}
	}

	msgs := []models.Message{
		{Role: models.RoleSystem, Content: recruiterPhase1System},
		{Role: models.RoleUser, Content: b.String()},
	}
	resp, err := p.client.Chat(ctx, llm.RoleIntake, msgs, llm.ChatOptions{})
	if err != nil {
		return nil, err
	}
	var result recruitPhase1
	if err := jsonx.Decode(resp.Content, &result); err != nil {
		return nil, &llm.Error{Kind: llm.KindParse, Provider: resp.Provider, Model: resp.Model, Err: err}
	}
	if result.ModelRole == "" {
		result.ModelRole = string(llm.RoleWorkhorse)
	}
	return &result, nil
}

func (p *Pipeline) recruitPhase2(ctx context.Context, restated string, persona *Persona, tc *taskContext) (*recruitPhase2, error) {
	var b strings.Builder
	b.WriteString("## Request\n" + restated + "\n")
	if persona != nil {
		b.WriteString("\n## Persona\n" + persona.Body + "\n")
	}
	b.WriteString("\n## Tool manifest\n")
	for _, def := range tc.manifest.Definitions() {
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, firstLine(def.Description))
	}

	msgs := []models.Message{
		{Role: models.RoleSystem, Content: recruiterPhase2System},
		{Role: models.RoleUser, Content: b.String()},
	}
	resp, err := p.client.Chat(ctx, llm.RoleWorkhorse, msgs, llm.ChatOptions{})
	if err != nil {
		return nil, err
	}
	var result recruitPhase2
	if err := jsonx.Decode(resp.Content, &result); err != nil {
		return nil, &llm.Error{Kind: llm.KindParse, Provider: resp.Provider, Model: resp.Model, Err: err}
	}
	return &result, nil
}

func findPersona(personas []Persona, id string) *Persona {
	for i := range personas {
		if personas[i].ID == id {
			return &personas[i]
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
