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

// maxPlanSteps bounds what the planner may emit.
const maxPlanSteps = 8

// plannerOutput is the planner's raw JSON shape.
type plannerOutput struct {
	Approach     string `json:"approach"`
	IsSimpleTask bool   `json:"is_simple_task"`
	Steps        []struct {
		Title             string   `json:"title"`
		Description       string   `json:"description"`
		ExpectedOutput    string   `json:"expected_output"`
		ToolIDs           []string `json:"tool_ids"`
		NeedsExternalData bool     `json:"needs_external_data"`
		ModelRole         string   `json:"model_role"`
	} `json:"steps"`
}

const plannerSystem = `You are the planner for a task pipeline. Break the request into 1-8
concrete steps. Each step carries its own tool_ids (subset of the manifest), an
expected_output, and needs_external_data when it must reach beyond the workspace. A trivial
request gets is_simple_task=true and a single step. Output JSON:
{"approach": ..., "is_simple_task": ..., "steps": [{"title", "description",
"expected_output", "tool_ids", "needs_external_data", "model_role"}]}.`

// plan runs the planner stage.
func (p *Pipeline) plan(ctx context.Context, persona *models.AgentPersona, restated string, tc *taskContext) (*models.Plan, error) {
	var b strings.Builder
	b.WriteString("## Request\n" + restated + "\n\n## Available tools\n")
	for _, def := range tc.manifest.Definitions() {
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, firstLine(def.Description))
	}

	msgs := []models.Message{
		{Role: models.RoleSystem, Content: plannerSystem},
		{Role: models.RoleUser, Content: b.String()},
	}
	role := llm.Role(persona.ModelRole)
	if role == "" {
		role = llm.RoleWorkhorse
	}
	resp, err := p.client.Chat(ctx, role, msgs, llm.ChatOptions{})
	if err != nil {
		return nil, err
	}

	var raw plannerOutput
	if err := jsonx.Decode(resp.Content, &raw); err != nil {
		return nil, &llm.Error{Kind: llm.KindParse, Provider: resp.Provider, Model: resp.Model, Err: err}
	}
	if len(raw.Steps) == 0 {
		return nil, fmt.Errorf("planner produced no steps")
	}
	if raw.IsSimpleTask && len(raw.Steps) > 1 {
		raw.Steps = raw.Steps[:1]
	}
	if len(raw.Steps) > maxPlanSteps {
		raw.Steps = raw.Steps[:maxPlanSteps]
	}

	plan := &models.Plan{
		Approach:     raw.Approach,
		IsSimpleTask: raw.IsSimpleTask,
		UpdatedAt:    time.Now().UTC(),
	}
	for i, s := range raw.Steps {
		step := models.PlanStep{
			ID:                fmt.Sprintf("step-%d", i+1),
			Title:             s.Title,
			Description:       s.Description,
			ExpectedOutput:    s.ExpectedOutput,
			ToolIDs:           s.ToolIDs,
			NeedsExternalData: s.NeedsExternalData,
			ModelRole:         s.ModelRole,
		}
		plan.Steps = append(plan.Steps, step)
		plan.Progress.Remaining = append(plan.Progress.Remaining, step.ID)
	}
	return plan, nil
}
