package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/druidia-bot/dotbot/internal/jsonx"
	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/internal/workspace"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// replanOutput is the re-planner's JSON shape. change=false leaves the
// plan alone.
type replanOutput struct {
	Change      bool   `json:"change"`
	Reason      string `json:"reason,omitempty"`
	InsertAfter string `json:"insert_after,omitempty"`
	InsertSteps []struct {
		Title          string   `json:"title"`
		Description    string   `json:"description"`
		ExpectedOutput string   `json:"expected_output"`
		ToolIDs        []string `json:"tool_ids"`
	} `json:"insert_steps,omitempty"`
	DropStepIDs []string `json:"drop_step_ids,omitempty"`
}

const replannerSystem = `You review a running plan after each step. Be conservative: most of
the time the right answer is {"change": false}. Insert diagnostic steps after a failure (e.g.
read logs before retrying), or drop remaining steps the completed work made redundant. Never
touch completed steps. Output JSON: {"change", "reason", "insert_after", "insert_steps",
"drop_step_ids"}.`

// replan reviews the plan after a step. Failures to parse or reach the
// model leave the plan unchanged; re-planning is advisory.
func (p *Pipeline) replan(ctx context.Context, ws *workspace.Workspace, plan *models.Plan, last *models.StepResult) *models.Plan {
	var b strings.Builder
	b.WriteString("## Plan approach\n" + plan.Approach + "\n\n## Last step result\n")
	fmt.Fprintf(&b, "step=%s success=%t\n%s\n", last.StepID, last.Success, snippet(last.Output, 2000))
	b.WriteString("\n## Completed\n")
	for _, id := range plan.Progress.Completed {
		if s := plan.Step(id); s != nil {
			fmt.Fprintf(&b, "- %s: %s\n", id, s.Title)
		}
	}
	b.WriteString("\n## Remaining\n")
	for _, id := range plan.Progress.Remaining {
		if s := plan.Step(id); s != nil {
			fmt.Fprintf(&b, "- %s: %s\n", id, s.Title)
		}
	}
	b.WriteString("\n## Workspace contents\n")
	for _, f := range ws.Listing() {
		b.WriteString("- " + f + "\n")
	}

	msgs := []models.Message{
		{Role: models.RoleSystem, Content: replannerSystem},
		{Role: models.RoleUser, Content: b.String()},
	}
	resp, err := p.client.Chat(ctx, llm.RoleWorkhorse, msgs, llm.ChatOptions{})
	if err != nil {
		p.logger.Warn(ctx, "replanner unavailable, keeping plan", "error", err.Error())
		return plan
	}
	var out replanOutput
	if err := jsonx.Decode(resp.Content, &out); err != nil || !out.Change {
		return plan
	}

	if len(out.DropStepIDs) > 0 {
		drop := map[string]bool{}
		for _, id := range out.DropStepIDs {
			drop[id] = true
		}
		remaining := plan.Progress.Remaining[:0]
		for _, id := range plan.Progress.Remaining {
			if !drop[id] {
				remaining = append(remaining, id)
			}
		}
		plan.Progress.Remaining = remaining
	}

	if len(out.InsertSteps) > 0 {
		base := len(plan.Steps)
		var newIDs []string
		for i, s := range out.InsertSteps {
			step := models.PlanStep{
				ID:             fmt.Sprintf("step-%d", base+i+1),
				Title:          s.Title,
				Description:    s.Description,
				ExpectedOutput: s.ExpectedOutput,
				ToolIDs:        s.ToolIDs,
			}
			plan.Steps = append(plan.Steps, step)
			newIDs = append(newIDs, step.ID)
		}
		plan.Progress.Remaining = insertAfter(plan.Progress.Remaining, out.InsertAfter, newIDs)
	}

	plan.UpdatedAt = time.Now().UTC()
	p.logger.Info(ctx, "plan revised", "reason", out.Reason,
		"inserted", len(out.InsertSteps), "dropped", len(out.DropStepIDs))
	return plan
}

func insertAfter(remaining []string, afterID string, newIDs []string) []string {
	if afterID == "" {
		return append(append([]string{}, newIDs...), remaining...)
	}
	out := make([]string, 0, len(remaining)+len(newIDs))
	inserted := false
	for _, id := range remaining {
		out = append(out, id)
		if id == afterID {
			out = append(out, newIDs...)
			inserted = true
		}
	}
	if !inserted {
		out = append(out, newIDs...)
	}
	return out
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
