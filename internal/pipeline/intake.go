package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/druidia-bot/dotbot/internal/jsonx"
	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// intakeResult is the classify stage's structured output.
type intakeResult struct {
	RestatedRequest string   `json:"restated_request"`
	Domain          string   `json:"domain,omitempty"`
	KnownFacts      []string `json:"known_facts,omitempty"`
}

const intakeSystem = `You are the intake stage of a task pipeline. Resolve every reference in
the request against the provided memory spines and restate it so a worker with no other
context can execute it. Output JSON: {"restated_request": ..., "domain": ...,
"known_facts": [...]}.`

// classify runs the intake LLM call.
func (p *Pipeline) classify(ctx context.Context, prompt string, tc *taskContext) (*intakeResult, error) {
	var b strings.Builder
	b.WriteString("## Request\n" + prompt + "\n")
	if len(tc.spines) > 0 {
		b.WriteString("\n## Memory spines\n")
		for _, s := range tc.spines {
			fmt.Fprintf(&b, "- %s (%s): %s\n", s.Entity, s.Type, s.Summary)
		}
	}
	if len(tc.research) > 0 {
		b.WriteString("\n## Research cache\n")
		for _, e := range tc.research {
			fmt.Fprintf(&b, "- %s: %s\n", e.Filename, e.Topic)
		}
	}

	msgs := []models.Message{
		{Role: models.RoleSystem, Content: intakeSystem},
		{Role: models.RoleUser, Content: b.String()},
	}
	resp, err := p.client.Chat(ctx, llm.RoleIntake, msgs, llm.ChatOptions{
		ResponseSchema: map[string]any{
			"type":     "object",
			"required": []any{"restated_request"},
			"properties": map[string]any{
				"restated_request": map[string]any{"type": "string"},
				"domain":           map[string]any{"type": "string"},
				"known_facts":      map[string]any{"type": "array"},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	var result intakeResult
	if err := jsonx.Decode(resp.Content, &result); err != nil {
		// A prompt the intake model cannot structure still runs; the raw
		// prompt carries forward.
		p.logger.Warn(ctx, "intake output unparseable, using raw prompt", "error", err.Error())
		result.RestatedRequest = prompt
	}
	if result.RestatedRequest == "" {
		result.RestatedRequest = prompt
	}
	return &result, nil
}
