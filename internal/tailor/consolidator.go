package tailor

import (
	"context"
	"strings"

	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// Principle is one behavioral rule body handed to the consolidator.
type Principle struct {
	Name     string
	Body     string
	AlwaysOn bool
}

// briefingTokenBudget caps the consolidated briefing. Tokens are
// approximated at four characters each.
const briefingTokenBudget = 1500

const consolidatorSystem = `You merge behavioral principles into one briefing for an assistant.
Given the always-on rules and the principles selected for this request, write a single unified
briefing the assistant reads before answering. Do not quote principles verbatim when they
overlap; merge them. Stay under 1500 tokens. Output the briefing text only.`

// Consolidate produces the unified briefing prepended to the user message.
// No principles yields an empty block. On LLM failure the principle bodies
// are concatenated verbatim instead, trimmed to the same budget.
func (t *Tailor) Consolidate(ctx context.Context, result *Result, principles []Principle) string {
	if len(principles) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Request\n")
	b.WriteString(result.RestatedRequest)
	b.WriteString("\n\n## Principles\n")
	for _, p := range principles {
		marker := ""
		if p.AlwaysOn {
			marker = " (always on)"
		}
		b.WriteString("### " + p.Name + marker + "\n")
		b.WriteString(p.Body + "\n\n")
	}

	msgs := []models.Message{
		{Role: models.RoleSystem, Content: consolidatorSystem},
		{Role: models.RoleUser, Content: b.String()},
	}
	resp, err := t.client.Chat(ctx, llm.RoleIntake, msgs, llm.ChatOptions{
		MaxTokens:    briefingTokenBudget,
		MaxTokensSet: true,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		if err != nil {
			t.logger.Warn(ctx, "consolidator failed, concatenating principles", "error", err.Error())
		}
		return fallbackBriefing(principles)
	}
	return trimToBudget(resp.Content)
}

func fallbackBriefing(principles []Principle) string {
	var b strings.Builder
	for _, p := range principles {
		b.WriteString(p.Body)
		b.WriteString("\n\n")
	}
	return trimToBudget(strings.TrimSpace(b.String()))
}

func trimToBudget(s string) string {
	maxChars := briefingTokenBudget * 4
	if len(s) <= maxChars {
		return s
	}
	return s[:maxChars]
}
