// Package tailor implements the two-pass pre-Dot context preparation: a
// tailor call that resolves the user's message against memory, and a
// consolidator call that folds principles into one briefing.
package tailor

import (
	"context"
	"fmt"
	"strings"

	"github.com/druidia-bot/dotbot/internal/jsonx"
	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/internal/memory"
	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// RelevantMemory is one memory model the tailor flagged for this request.
type RelevantMemory struct {
	ModelID    string  `json:"model_id"`
	Entity     string  `json:"entity"`
	Confidence float64 `json:"confidence"`
}

// TopicSegment is one per-topic slice of a multi-topic message.
type TopicSegment struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// Result is the tailor's structured output.
type Result struct {
	RestatedRequest     string           `json:"restated_request"`
	Complexity          float64          `json:"complexity"`
	ContextConfidence   float64          `json:"context_confidence"`
	RelevantCache       []string         `json:"relevant_cache,omitempty"`
	RelevantMemories    []RelevantMemory `json:"relevant_memories,omitempty"`
	ManufacturedHistory []models.Message `json:"manufactured_history,omitempty"`
	TopicSegments       []TopicSegment   `json:"topic_segments,omitempty"`
	SkillSearchQuery    string           `json:"skill_search_query,omitempty"`
	SkillFeedback       string           `json:"skill_feedback,omitempty"`
}

var resultSchema = jsonx.MustCompile("tailor_result.json", map[string]any{
	"type":     "object",
	"required": []any{"restated_request", "complexity", "context_confidence"},
	"properties": map[string]any{
		"restated_request":   map[string]any{"type": "string"},
		"complexity":         map[string]any{"type": "number", "minimum": 0, "maximum": 10},
		"context_confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"relevant_cache":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"relevant_memories": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"model_id":   map[string]any{"type": "string"},
					"entity":     map[string]any{"type": "string"},
					"confidence": map[string]any{"type": "number"},
				},
			},
		},
		"manufactured_history": map[string]any{
			"type":     "array",
			"maxItems": 4,
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"role":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
			},
		},
		"topic_segments": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"topic":   map[string]any{"type": "string"},
					"message": map[string]any{"type": "string"},
				},
			},
		},
		"skill_search_query": map[string]any{"type": "string"},
		"skill_feedback":     map[string]any{"type": "string", "maxLength": 60},
	},
})

// Request carries everything the tailor may draw on.
type Request struct {
	Prompt        string
	RecentHistory []models.Message
	Spines        []models.Spine
	CacheIndex    []memory.ResearchCacheEntry
}

// Tailor runs the pre-Dot passes.
type Tailor struct {
	client *llm.Resilient
	logger *observability.Logger
}

// New builds a tailor.
func New(client *llm.Resilient, logger *observability.Logger) *Tailor {
	return &Tailor{client: client, logger: logger}
}

const tailorSystem = `You prepare context for an assistant. Given the user's latest message,
recent conversation, memory spines, and the research cache index, produce a JSON object that:
- restates the request with all references ("it", "that", "the project") resolved
- scores complexity 0-10 and your confidence in the resolved context 0-1
- lists relevant research cache filenames and memory models
- extracts up to 4 on-topic turns from the real history as manufactured_history
- splits the message into topic_segments ONLY when it spans two or more distinct memory models
- suggests a skill_search_query when a skill lookup would help
- when complexity >= 4, adds skill_feedback: a friendly acknowledgment under 60 characters`

// Run executes the tailor pass. The schema constrains the model output;
// a parse failure is retried once in simple mode with a lower temperature.
func (t *Tailor) Run(ctx context.Context, req Request) (*Result, error) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: tailorSystem},
		{Role: models.RoleUser, Content: t.buildUserMessage(req)},
	}
	opts := llm.ChatOptions{ResponseSchema: schemaDoc()}

	resp, err := t.client.Chat(ctx, llm.RoleIntake, msgs, opts)
	if err != nil {
		return nil, err
	}

	var result Result
	if derr := jsonx.DecodeValidated(resp.Content, resultSchema, &result); derr != nil {
		t.logger.Warn(ctx, "tailor output unparseable, retrying simple", "error", derr.Error())
		opts.Temperature = 0.1
		opts.TemperatureSet = true
		resp, err = t.client.Chat(ctx, llm.RoleIntake, msgs, opts)
		if err != nil {
			return nil, err
		}
		if derr := jsonx.DecodeValidated(resp.Content, resultSchema, &result); derr != nil {
			return nil, &llm.Error{Kind: llm.KindParse, Provider: resp.Provider, Model: resp.Model, Err: derr}
		}
	}

	result.clamp(req.Prompt)
	return &result, nil
}

func (r *Result) clamp(prompt string) {
	if r.RestatedRequest == "" {
		r.RestatedRequest = prompt
	}
	if r.Complexity < 0 {
		r.Complexity = 0
	}
	if r.Complexity > 10 {
		r.Complexity = 10
	}
	if r.ContextConfidence < 0 {
		r.ContextConfidence = 0
	}
	if r.ContextConfidence > 1 {
		r.ContextConfidence = 1
	}
	if len(r.ManufacturedHistory) > 4 {
		r.ManufacturedHistory = r.ManufacturedHistory[:4]
	}
	if len(r.TopicSegments) == 1 {
		// A single segment is not multi-topic mode.
		r.TopicSegments = nil
	}
	if r.Complexity < 4 {
		r.SkillFeedback = ""
	}
}

func (t *Tailor) buildUserMessage(req Request) string {
	var b strings.Builder
	b.WriteString("## Latest message\n")
	b.WriteString(req.Prompt)

	if len(req.RecentHistory) > 0 {
		b.WriteString("\n\n## Recent conversation\n")
		for _, m := range req.RecentHistory {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}
	if len(req.Spines) > 0 {
		b.WriteString("\n## Memory spines\n")
		for _, s := range req.Spines {
			fmt.Fprintf(&b, "- [%s] %s (%s): %s (confidence %.2f)\n", s.ID, s.Entity, s.Type, s.Summary, s.Confidence)
		}
	}
	if len(req.CacheIndex) > 0 {
		b.WriteString("\n## Research cache\n")
		for _, e := range req.CacheIndex {
			fmt.Fprintf(&b, "- %s: %s\n", e.Filename, e.Topic)
		}
	}
	return b.String()
}

func schemaDoc() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"restated_request", "complexity", "context_confidence"},
		"properties": map[string]any{
			"restated_request":     map[string]any{"type": "string"},
			"complexity":           map[string]any{"type": "number"},
			"context_confidence":   map[string]any{"type": "number"},
			"relevant_cache":       map[string]any{"type": "array"},
			"relevant_memories":    map[string]any{"type": "array"},
			"manufactured_history": map[string]any{"type": "array"},
			"topic_segments":       map[string]any{"type": "array"},
			"skill_search_query":   map[string]any{"type": "string"},
			"skill_feedback":       map[string]any{"type": "string"},
		},
	}
}
