package llm

import (
	"context"

	"github.com/druidia-bot/dotbot/pkg/models"
)

// ChatOptions are the per-call knobs shared by every provider.
type ChatOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int

	// Tools enables native function calling when non-empty.
	Tools []models.ToolDefinition

	// ResponseSchema constrains output to a JSON schema when non-nil.
	// Providers that cannot enforce it natively get a strict instruction
	// appended to the system prompt instead.
	ResponseSchema map[string]any

	// explicit marks fields the caller set directly; the resilient wrapper
	// preserves these across fallback replays.
	TemperatureSet bool
	MaxTokensSet   bool
}

// ChatResponse is a completed (non-streamed or fully drained) model turn.
type ChatResponse struct {
	Content          string
	ReasoningContent string
	ToolCalls        []models.ToolCall
	Model            string
	Provider         Provider
}

// StreamHandler receives text deltas as the model emits them.
type StreamHandler func(delta string)

// Client is the provider-neutral LLM contract. Implementations must be safe
// for concurrent use.
type Client interface {
	// Chat runs one model turn and returns the full response.
	Chat(ctx context.Context, msgs []models.Message, opts ChatOptions) (*ChatResponse, error)

	// Stream runs one model turn, forwarding text deltas to onDelta, and
	// returns the assembled response. Tool calls are delivered in the final
	// response, never through onDelta.
	Stream(ctx context.Context, msgs []models.Message, opts ChatOptions, onDelta StreamHandler) (*ChatResponse, error)

	// Provider identifies the backing vendor.
	Provider() Provider
}
