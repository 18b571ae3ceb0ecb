// Package providers implements the concrete LLM clients behind the role
// registry: Anthropic through its native SDK, everything else through the
// OpenAI-compatible chat API.
package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// AnthropicClient implements llm.Client over the Anthropic Messages API.
// Safe for concurrent use; each call creates an independent request.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient builds a client. baseURL may be empty.
func NewAnthropicClient(apiKey, baseURL string) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...)}
}

// Provider implements llm.Client.
func (c *AnthropicClient) Provider() llm.Provider { return llm.ProviderAnthropic }

// Chat implements llm.Client.
func (c *AnthropicClient) Chat(ctx context.Context, msgs []models.Message, opts llm.ChatOptions) (*llm.ChatResponse, error) {
	params, err := c.buildParams(msgs, opts)
	if err != nil {
		return nil, err
	}
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, llm.Classify(llm.ProviderAnthropic, opts.Model, statusCodeOf(err), err)
	}
	return c.convertMessage(msg, opts.Model), nil
}

// Stream implements llm.Client.
func (c *AnthropicClient) Stream(ctx context.Context, msgs []models.Message, opts llm.ChatOptions, onDelta llm.StreamHandler) (*llm.ChatResponse, error) {
	params, err := c.buildParams(msgs, opts)
	if err != nil {
		return nil, err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, llm.Classify(llm.ProviderAnthropic, opts.Model, 0, err)
		}
		if onDelta == nil {
			continue
		}
		if event.Type == "content_block_delta" {
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				onDelta(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, llm.Classify(llm.ProviderAnthropic, opts.Model, statusCodeOf(err), err)
	}
	return c.convertMessage(&acc, opts.Model), nil
}

func (c *AnthropicClient) buildParams(msgs []models.Message, opts llm.ChatOptions) (anthropic.MessageNewParams, error) {
	var system string
	var converted []anthropic.MessageParam

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content

		case models.RoleUser:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(call.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(content) == 0 {
				content = append(content, anthropic.NewTextBlock(""))
			}
			converted = append(converted, anthropic.NewAssistantMessage(content...))

		case models.RoleTool:
			// Anthropic expects tool results inside a user message.
			converted = append(converted, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		default:
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: unsupported role %q", msg.Role)
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		Messages:  converted,
		MaxTokens: int64(maxTokens),
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	if opts.ResponseSchema != nil {
		schema, _ := json.Marshal(opts.ResponseSchema)
		if system != "" {
			system += "\n\n"
		}
		system += "Respond with a single JSON object conforming to this schema, no prose:\n" + string(schema)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	if len(opts.Tools) > 0 {
		tools, err := convertAnthropicTools(opts.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func convertAnthropicTools(tools []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Parameters)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func (c *AnthropicClient) convertMessage(msg *anthropic.Message, model string) *llm.ChatResponse {
	resp := &llm.ChatResponse{Model: model, Provider: llm.ProviderAnthropic}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "thinking":
			resp.ReasoningContent += block.Thinking
		case "tool_use":
			toolUse := block.AsToolUse()
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        toolUse.ID,
				Name:      toolUse.Name,
				Arguments: string(toolUse.Input),
			})
		}
	}
	return resp
}
