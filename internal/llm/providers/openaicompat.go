package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// Chat-completions base URLs for the OpenAI-compatible vendors. The local
// runtime serves the same API shape from the device bridge.
var compatBaseURLs = map[llm.Provider]string{
	llm.ProviderDeepSeek: "https://api.deepseek.com/v1",
	llm.ProviderGemini:   "https://generativelanguage.googleapis.com/v1beta/openai",
	llm.ProviderXAI:      "https://api.x.ai/v1",
	llm.ProviderLocal:    "http://127.0.0.1:8573/v1",
}

// CompatClient implements llm.Client over any OpenAI-compatible chat API.
type CompatClient struct {
	provider llm.Provider
	client   *openai.Client
}

// NewCompatClient builds a client for one of the OpenAI-compatible vendors.
// baseURL overrides the vendor default when non-empty.
func NewCompatClient(provider llm.Provider, apiKey, baseURL string) *CompatClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL == "" {
		baseURL = compatBaseURLs[provider]
	}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &CompatClient{provider: provider, client: openai.NewClientWithConfig(cfg)}
}

// Provider implements llm.Client.
func (c *CompatClient) Provider() llm.Provider { return c.provider }

// Chat implements llm.Client.
func (c *CompatClient) Chat(ctx context.Context, msgs []models.Message, opts llm.ChatOptions) (*llm.ChatResponse, error) {
	req := c.buildRequest(msgs, opts, false)
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, c.classify(opts.Model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.Classify(c.provider, opts.Model, 0, errors.New("empty choices in response"))
	}
	return c.convertChoice(resp.Choices[0], opts.Model), nil
}

// Stream implements llm.Client.
func (c *CompatClient) Stream(ctx context.Context, msgs []models.Message, opts llm.ChatOptions, onDelta llm.StreamHandler) (*llm.ChatResponse, error) {
	req := c.buildRequest(msgs, opts, true)
	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, c.classify(opts.Model, err)
	}
	defer stream.Close()

	out := &llm.ChatResponse{Model: opts.Model, Provider: c.provider}
	calls := map[int]*models.ToolCall{}
	order := []int{}

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, c.classify(opts.Model, err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			out.Content += delta.Content
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}
		if delta.ReasoningContent != "" {
			out.ReasoningContent += delta.ReasoningContent
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := calls[idx]
			if !ok {
				call = &models.ToolCall{}
				calls[idx] = call
				order = append(order, idx)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}
	}

	for _, idx := range order {
		if call := calls[idx]; call.ID != "" && call.Name != "" {
			out.ToolCalls = append(out.ToolCalls, *call)
		}
	}
	return out, nil
}

func (c *CompatClient) buildRequest(msgs []models.Message, opts llm.ChatOptions, stream bool) openai.ChatCompletionRequest {
	converted := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		m := openai.ChatCompletionMessage{Role: string(msg.Role), Content: msg.Content}
		switch msg.Role {
		case models.RoleAssistant:
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
		case models.RoleTool:
			m.ToolCallID = msg.ToolCallID
		case models.RoleUser:
			if len(msg.Images) > 0 {
				parts := []openai.ChatMessagePart{}
				if msg.Content != "" {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: msg.Content,
					})
				}
				for _, img := range msg.Images {
					parts = append(parts, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: img, Detail: openai.ImageURLDetailAuto},
					})
				}
				m.Content = ""
				m.MultiContent = parts
			}
		}
		converted = append(converted, m)
	}

	req := openai.ChatCompletionRequest{
		Model:    opts.Model,
		Messages: converted,
		Stream:   stream,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = float32(opts.Temperature)
	}
	for _, tool := range opts.Tools {
		raw, err := json.Marshal(tool.Parameters)
		if err != nil {
			continue
		}
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(raw),
			},
		})
	}
	if opts.ResponseSchema != nil {
		raw, err := json.Marshal(opts.ResponseSchema)
		if err == nil {
			req.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
				JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
					Name:   "response",
					Schema: json.RawMessage(raw),
					Strict: false,
				},
			}
		}
	}
	return req
}

func (c *CompatClient) convertChoice(choice openai.ChatCompletionChoice, model string) *llm.ChatResponse {
	out := &llm.ChatResponse{
		Model:            model,
		Provider:         c.provider,
		Content:          choice.Message.Content,
		ReasoningContent: choice.Message.ReasoningContent,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

func (c *CompatClient) classify(model string, err error) error {
	var apiErr *openai.APIError
	status := 0
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		status = reqErr.HTTPStatusCode
	}
	return llm.Classify(c.provider, model, status, err)
}
