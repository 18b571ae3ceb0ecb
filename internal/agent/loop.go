package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// Outcome is the terminal state of a loop run.
type Outcome string

const (
	OutcomeDone          Outcome = "done"
	OutcomeStoppedByTool Outcome = "stopped_by_tool"
	OutcomeMaxIterations Outcome = "max_iterations"
	OutcomeCancelled     Outcome = "cancelled"
)

// defaultToolTimeout bounds a single tool handler invocation.
const defaultToolTimeout = 30 * time.Second

// Escalation swaps the model tier mid-loop. Returned by the OnEscalate
// hook; nil means keep the current tier.
type Escalation struct {
	Role        llm.Role
	Model       string
	Temperature float64
	MaxTokens   int
	Tier        string
}

// LoopRequest configures one tool loop run.
type LoopRequest struct {
	// Role selects the starting model tier.
	Role llm.Role

	// Messages is the initial transcript. The loop appends to a copy.
	Messages []models.Message

	// Tools is the registry for this run. May be nil for a tool-less run.
	Tools *ToolRegistry

	// MaxIterations bounds model calls. Zero means 10.
	MaxIterations int

	// StopToolID names the "escalate out of this scope" sentinel: when the
	// model calls it, the loop terminates immediately after producing the
	// tool result.
	StopToolID string

	// OnEscalate, when non-nil, is consulted each iteration; a non-nil
	// return swaps the tier starting with the next model call.
	OnEscalate func(iteration int) *Escalation

	// OnStream receives assistant text deltas as the model emits them,
	// never from inside tool execution.
	OnStream llm.StreamHandler

	// OnToolCall and OnToolResult observe tool execution. Observer panics
	// never abort the loop.
	OnToolCall   func(call models.ToolCall)
	OnToolResult func(call models.ToolCall, result models.ToolResult)

	// ToolTimeout bounds each handler. Zero means 30s.
	ToolTimeout time.Duration

	// Options seeds the chat options; the chain entry fills what the
	// caller leaves unset.
	Options llm.ChatOptions
}

// LoopResult is what a completed run produced.
type LoopResult struct {
	Outcome       Outcome
	Content       string
	Messages      []models.Message
	Iterations    int
	ToolCallCount int
	StoppedByTool bool
	StopToolArgs  json.RawMessage
	FinalTier     string
	ToolTrace     []models.ToolCallRecord
}

// Engine drives models through the tool loop.
type Engine struct {
	client  *llm.Resilient
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewEngine builds a tool loop engine. metrics may be nil.
func NewEngine(client *llm.Resilient, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{client: client, logger: logger, metrics: metrics, now: time.Now}
}

// Run executes the loop to a terminal outcome. Reaching max iterations or
// being cancelled is an outcome, not an error; errors are reserved for
// model-call failures that survived the resilient chain.
func (e *Engine) Run(ctx context.Context, req LoopRequest) (*LoopResult, error) {
	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}
	toolTimeout := req.ToolTimeout
	if toolTimeout <= 0 {
		toolTimeout = defaultToolTimeout
	}

	msgs := make([]models.Message, len(req.Messages))
	copy(msgs, req.Messages)

	result := &LoopResult{Messages: msgs}
	role := req.Role
	opts := req.Options
	if req.Tools != nil {
		opts.Tools = req.Tools.Definitions()
	}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		result.Iterations = iteration

		if ctx.Err() != nil {
			result.Outcome = OutcomeCancelled
			result.Messages = msgs
			return result, nil
		}

		if req.OnEscalate != nil {
			if esc := req.OnEscalate(iteration); esc != nil {
				role = esc.Role
				opts.Model = esc.Model
				opts.Temperature = esc.Temperature
				opts.TemperatureSet = esc.Temperature > 0
				opts.MaxTokens = esc.MaxTokens
				opts.MaxTokensSet = esc.MaxTokens > 0
				result.FinalTier = esc.Tier
				e.logger.Info(ctx, "tool loop escalated model tier",
					"iteration", iteration, "tier", esc.Tier, "role", string(role))
			}
		}

		var resp *llm.ChatResponse
		var err error
		if req.OnStream != nil {
			resp, err = e.client.Stream(ctx, role, msgs, opts, req.OnStream)
		} else {
			resp, err = e.client.Chat(ctx, role, msgs, opts)
		}
		if err != nil {
			if ctx.Err() != nil {
				result.Outcome = OutcomeCancelled
				result.Messages = msgs
				return result, nil
			}
			return nil, err
		}

		assistant := models.Message{
			Role:             models.RoleAssistant,
			Content:          resp.Content,
			ToolCalls:        resp.ToolCalls,
			ReasoningContent: resp.ReasoningContent,
		}
		msgs = append(msgs, assistant)

		if len(resp.ToolCalls) == 0 {
			result.Outcome = OutcomeDone
			result.Content = resp.Content
			result.Messages = msgs
			return result, nil
		}

		// Every call id is answered before the next model call, in
		// request order.
		for _, call := range resp.ToolCalls {
			result.ToolCallCount++
			toolResult := e.execute(ctx, req, call, toolTimeout)
			msgs = append(msgs, models.Message{
				Role:       models.RoleTool,
				Content:    toolResult.Content,
				ToolCallID: call.ID,
			})
			result.ToolTrace = append(result.ToolTrace, models.ToolCallRecord{
				Tool:    call.Name,
				Args:    call.Arguments,
				Result:  toolResult.Content,
				IsError: toolResult.IsError,
				At:      e.now(),
			})

			if req.StopToolID != "" && call.Name == req.StopToolID {
				result.Outcome = OutcomeStoppedByTool
				result.StoppedByTool = true
				result.StopToolArgs = json.RawMessage(call.Arguments)
				result.Content = resp.Content
				result.Messages = msgs
				return result, nil
			}
		}
	}

	result.Outcome = OutcomeMaxIterations
	result.Messages = msgs
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if last.Role == models.RoleAssistant {
			result.Content = last.Content
		}
	}
	return result, nil
}

// execute runs one handler with observers and timeout, converting every
// failure into a tool message the model can read.
func (e *Engine) execute(ctx context.Context, req LoopRequest, call models.ToolCall, timeout time.Duration) models.ToolResult {
	observe(func() {
		if req.OnToolCall != nil {
			req.OnToolCall(call)
		}
	})

	result := models.ToolResult{ToolCallID: call.ID}
	var tool Tool
	var ok bool
	if req.Tools != nil {
		tool, ok = req.Tools.Get(call.Name)
	}

	switch {
	case !ok:
		result.Content = fmt.Sprintf("Error: unknown tool %q", call.Name)
		result.IsError = true
	default:
		toolCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := runHandler(toolCtx, tool.Handler, json.RawMessage(call.Arguments))
		cancel()
		if err != nil {
			result.Content = "Error: " + err.Error()
			result.IsError = true
		} else {
			result.Content = output
		}
	}

	if e.metrics != nil {
		outcome := "ok"
		if result.IsError {
			outcome = "error"
		}
		e.metrics.ToolCalls.WithLabelValues(call.Name, outcome).Inc()
	}

	observe(func() {
		if req.OnToolResult != nil {
			req.OnToolResult(call, result)
		}
	})
	return result
}

// runHandler isolates handler panics so a misbehaving tool reads as an
// error message rather than killing the loop.
func runHandler(ctx context.Context, h Handler, args json.RawMessage) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return h(ctx, args)
}

// observe shields the loop from observer panics.
func observe(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
