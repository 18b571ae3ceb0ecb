// Package transport defines the frame envelope spoken between the local
// agent and the central server, and the execution bridge the tool handlers
// use to reach a device. The prototype channel is a WebSocket; everything
// here treats it as an abstract bidirectional frame stream.
package transport

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Frame types.
const (
	TypePrompt           = "prompt"
	TypeResponse         = "response"
	TypeAgentComplete    = "agent_complete"
	TypeDispatchFollowup = "dispatch_followup"
	TypeExecutionCommand = "execution_command"
	TypeExecutionResult  = "execution_result"
	TypeFormatFixRequest = "format_fix_request"
)

// Envelope is the outer frame.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload, minting id and timestamp.
func NewEnvelope(frameType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      frameType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// PromptPayload is a client-to-server user (or scheduler) prompt.
type PromptPayload struct {
	Prompt          string            `json:"prompt"`
	Source          string            `json:"source,omitempty"`
	Hints           map[string]string `json:"hints,omitempty"`
	ScheduledTaskID string            `json:"scheduledTaskId,omitempty"`
	PromptID        string            `json:"promptId,omitempty"`
}

// ResponsePayload is a server-to-client reply. A routing ack carries the
// assigned agent task id and is never itself a result.
type ResponsePayload struct {
	Response     string `json:"response"`
	IsRoutingAck bool   `json:"isRoutingAck,omitempty"`
	AgentTaskID  string `json:"agentTaskId,omitempty"`
	PromptID     string `json:"promptId,omitempty"`
}

// AgentCompletePayload announces a background agent finishing.
type AgentCompletePayload struct {
	TaskID   string `json:"taskId"`
	Success  bool   `json:"success"`
	Response string `json:"response"`
}

// DispatchFollowupPayload delivers the post-pipeline summary.
type DispatchFollowupPayload struct {
	Response      string `json:"response"`
	MessageID     string `json:"messageId"`
	AgentID       string `json:"agentId"`
	Success       bool   `json:"success"`
	WorkspacePath string `json:"workspacePath,omitempty"`
}

// ExecutionCommandPayload asks the device to run a tool locally.
type ExecutionCommandPayload struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload ExecutionDetail `json:"payload"`
	Timeout time.Duration   `json:"timeout,omitempty"`
}

// ExecutionDetail names the tool and its arguments.
type ExecutionDetail struct {
	ToolID   string          `json:"toolId"`
	ToolArgs json.RawMessage `json:"toolArgs,omitempty"`
}

// ExecutionResultPayload is the device's answer to an execution command.
type ExecutionResultPayload struct {
	ID     string `json:"id"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// FormatFixRequestPayload asks the server to repair a malformed file.
type FormatFixRequestPayload struct {
	FilePath string   `json:"filePath"`
	Content  string   `json:"content"`
	Errors   []string `json:"errors"`
	Template string   `json:"template,omitempty"`
}
