package models

import "time"

// AgentStatus tracks an in-flight agent task.
type AgentStatus string

const (
	AgentRunning   AgentStatus = "running"
	AgentBlocked   AgentStatus = "blocked"
	AgentCancelled AgentStatus = "cancelled"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// PlanStep is a single unit of work inside a plan. Each step carries its own
// tool allowance so the step runner can build a narrow tool set.
type PlanStep struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	ExpectedOutput    string   `json:"expected_output"`
	ToolIDs           []string `json:"tool_ids"`
	NeedsExternalData bool     `json:"needs_external_data,omitempty"`
	ModelRole         string   `json:"model_role,omitempty"`
}

// PlanProgress mirrors execution state. Exactly one of CurrentStepID set
// (running a step) or empty (between steps) holds at any persisted point.
type PlanProgress struct {
	Completed     []string `json:"completed"`
	Remaining     []string `json:"remaining"`
	CurrentStepID string   `json:"current_step_id,omitempty"`
	FailedAt      string   `json:"failed_at,omitempty"`
	StoppedAt     string   `json:"stopped_at,omitempty"`
}

// ToolCallRecord is one entry in the persisted tool-call log, flushed to the
// workspace after every tool result so a crashed run can resume.
type ToolCallRecord struct {
	StepID  string    `json:"step_id"`
	Tool    string    `json:"tool"`
	Args    string    `json:"args"`
	Result  string    `json:"result"`
	IsError bool      `json:"is_error,omitempty"`
	At      time.Time `json:"at"`
}

// Plan is the persisted unit of agent work. plan.json in the workspace is
// the single source of truth for progress.
type Plan struct {
	Approach     string           `json:"approach"`
	IsSimpleTask bool             `json:"is_simple_task,omitempty"`
	Steps        []PlanStep       `json:"steps"`
	Progress     PlanProgress     `json:"progress"`
	ToolLog      []ToolCallRecord `json:"tool_log,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// StepResult captures what a single step produced.
type StepResult struct {
	StepID     string `json:"step_id"`
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	Escalated  bool   `json:"escalated,omitempty"`
	EscalateTo string `json:"escalate_to,omitempty"`
	Iterations int    `json:"iterations"`
}

// AgentPersona is the recruiter's output, persisted as agent_persona.json.
type AgentPersona struct {
	AgentID          string      `json:"agent_id"`
	DeviceID         string      `json:"device_id"`
	UserID           string      `json:"user_id"`
	Status           AgentStatus `json:"status"`
	PersonaID        string      `json:"persona_id"`
	CouncilID        string      `json:"council_id,omitempty"`
	ModelRole        string      `json:"model_role"`
	SystemPrompt     string      `json:"system_prompt"`
	ToolIDs          []string    `json:"tool_ids"`
	RestatedRequests []string    `json:"restated_requests"`
	CreatedAt        time.Time   `json:"created_at"`
}
