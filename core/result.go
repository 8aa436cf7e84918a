package core

import "time"

// Status is the executor-level outcome of one Execute call.
type Status string

const (
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusBlocked   Status = "BLOCKED"
	StatusEscalated Status = "ESCALATED"
	StatusTimeout   Status = "TIMEOUT"
	// StatusPending marks a non-terminal result; AgentState says which
	// intermediate state the skill paused in.
	StatusPending Status = "PENDING"
)

// ExecutionResult is the outcome of one Execute call.
//
// Terminal is authoritative: it is decided once by the executor and callers
// must never re-derive it from Status.
type ExecutionResult struct {
	CorrelationID string         `json:"correlation_id"`
	Skill         string         `json:"skill"`
	Status        Status         `json:"status"`
	Terminal      bool           `json:"terminal"`
	AgentState    *TaskState     `json:"agent_state,omitempty"`
	Outputs       map[string]any `json:"outputs"`
	Artifacts     []string       `json:"artifacts,omitempty"`
	Errors        []string       `json:"errors,omitempty"`
	Trace         []TraceEntry   `json:"trace,omitempty"`
	Duration      time.Duration  `json:"duration"`
	Turn          int            `json:"turn,omitempty"`
	ResumeToken   string         `json:"resume_token,omitempty"`
	InputRequest  map[string]any `json:"input_request,omitempty"`
}

// Succeeded reports a terminal success.
func (r *ExecutionResult) Succeeded() bool {
	return r != nil && r.Terminal && r.Status == StatusSuccess
}

// Skipped reports whether the call was short-circuited by idempotency.
func (r *ExecutionResult) Skipped() bool {
	if r == nil || r.Outputs == nil {
		return false
	}
	v, _ := r.Outputs["skipped"].(bool)
	return v
}

// NeedsInput reports whether the skill paused waiting for caller input.
func (r *ExecutionResult) NeedsInput() bool {
	return r != nil && !r.Terminal && r.AgentState != nil && *r.AgentState == TaskInputRequired
}
