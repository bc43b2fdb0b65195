package types

import "encoding/json"

// AgentTaskStatus is the state of one task in an instruction's task graph
type AgentTaskStatus string

const (
	AgentTaskStatusPending    AgentTaskStatus = "pending"
	AgentTaskStatusInProgress AgentTaskStatus = "in_progress"
	AgentTaskStatusVerifying  AgentTaskStatus = "verifying"
	AgentTaskStatusFixing     AgentTaskStatus = "fixing"
	AgentTaskStatusCompleted  AgentTaskStatus = "completed"
	AgentTaskStatusFailed     AgentTaskStatus = "failed"
)

// IsTerminal returns true once a task can never run again.
func (s AgentTaskStatus) IsTerminal() bool {
	return s == AgentTaskStatusCompleted || s == AgentTaskStatusFailed
}

// ToolCall is one tool invocation made by the agent capability
type ToolCall struct {
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
	Output string          `json:"output,omitempty"`
}

// AgentTask is one unit of agent work within a single user instruction.
// The full set is created in bulk by the planning step, mutated in place by
// the orchestrator, and discarded when the graph run terminates; only a
// textual summary survives into the next instruction's context.
type AgentTask struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Status      AgentTaskStatus `json:"status"`

	// DependsOn lists task IDs that must be completed before this one runs
	DependsOn []string `json:"depends_on,omitempty"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// Attempts counts entries into in_progress; never exceeds MaxAttempts
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	// ToolCalls is the ordered tool-call log accumulated while executing
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}
