package agent

import (
	"context"

	"github.com/skiff-cloud/skiff/pkg/types"
)

// ToolFunc executes one tool call on behalf of the model and returns the
// output to feed back. Implementations enforce the sandbox directory scope.
type ToolFunc func(ctx context.Context, call types.ToolCall) (string, error)

// PlannedTask is one unit of work proposed by the planner
type PlannedTask struct {
	Id          string   `json:"id"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// ExecuteResult is the outcome of one task execution pass
type ExecuteResult struct {
	Summary      string           `json:"summary"`
	ToolCalls    []types.ToolCall `json:"tool_calls,omitempty"`
	FilesChanged []string         `json:"files_changed,omitempty"`
}

// VerifyResult is the verifier's judgment of an executed task
type VerifyResult struct {
	Correct    bool    `json:"correct"`
	Feedback   string  `json:"feedback,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// PlanRequest carries everything the planner sees
type PlanRequest struct {
	Instruction string
	ProjectTree string
	History     string
}

// TaskRequest carries one task plus its execution context
type TaskRequest struct {
	SessionId   string
	Task        *types.AgentTask
	Instruction string
	ProjectTree string
	History     string

	// Feedback is verifier feedback when this request is a fix pass
	Feedback string
}

// SummarizeRequest asks for a rolling summary of completed work
type SummarizeRequest struct {
	Instruction string
	Results     []string
	History     string
}

// Capability is the reasoning backend behind the orchestrator. The remote
// implementation talks to a model service; tests use scripted fakes.
type Capability interface {
	// Plan decomposes an instruction into dependency-ordered tasks.
	// An empty plan or an error makes the orchestrator fall back to a
	// single task wrapping the raw instruction.
	Plan(ctx context.Context, req PlanRequest) ([]PlannedTask, error)

	// Execute works on one task, calling tools through run
	Execute(ctx context.Context, req TaskRequest, run ToolFunc) (*ExecuteResult, error)

	// Verify judges whether an executed task actually did what it said
	Verify(ctx context.Context, req TaskRequest, result *ExecuteResult) (*VerifyResult, error)

	// Fix re-works a task using verifier feedback
	Fix(ctx context.Context, req TaskRequest, run ToolFunc) (*ExecuteResult, error)

	// Summarize produces the rolling summary persisted with the turn
	Summarize(ctx context.Context, req SummarizeRequest) (string, error)
}
