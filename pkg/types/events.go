package types

import "encoding/json"

// Stream event names. Each streamed flow writes a sequence of named JSON
// events and closes after exactly one terminal event (a complete or an
// error).
const (
	EventStage    = "stage"
	EventTool     = "tool"
	EventMessage  = "message"
	EventTask     = "task"
	EventError    = "error"
	EventComplete = "complete"
)

// EventSink receives progress events for one streamed flow. Events must be
// delivered in emission order; implementations flush each event before
// returning.
type EventSink interface {
	Send(event string, data any) error
}

// StageEvent reports a sandbox lifecycle stage transition
type StageEvent struct {
	Stage      string `json:"stage"`
	Message    string `json:"message"`
	PreviewUrl string `json:"previewUrl,omitempty"`
	ProjectId  string `json:"projectId,omitempty"`
}

// ToolEvent reports one tool invocation made by the agent
type ToolEvent struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// TaskEvent reports a task graph state transition
type TaskEvent struct {
	TaskId      string `json:"taskId"`
	Description string `json:"description"`
	Phase       string `json:"phase"`
	Detail      string `json:"detail,omitempty"`
}

// MessageEvent carries free text from the agent
type MessageEvent struct {
	Text string `json:"text"`
}

// ErrorEvent is the terminal event of a failed flow
type ErrorEvent struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// CompleteEvent is the terminal event of a successful flow
type CompleteEvent struct {
	ProjectId     string `json:"projectId,omitempty"`
	PreviewUrl    string `json:"previewUrl,omitempty"`
	DeploymentUrl string `json:"deploymentUrl,omitempty"`
	SnapshotId    string `json:"snapshotId,omitempty"`
	Summary       string `json:"summary,omitempty"`
}
