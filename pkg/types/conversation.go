package types

import (
	"encoding/json"
	"time"
)

// TurnRole is the author of a conversation turn
type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
	TurnRoleSystem    TurnRole = "system"
)

// ConversationTurn is one persisted exchange in a project's chat history.
// Turns are append-only and read back in creation order to build LLM context
// and the rolling task-history summary.
type ConversationTurn struct {
	Id        uint     `json:"id" db:"id"`
	ProjectId uint     `json:"project_id" db:"project_id"`
	Role      TurnRole `json:"role" db:"role"`
	Content   string   `json:"content" db:"content"`

	// ToolCalls is the ordered tool-call log of the turn, if any
	ToolCalls json.RawMessage `json:"tool_calls,omitempty" db:"tool_calls"`

	// FileDiffs lists files changed during the turn, if any
	FileDiffs json.RawMessage `json:"file_diffs,omitempty" db:"file_diffs"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
