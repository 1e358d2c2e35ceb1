// Package ledger defines the message ledger: the single source of truth for
// chat messages. The orchestration core only needs a narrow surface (get,
// create, patch, list-by-chat); the full persistence schema lives elsewhere.
package ledger

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ActivityLiveChatRequested marks a tool message produced by the
// hand-off-to-human tool.
const ActivityLiveChatRequested = "requested_live_chat"

// ToolCall records one tool invocation attached to an assistant message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// Message is the atomic unit of conversation. While Streaming is true the
// content grows in place; finalized messages are immutable except for seen
// flags and enrichment annotations.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Streaming bool      `json:"streaming"`

	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	Error     string     `json:"error,omitempty"`

	SeenByUser    bool       `json:"seenByUser"`
	SeenByUserAt  *time.Time `json:"seenByUserAt,omitempty"`
	SeenByAgent   bool       `json:"seenByAgent"`
	SeenByAgentAt *time.Time `json:"seenByAgentAt,omitempty"`

	ActivityType string `json:"activityType,omitempty"`
	FlowID       string `json:"flowId,omitempty"`
	FormID       string `json:"formId,omitempty"`

	// Enrichment annotations, applied by background jobs after finalization.
	DidNotFulfillQuery bool   `json:"didNotFulfillQuery,omitempty"`
	Reasoning          string `json:"reasoning,omitempty"`
}

// Patch is a partial message update. Nil fields are left untouched.
type Patch struct {
	Content   *string
	Streaming *bool
	Error     *string

	SeenByUser    *bool
	SeenByUserAt  *time.Time
	SeenByAgent   *bool
	SeenByAgentAt *time.Time

	DidNotFulfillQuery *bool
	Reasoning          *string
}

// Chat is the minimal chat record the core touches: enrichment writes the
// derived name back onto it.
type Chat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChatPatch is a partial chat update.
type ChatPatch struct {
	Name *string
}
