// Package task holds the Message/Block data model shared by the Task
// Executor, ReAct Orchestrator, Tool Registry, Subtask Runner, and the UI
// event channel.
package task

import "time"

// Role is the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus is the lifecycle state of a Message.
type MessageStatus string

const (
	MessageStreaming MessageStatus = "streaming"
	MessageCompleted MessageStatus = "completed"
	MessageCancelled MessageStatus = "cancelled"
	MessageError     MessageStatus = "error"
)

// TokenUsage reports input/output token counts for one assistant message.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ContextUsage reports the approximate context-window consumption at the
// time a message finished.
type ContextUsage struct {
	UsedTokens   int `json:"used_tokens"`
	WindowTokens int `json:"window_tokens"`
}

// Message is one user or assistant emission. Persistence is external;
// the core owns the in-memory shape during a turn.
type Message struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id"`
	Role         Role          `json:"role"`
	Status       MessageStatus `json:"status"`
	Blocks       []Block       `json:"blocks"`
	CreatedAt    time.Time     `json:"created_at"`
	FinishedAt   time.Time     `json:"finished_at,omitempty"`
	DurationMS   int64         `json:"duration_ms,omitempty"`
	TokenUsage   *TokenUsage   `json:"token_usage,omitempty"`
	ContextUsage *ContextUsage `json:"context_usage,omitempty"`
}

// BlockType tags the Block sum type's active variant.
type BlockType string

const (
	BlockUserText    BlockType = "user_text"
	BlockUserImage   BlockType = "user_image"
	BlockThinking    BlockType = "thinking"
	BlockText        BlockType = "text"
	BlockTool        BlockType = "tool"
	BlockSubtask     BlockType = "subtask"
	BlockAgentSwitch BlockType = "agent_switch"
	BlockError       BlockType = "error"
)

// ToolStatus is the FSM state of a Tool block.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolCancelled ToolStatus = "cancelled"
	ToolError     ToolStatus = "error"
)

// Block is the atomic unit of an assistant message. Exactly one payload
// group is populated, selected by Type; unused fields are the zero value.
// A flat struct rather than a Go interface, so the journal can
// serialize/deserialize uniformly.
type Block struct {
	Type BlockType `json:"type"`
	ID   string    `json:"id"`

	// UserText / Text / Thinking
	Content     string `json:"content,omitempty"`
	IsStreaming bool   `json:"is_streaming,omitempty"`

	// UserImage
	ImageMediaType string `json:"image_media_type,omitempty"`
	ImageData      string `json:"image_data,omitempty"` // base64

	// Thinking
	ThinkingSignature string `json:"thinking_signature,omitempty"`

	// Tool
	CallID     string         `json:"call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolStatus ToolStatus     `json:"tool_status,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     string         `json:"output,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`

	// Subtask
	ChildSessionID string `json:"child_session_id,omitempty"`
	Agent          string `json:"agent,omitempty"`
	Description    string `json:"description,omitempty"`
	Summary        string `json:"summary,omitempty"`

	// AgentSwitch
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Error
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// IsTerminalToolStatus reports whether s is a terminal Tool/Subtask state.
func IsTerminalToolStatus(s ToolStatus) bool {
	switch s {
	case ToolCompleted, ToolCancelled, ToolError:
		return true
	default:
		return false
	}
}
