package task

import "encoding/json"

// ToolCall is the LLM's request to invoke a tool, as parsed from a
// finalized ToolUse content block.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultStatus classifies the outcome of one tool execution.
type ToolResultStatus string

const (
	ResultSuccess ToolResultStatus = "success"
	ResultError   ToolResultStatus = "error"
	ResultDenied  ToolResultStatus = "denied"
	ResultTimeout ToolResultStatus = "timeout"
	ResultLimited ToolResultStatus = "rate_limited"
)

// ToolResult is the observation produced by executing one ToolCall.
type ToolResult struct {
	ToolCallID string           `json:"tool_call_id"`
	Status     ToolResultStatus `json:"status"`
	Content    string           `json:"content"`
	Cancelled  bool             `json:"cancelled,omitempty"`
}

// IsError reports whether Status is anything other than success, which is
// how AddToolResults renders a content block's is_error field.
func (r ToolResult) IsError() bool {
	return r.Status != ResultSuccess
}
