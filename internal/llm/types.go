// Package llm is the external LLM collaborator boundary: a
// Provider interface plus the streaming content-block event union the
// ReAct Orchestrator consumes. Three concrete adapters (anthropic, openai,
// bedrock) translate each vendor's wire protocol into this common shape.
package llm

import (
	"context"
	"encoding/json"
)

// Role is the author of a Message sent to the provider.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentKind tags the active variant of a ContentBlock.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentImage      ContentKind = "image"
	ContentToolUse    ContentKind = "tool_use"
	ContentToolResult ContentKind = "tool_result"
	ContentThinking   ContentKind = "thinking"
)

// ContentBlock is one element of a Message's ordered content list.
type ContentBlock struct {
	Kind ContentKind

	Text string

	ImageMediaType string
	ImageData      string // base64

	ToolUseID   string
	ToolName    string
	ToolInput   json.RawMessage
	ToolResult  string
	ToolIsError bool

	Thinking          string
	ThinkingSignature string
	ThinkingMetadata  map[string]any
}

// Message is one turn of conversation sent in a Request.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// ToolDef describes one tool the model may call.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ThinkingConfig requests extended/reasoning output from models that
// support it.
type ThinkingConfig struct {
	Enabled      bool
	BudgetTokens int
}

// Request is one completion request.
type Request struct {
	Model         string
	MaxTokens     int
	System        string
	Messages      []Message
	Tools         []ToolDef
	Stream        bool
	Temperature   *float64
	TopP          *float64
	TopK          *int
	Thinking      *ThinkingConfig
	StopSequences []string
}

// StopReason classifies why the model stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopNone         StopReason = ""
)

// StreamEventKind tags the active variant of a StreamEvent.
type StreamEventKind string

const (
	EventMessageStart      StreamEventKind = "message_start"
	EventContentBlockStart StreamEventKind = "content_block_start"
	EventContentBlockDelta StreamEventKind = "content_block_delta"
	EventContentBlockStop  StreamEventKind = "content_block_stop"
	EventMessageDelta      StreamEventKind = "message_delta"
	EventMessageStop       StreamEventKind = "message_stop"
	EventPing              StreamEventKind = "ping"
	EventErr               StreamEventKind = "error"
)

// DeltaKind tags the payload carried by a content_block_delta event.
type DeltaKind string

const (
	DeltaText        DeltaKind = "text_delta"
	DeltaThinking    DeltaKind = "thinking_delta"
	DeltaInputJSON   DeltaKind = "input_json_delta"
	DeltaSignature   DeltaKind = "signature_delta"
)

// StreamEvent is one event in the stream protocol's order:
// MessageStart -> (ContentBlockStart, ContentBlockDelta*, ContentBlockStop)+
// -> MessageDelta{stop_reason} -> MessageStop, with Ping/Error interleaved.
type StreamEvent struct {
	Kind  StreamEventKind
	Index int // content-block index, for Start/Delta/Stop events

	// ContentBlockStart
	BlockKind ContentKind
	ToolUseID string
	ToolName  string

	// ContentBlockDelta
	DeltaKind         DeltaKind
	Text              string
	PartialJSON       string
	ThinkingDelta     string
	SignatureDelta    string

	// MessageStart / MessageDelta
	StopReason   StopReason
	InputTokens  int
	OutputTokens int

	// Error
	Err error
}

// Model describes a model's known capabilities.
type Model struct {
	ID             string
	ContextWindow  int
	SupportsVision bool
}

// ContextWindow returns the known context window for modelID, falling
// back to a default of 128000 tokens for unknown models.
func ContextWindow(modelID string) int {
	for prefix, window := range contextWindows {
		if hasPrefixFold(modelID, prefix) {
			return window
		}
	}
	return 128000
}

var contextWindows = map[string]int{
	"claude-3.5": 200000,
	"claude-3":   200000,
	"gpt-4":      128000,
	"gpt-3.5":    16384,
}

func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		a, b := s[i], prefix[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}

// Provider is the LLM collaborator contract. Each vendor
// adapter streams StreamEvents onto the returned channel and closes it
// when the response (or an unrecoverable error) completes.
type Provider interface {
	Name() string
	Models() []Model
	SupportsTools() bool
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}
