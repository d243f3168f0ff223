// Package anthropic adapts the Claude Messages API to the internal/llm
// event union, surfacing every content-block event plus stop_reason,
// which the ReAct Orchestrator's outcome classification requires.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/forgehub/agentic-core/internal/llm"
)

// Config configures the provider.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// Provider implements llm.Provider for Anthropic Claude models.
type Provider struct {
	client       anthropic.Client
	defaultModel string
}

// New constructs a Provider from Config.
func New(cfg Config) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Provider{client: anthropic.NewClient(opts...), defaultModel: model}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) SupportsTools() bool { return true }

func (p *Provider) Models() []llm.Model {
	return []llm.Model{
		{ID: "claude-sonnet-4-20250514", ContextWindow: 200000, SupportsVision: true},
		{ID: "claude-3-5-sonnet-20241022", ContextWindow: 200000, SupportsVision: true},
	}
}

func (p *Provider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.Thinking.BudgetTokens))
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan llm.StreamEvent, 16)
	go processStream(stream, out)
	return out, nil
}

func processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- llm.StreamEvent) {
	defer close(out)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			out <- llm.StreamEvent{
				Kind:        llm.EventMessageStart,
				InputTokens: int(ms.Message.Usage.InputTokens),
			}

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			ev := llm.StreamEvent{Kind: llm.EventContentBlockStart, Index: int(cbs.Index)}
			switch cbs.ContentBlock.Type {
			case "thinking":
				ev.BlockKind = llm.ContentThinking
			case "tool_use":
				tu := cbs.ContentBlock.AsToolUse()
				ev.BlockKind = llm.ContentToolUse
				ev.ToolUseID = tu.ID
				ev.ToolName = tu.Name
			default:
				ev.BlockKind = llm.ContentText
			}
			out <- ev

		case "content_block_delta":
			cbd := event.AsContentBlockDelta()
			ev := llm.StreamEvent{Kind: llm.EventContentBlockDelta, Index: int(cbd.Index)}
			switch cbd.Delta.Type {
			case "text_delta":
				ev.DeltaKind = llm.DeltaText
				ev.Text = cbd.Delta.Text
			case "thinking_delta":
				ev.DeltaKind = llm.DeltaThinking
				ev.ThinkingDelta = cbd.Delta.Thinking
			case "signature_delta":
				ev.DeltaKind = llm.DeltaSignature
				ev.SignatureDelta = cbd.Delta.Signature
			case "input_json_delta":
				ev.DeltaKind = llm.DeltaInputJSON
				ev.PartialJSON = cbd.Delta.PartialJSON
			}
			out <- ev

		case "content_block_stop":
			cbs := event.AsContentBlockStop()
			out <- llm.StreamEvent{Kind: llm.EventContentBlockStop, Index: int(cbs.Index)}

		case "message_delta":
			md := event.AsMessageDelta()
			out <- llm.StreamEvent{
				Kind:         llm.EventMessageDelta,
				StopReason:   mapStopReason(string(md.Delta.StopReason)),
				OutputTokens: int(md.Usage.OutputTokens),
			}

		case "message_stop":
			out <- llm.StreamEvent{Kind: llm.EventMessageStop}
			return

		case "ping":
			out <- llm.StreamEvent{Kind: llm.EventPing}

		case "error":
			out <- llm.StreamEvent{Kind: llm.EventErr, Err: fmt.Errorf("anthropic: stream error event")}
			return
		}
	}

	if err := stream.Err(); err != nil {
		out <- llm.StreamEvent{Kind: llm.EventErr, Err: err}
	}
}

func mapStopReason(s string) llm.StopReason {
	switch s {
	case "end_turn":
		return llm.StopEndTurn
	case "tool_use":
		return llm.StopToolUse
	case "max_tokens":
		return llm.StopMaxTokens
	case "stop_sequence":
		return llm.StopStopSequence
	default:
		return llm.StopNone
	}
}

func convertMessages(messages []llm.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Kind {
			case llm.ContentText:
				content = append(content, anthropic.NewTextBlock(block.Text))
			case llm.ContentToolResult:
				content = append(content, anthropic.NewToolResultBlock(block.ToolUseID, block.ToolResult, block.ToolIsError))
			case llm.ContentToolUse:
				var input any
				if len(block.ToolInput) > 0 {
					input = block.ToolInput
				}
				content = append(content, anthropic.NewToolUseBlock(block.ToolUseID, input, block.ToolName))
			case llm.ContentImage:
				content = append(content, anthropic.NewImageBlockBase64(block.ImageMediaType, block.ImageData))
			}
		}
		if msg.Role == llm.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(tools []llm.ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{},
			},
		})
	}
	return out
}
