// Package openai adapts the Chat Completions streaming API to the
// internal/llm event union.
// OpenAI's delta stream has no content-block index or thinking phase, so
// each adapter call synthesizes a single implicit text block (index 0)
// plus one block per tool-call index the API reports.
package openai

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/forgehub/agentic-core/internal/llm"
)

// Provider implements llm.Provider for OpenAI-compatible chat models.
type Provider struct {
	client       *openai.Client
	defaultModel string
}

// New constructs a Provider from an API key.
func New(apiKey, defaultModel string) *Provider {
	if defaultModel == "" {
		defaultModel = openai.GPT4o
	}
	return &Provider{client: openai.NewClient(apiKey), defaultModel: defaultModel}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) SupportsTools() bool { return true }

func (p *Provider) Models() []llm.Model {
	return []llm.Model{
		{ID: openai.GPT4o, ContextWindow: 128000, SupportsVision: true},
		{ID: openai.GPT3Dot5Turbo, ContextWindow: 16384},
	}
}

func (p *Provider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  convertMessages(req.System, req.Messages),
		MaxTokens: req.MaxTokens,
		Stream:    true,
		Tools:     convertTools(req.Tools),
		Stop:      req.StopSequences,
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamEvent, 16)
	go processStream(stream, out)
	return out, nil
}

func processStream(stream *openai.ChatCompletionStream, out chan<- llm.StreamEvent) {
	defer close(out)
	defer stream.Close()

	out <- llm.StreamEvent{Kind: llm.EventMessageStart}

	textOpened := false
	toolOpened := map[int]bool{}
	finishReason := llm.StopNone

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out <- llm.StreamEvent{Kind: llm.EventErr, Err: err}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !textOpened {
				out <- llm.StreamEvent{Kind: llm.EventContentBlockStart, Index: 0, BlockKind: llm.ContentText}
				textOpened = true
			}
			out <- llm.StreamEvent{Kind: llm.EventContentBlockDelta, Index: 0, DeltaKind: llm.DeltaText, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			idx := 1
			if tc.Index != nil {
				idx = *tc.Index + 1
			}
			if !toolOpened[idx] {
				out <- llm.StreamEvent{
					Kind: llm.EventContentBlockStart, Index: idx,
					BlockKind: llm.ContentToolUse, ToolUseID: tc.ID, ToolName: tc.Function.Name,
				}
				toolOpened[idx] = true
			}
			if tc.Function.Arguments != "" {
				out <- llm.StreamEvent{Kind: llm.EventContentBlockDelta, Index: idx, DeltaKind: llm.DeltaInputJSON, PartialJSON: tc.Function.Arguments}
			}
		}

		if choice.FinishReason != "" {
			finishReason = mapFinishReason(string(choice.FinishReason))
		}
	}

	if textOpened {
		out <- llm.StreamEvent{Kind: llm.EventContentBlockStop, Index: 0}
	}
	for idx := range toolOpened {
		out <- llm.StreamEvent{Kind: llm.EventContentBlockStop, Index: idx}
	}

	out <- llm.StreamEvent{Kind: llm.EventMessageDelta, StopReason: finishReason}
	out <- llm.StreamEvent{Kind: llm.EventMessageStop}
}

func mapFinishReason(s string) llm.StopReason {
	switch s {
	case "stop":
		return llm.StopEndTurn
	case "tool_calls", "function_call":
		return llm.StopToolUse
	case "length":
		return llm.StopMaxTokens
	default:
		return llm.StopEndTurn
	}
}

func convertMessages(system string, messages []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		if m.Role == llm.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		var text string
		var toolCalls []openai.ToolCall
		for _, b := range m.Content {
			switch b.Kind {
			case llm.ContentText:
				text += b.Text
			case llm.ContentToolUse:
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   b.ToolUseID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      b.ToolName,
						Arguments: string(b.ToolInput),
					},
				})
			case llm.ContentToolResult:
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    b.ToolResult,
					ToolCallID: b.ToolUseID,
				})
			}
		}
		if text != "" || len(toolCalls) > 0 {
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: text, ToolCalls: toolCalls})
		}
	}
	return out
}

func convertTools(tools []llm.ToolDef) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	return out
}
