// Package bedrock adapts AWS Bedrock's ConverseStream API to the
// internal/llm event union. Bedrock's Converse event stream already models content blocks
// and message-level stop reasons directly, so this adapter is closer to a
// rename than a reshape.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/forgehub/agentic-core/internal/llm"
)

// Config configures the provider.
type Config struct {
	Region       string
	DefaultModel string
}

// Provider implements llm.Provider for Bedrock-hosted models.
type Provider struct {
	client       *bedrockruntime.Client
	defaultModel string
}

// New constructs a Provider using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}
	return &Provider{client: bedrockruntime.NewFromConfig(awsCfg), defaultModel: model}, nil
}

func (p *Provider) Name() string { return "bedrock" }

func (p *Provider) SupportsTools() bool { return true }

func (p *Provider) Models() []llm.Model {
	return []llm.Model{{ID: p.defaultModel, ContextWindow: 200000, SupportsVision: true}}
}

func (p *Provider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: convertMessages(req.Messages),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = convertTools(req.Tools)
	}
	if req.MaxTokens > 0 {
		maxTokens := int32(req.MaxTokens)
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: &maxTokens, StopSequences: req.StopSequences}
	}

	resp, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse stream: %w", err)
	}

	out := make(chan llm.StreamEvent, 16)
	go processStream(resp.GetStream(), out)
	return out, nil
}

func processStream(stream *bedrockruntime.ConverseStreamEventStream, out chan<- llm.StreamEvent) {
	defer close(out)
	defer stream.Close()

	for event := range stream.Events() {
		switch v := event.(type) {
		case *types.ConverseStreamOutputMemberMessageStart:
			out <- llm.StreamEvent{Kind: llm.EventMessageStart}

		case *types.ConverseStreamOutputMemberContentBlockStart:
			ev := llm.StreamEvent{Kind: llm.EventContentBlockStart, Index: int(aws.ToInt32(v.Value.ContentBlockIndex))}
			if tu, ok := v.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				ev.BlockKind = llm.ContentToolUse
				ev.ToolUseID = aws.ToString(tu.Value.ToolUseId)
				ev.ToolName = aws.ToString(tu.Value.Name)
			} else {
				ev.BlockKind = llm.ContentText
			}
			out <- ev

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			idx := int(aws.ToInt32(v.Value.ContentBlockIndex))
			switch d := v.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				out <- llm.StreamEvent{Kind: llm.EventContentBlockDelta, Index: idx, DeltaKind: llm.DeltaText, Text: d.Value}
			case *types.ContentBlockDeltaMemberToolUse:
				out <- llm.StreamEvent{Kind: llm.EventContentBlockDelta, Index: idx, DeltaKind: llm.DeltaInputJSON, PartialJSON: aws.ToString(d.Value.Input)}
			case *types.ContentBlockDeltaMemberReasoningContent:
				if rc, ok := d.Value.(*types.ReasoningContentBlockDeltaMemberText); ok {
					out <- llm.StreamEvent{Kind: llm.EventContentBlockDelta, Index: idx, DeltaKind: llm.DeltaThinking, ThinkingDelta: rc.Value}
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			out <- llm.StreamEvent{Kind: llm.EventContentBlockStop, Index: int(aws.ToInt32(v.Value.ContentBlockIndex))}

		case *types.ConverseStreamOutputMemberMessageStop:
			out <- llm.StreamEvent{Kind: llm.EventMessageDelta, StopReason: mapStopReason(v.Value.StopReason)}
			out <- llm.StreamEvent{Kind: llm.EventMessageStop}
			return

		case *types.ConverseStreamOutputMemberMetadata:
			if v.Value.Usage != nil {
				out <- llm.StreamEvent{
					Kind:         llm.EventMessageDelta,
					OutputTokens: int(aws.ToInt32(v.Value.Usage.OutputTokens)),
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		out <- llm.StreamEvent{Kind: llm.EventErr, Err: err}
	}
}

func mapStopReason(r types.StopReason) llm.StopReason {
	switch r {
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return llm.StopEndTurn
	case types.StopReasonToolUse:
		return llm.StopToolUse
	case types.StopReasonMaxTokens:
		return llm.StopMaxTokens
	default:
		return llm.StopNone
	}
}

func convertMessages(messages []llm.Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		role := types.ConversationRoleUser
		if m.Role == llm.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		var blocks []types.ContentBlock
		for _, b := range m.Content {
			switch b.Kind {
			case llm.ContentText:
				blocks = append(blocks, &types.ContentBlockMemberText{Value: b.Text})
			case llm.ContentToolResult:
				blocks = append(blocks, &types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(b.ToolUseID),
						Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: b.ToolResult}},
						Status:    toolResultStatus(b.ToolIsError),
					},
				})
			case llm.ContentToolUse:
				blocks = append(blocks, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(b.ToolUseID),
						Name:      aws.String(b.ToolName),
						Input:     document.NewLazyDocument(b.ToolInput),
					},
				})
			}
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}
	return out
}

func toolResultStatus(isError bool) types.ToolResultStatus {
	if isError {
		return types.ToolResultStatusError
	}
	return types.ToolResultStatusSuccess
}

func convertTools(tools []llm.ToolDef) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(t.Schema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}

func docToJSON(d document.Interface) string {
	if d == nil {
		return ""
	}
	var raw any
	if err := d.UnmarshalSmithyDocument(&raw); err != nil {
		return ""
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	return string(b)
}
