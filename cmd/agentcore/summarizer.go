package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgehub/agentic-core/internal/llm"
	"github.com/forgehub/agentic-core/internal/task"
)

// streamSummarizer implements compaction.Summarizer by replaying history as a plain-text
// transcript and asking the same provider for a condensed summary. The
// provider boundary (internal/llm) only exposes a streaming Stream call,
// so this collects the text deltas of one non-tool turn rather than
// requiring a second non-streaming code path.
type streamSummarizer struct {
	provider llm.Provider
	modelID  string
}

func (s *streamSummarizer) Summarize(ctx context.Context, history []task.Message) (string, error) {
	transcript := renderTranscript(history)
	req := &llm.Request{
		Model:     s.modelID,
		MaxTokens: 1024,
		System:    "Summarize the following conversation concisely, preserving any decisions, file paths, and open questions.",
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: []llm.ContentBlock{{Kind: llm.ContentText, Text: transcript}},
		}},
	}

	events, err := s.provider.Stream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("summarizer: stream: %w", err)
	}

	var out strings.Builder
	for ev := range events {
		if ev.Kind == llm.EventContentBlockDelta && ev.DeltaKind == llm.DeltaText {
			out.WriteString(ev.Text)
		}
		if ev.Kind == llm.EventErr {
			return "", fmt.Errorf("summarizer: provider error: %w", ev.Err)
		}
	}
	return out.String(), nil
}

func renderTranscript(history []task.Message) string {
	var b strings.Builder
	for _, m := range history {
		for _, blk := range m.Blocks {
			switch blk.Type {
			case task.BlockUserText, task.BlockText:
				fmt.Fprintf(&b, "%s: %s\n", m.Role, blk.Content)
			case task.BlockTool:
				fmt.Fprintf(&b, "%s used %s -> %s\n", m.Role, blk.ToolName, blk.Output)
			}
		}
	}
	return b.String()
}
