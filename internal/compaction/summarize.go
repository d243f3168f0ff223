package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgehub/agentic-core/internal/task"
)

const (
	// charsPerToken is the approximate character-to-token ratio used for
	// estimation, matching the 4-bytes-per-token rule the Task Context's
	// usage accounting applies.
	charsPerToken = 4

	// DefaultMaxChunkTokens bounds how much history is fed to the
	// summarizer in one call.
	DefaultMaxChunkTokens = 20000

	// summaryFallback is returned when there is nothing to summarize.
	summaryFallback = "No prior history."
)

// estimateTokens approximates one message's token footprint from its
// block contents.
func estimateTokens(m task.Message) int {
	chars := 0
	for _, b := range m.Blocks {
		chars += len(b.Content) + len(b.Output) + len(b.Summary)
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// ChunkByMaxTokens splits history into consecutive chunks, each within
// maxTokens. A single message exceeding maxTokens gets its own chunk.
func ChunkByMaxTokens(history []task.Message, maxTokens int) [][]task.Message {
	if len(history) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]task.Message{history}
	}

	var chunks [][]task.Message
	var current []task.Message
	currentTokens := 0

	for _, m := range history {
		tokens := estimateTokens(m)
		if tokens > maxTokens {
			if len(current) > 0 {
				chunks = append(chunks, current)
				current = nil
				currentTokens = 0
			}
			chunks = append(chunks, []task.Message{m})
			continue
		}
		if currentTokens+tokens > maxTokens && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, m)
		currentTokens += tokens
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// SummarizeChunks condenses history into one summary. Histories within
// maxChunkTokens go to the summarizer in a single call; longer ones are
// chunked, each chunk summarized independently, and the chunk summaries
// merged by one final summarizer pass over synthetic messages.
func SummarizeChunks(ctx context.Context, history []task.Message, s Summarizer, maxChunkTokens int) (string, error) {
	if len(history) == 0 {
		return summaryFallback, nil
	}
	if s == nil {
		return "", fmt.Errorf("compaction: summarizer is nil")
	}
	if maxChunkTokens <= 0 {
		maxChunkTokens = DefaultMaxChunkTokens
	}

	chunks := ChunkByMaxTokens(history, maxChunkTokens)
	if len(chunks) == 1 {
		return s.Summarize(ctx, chunks[0])
	}

	chunkSummaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		summary, err := s.Summarize(ctx, chunk)
		if err != nil {
			return "", fmt.Errorf("compaction: summarizing chunk %d: %w", i, err)
		}
		chunkSummaries = append(chunkSummaries, summary)
	}
	return mergeSummaries(ctx, chunkSummaries, s)
}

// mergeSummaries combines chunk summaries with one more summarizer call
// over synthetic messages carrying each partial summary.
func mergeSummaries(ctx context.Context, summaries []string, s Summarizer) (string, error) {
	if len(summaries) == 1 {
		return summaries[0], nil
	}
	merge := make([]task.Message, len(summaries))
	for i, partial := range summaries {
		merge[i] = task.Message{
			Role: task.RoleUser,
			Blocks: []task.Block{{
				Type:    task.BlockUserText,
				Content: fmt.Sprintf("Partial summary %d of %d:\n%s", i+1, len(summaries), partial),
			}},
		}
	}
	return s.Summarize(ctx, merge)
}

// FormatHistory renders history as plain text for summarizer prompts,
// truncating tool outputs so one verbose command does not dominate.
func FormatHistory(history []task.Message, toolOutputCap int) string {
	var b strings.Builder
	for _, m := range history {
		for _, blk := range m.Blocks {
			switch blk.Type {
			case task.BlockUserText, task.BlockText:
				fmt.Fprintf(&b, "[%s]: %s\n", m.Role, blk.Content)
			case task.BlockTool, task.BlockSubtask:
				out := blk.Output
				if toolOutputCap > 0 && len(out) > toolOutputCap {
					out = out[:toolOutputCap] + "..."
				}
				fmt.Fprintf(&b, "[%s tool %s]: %s\n", m.Role, blk.ToolName, out)
			}
		}
	}
	return b.String()
}
