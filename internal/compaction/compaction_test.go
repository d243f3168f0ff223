package compaction

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/forgehub/agentic-core/internal/task"
	"github.com/forgehub/agentic-core/internal/taskctx"
	"github.com/forgehub/agentic-core/internal/taskevents"
)

// fakeSummarizer returns a canned summary and records its inputs.
type fakeSummarizer struct {
	mu      sync.Mutex
	inputs  [][]task.Message
	summary string
	err     error
}

func (f *fakeSummarizer) Summarize(_ context.Context, history []task.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, history)
	if f.err != nil {
		return "", f.err
	}
	if f.summary != "" {
		return f.summary, nil
	}
	return fmt.Sprintf("summary of %d messages", len(history)), nil
}

func (f *fakeSummarizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func textMessage(role task.Role, content string) task.Message {
	blockType := task.BlockUserText
	if role == task.RoleAssistant {
		blockType = task.BlockText
	}
	return task.Message{Role: role, Status: task.MessageCompleted, Blocks: []task.Block{{Type: blockType, Content: content}}}
}

func TestChunkByMaxTokens(t *testing.T) {
	// Four messages of ~25 tokens each (100 chars / 4).
	var history []task.Message
	for i := 0; i < 4; i++ {
		history = append(history, textMessage(task.RoleUser, strings.Repeat("x", 100)))
	}

	chunks := ChunkByMaxTokens(history, 50)
	if len(chunks) != 2 {
		t.Fatalf("%d chunks, want 2", len(chunks))
	}
	for i, c := range chunks {
		if len(c) != 2 {
			t.Fatalf("chunk %d has %d messages", i, len(c))
		}
	}

	// A single oversized message gets its own chunk.
	history = append([]task.Message{textMessage(task.RoleUser, strings.Repeat("y", 1000))}, history...)
	chunks = ChunkByMaxTokens(history, 50)
	if len(chunks[0]) != 1 {
		t.Fatalf("oversized message should be isolated, chunk 0 has %d messages", len(chunks[0]))
	}
}

func TestSummarizeChunksSingleCall(t *testing.T) {
	s := &fakeSummarizer{summary: "all of it"}
	history := []task.Message{textMessage(task.RoleUser, "short")}

	got, err := SummarizeChunks(context.Background(), history, s, 1000)
	if err != nil || got != "all of it" {
		t.Fatalf("SummarizeChunks = %q, %v", got, err)
	}
	if s.callCount() != 1 {
		t.Fatalf("summarizer called %d times, want 1", s.callCount())
	}
}

func TestSummarizeChunksMergesPartials(t *testing.T) {
	s := &fakeSummarizer{}
	var history []task.Message
	for i := 0; i < 4; i++ {
		history = append(history, textMessage(task.RoleUser, strings.Repeat("x", 400)))
	}

	// 100 tokens per message with a 150-token budget: expect multiple
	// chunks plus one merge pass.
	if _, err := SummarizeChunks(context.Background(), history, s, 150); err != nil {
		t.Fatalf("SummarizeChunks: %v", err)
	}
	if s.callCount() < 3 {
		t.Fatalf("summarizer called %d times, want chunk calls plus a merge", s.callCount())
	}

	s.mu.Lock()
	last := s.inputs[len(s.inputs)-1]
	s.mu.Unlock()
	if !strings.Contains(last[0].Blocks[0].Content, "Partial summary") {
		t.Fatalf("merge pass input = %q", last[0].Blocks[0].Content)
	}
}

func TestSummarizeChunksEmptyHistory(t *testing.T) {
	got, err := SummarizeChunks(context.Background(), nil, &fakeSummarizer{}, 100)
	if err != nil || got != summaryFallback {
		t.Fatalf("empty history = %q, %v", got, err)
	}
}

func newTrigger(ratio float64, s Summarizer, sink taskevents.Sink) *Trigger {
	return NewTrigger(ratio, s, sink)
}

func triggerContext() *taskctx.Context {
	return taskctx.New(context.Background(), "task-1", "sess-1", "/ws", "main", "gpt-4o", taskctx.DefaultLimits(), taskevents.NopSink{}, nil)
}

func TestMaybeCompactBelowThresholdIsNoop(t *testing.T) {
	s := &fakeSummarizer{}
	trigger := newTrigger(0.7, s, nil)
	history := []task.Message{textMessage(task.RoleUser, "tiny")}

	out, err := trigger.MaybeCompact(context.Background(), triggerContext(), "gpt-4o", history)
	if err != nil {
		t.Fatalf("MaybeCompact: %v", err)
	}
	if len(out) != 1 || s.callCount() != 0 {
		t.Fatalf("below-threshold compaction ran: %d messages, %d calls", len(out), s.callCount())
	}
}

func TestMaybeCompactAboveThreshold(t *testing.T) {
	s := &fakeSummarizer{summary: "the story so far"}
	ch := make(chan taskevents.Event, 8)
	trigger := newTrigger(0.7, s, taskevents.NewChanSink(ch))

	// gpt-3.5-turbo's window is 16384 tokens; ~15000 tokens of history
	// crosses the 70% threshold.
	history := []task.Message{textMessage(task.RoleUser, strings.Repeat("x", 60000))}

	out, err := trigger.MaybeCompact(context.Background(), triggerContext(), "gpt-3.5-turbo", history)
	if err != nil {
		t.Fatalf("MaybeCompact: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("compacted history has %d messages, want 1", len(out))
	}
	if out[0].Blocks[0].Content != "the story so far" {
		t.Fatalf("summary message = %q", out[0].Blocks[0].Content)
	}
	if out[0].Status != task.MessageCompleted {
		t.Fatalf("summary message status = %s", out[0].Status)
	}

	var kinds []taskevents.Kind
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	if len(kinds) != 2 || kinds[0] != taskevents.MessageCreated || kinds[1] != taskevents.MessageFinished {
		t.Fatalf("events = %v, want MessageCreated then MessageFinished", kinds)
	}
}

func TestMaybeCompactSummarizerError(t *testing.T) {
	s := &fakeSummarizer{err: fmt.Errorf("provider down")}
	trigger := newTrigger(0.7, s, nil)
	history := []task.Message{textMessage(task.RoleUser, strings.Repeat("x", 60000))}

	out, err := trigger.MaybeCompact(context.Background(), triggerContext(), "gpt-3.5-turbo", history)
	if err == nil {
		t.Fatal("summarizer failure must surface")
	}
	if len(out) != 1 || out[0].Blocks[0].Content == "" {
		t.Fatal("history must be returned unchanged on failure")
	}
}

func TestFormatHistoryTruncatesToolOutput(t *testing.T) {
	history := []task.Message{{
		Role: task.RoleAssistant,
		Blocks: []task.Block{
			{Type: task.BlockText, Content: "running tests"},
			{Type: task.BlockTool, ToolName: "shell", Output: strings.Repeat("z", 500)},
		},
	}}
	out := FormatHistory(history, 100)
	if !strings.Contains(out, "running tests") || !strings.Contains(out, "shell") {
		t.Fatalf("formatted history = %q", out)
	}
	if strings.Contains(out, strings.Repeat("z", 200)) {
		t.Fatal("tool output not truncated")
	}
}
