package compaction

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/forgehub/agentic-core/internal/llm"
	"github.com/forgehub/agentic-core/internal/task"
	"github.com/forgehub/agentic-core/internal/taskctx"
	"github.com/forgehub/agentic-core/internal/taskevents"
)

// DefaultThresholdRatio triggers compaction once estimated usage passes
// 70% of the model's context window.
const DefaultThresholdRatio = 0.7

// Summarizer produces a single text summary of a turn's history, run as a
// non-streaming LLM call.
type Summarizer interface {
	Summarize(ctx context.Context, history []task.Message) (string, error)
}

// Trigger is the Compaction Trigger: measures estimated context
// usage against the model's window and, once past ThresholdRatio, runs a
// summary job that replaces prior history with one condensed message.
// Implements reactloop.Compactor.
type Trigger struct {
	ThresholdRatio float64
	Summarizer     Summarizer
	Sink           taskevents.Sink

	// MaxChunkTokens bounds each summarizer call; zero means
	// DefaultMaxChunkTokens. Histories past the bound are summarized in
	// chunks and merged (see SummarizeChunks).
	MaxChunkTokens int

	// running serializes summary jobs against each other; the ReAct loop
	// already calls MaybeCompact synchronously before each iteration's
	// stream, so a summary job never overlaps the main stream for the same
	// turn, but concurrent turns on different sessions could otherwise race
	// on a shared Summarizer.
	running chan struct{}
}

// NewTrigger constructs a Trigger with the default threshold if ratio
// is zero.
func NewTrigger(ratio float64, summarizer Summarizer, sink taskevents.Sink) *Trigger {
	if ratio <= 0 {
		ratio = DefaultThresholdRatio
	}
	return &Trigger{ThresholdRatio: ratio, Summarizer: summarizer, Sink: sink, running: make(chan struct{}, 1)}
}

// MaybeCompact implements reactloop.Compactor.
func (t *Trigger) MaybeCompact(ctx context.Context, tc *taskctx.Context, modelID string, history []task.Message) ([]task.Message, error) {
	if t.Summarizer == nil || len(history) == 0 {
		return history, nil
	}

	used, window := taskctx.ContextUsage("", history, modelID)
	if window <= 0 || float64(used)/float64(window) < t.ThresholdRatio {
		return history, nil
	}

	t.running <- struct{}{}
	defer func() { <-t.running }()

	stub := task.Message{
		ID:        uuid.NewString(),
		SessionID: tc.SessionID,
		Role:      task.RoleAssistant,
		Status:    task.MessageStreaming,
		CreatedAt: time.Now(),
	}
	t.emit(ctx, taskevents.Event{Kind: taskevents.MessageCreated, TaskID: tc.TaskID, Message: &stub})

	summary, err := SummarizeChunks(ctx, history, t.Summarizer, t.MaxChunkTokens)
	if err != nil {
		return history, err
	}

	stub.Blocks = []task.Block{{Type: task.BlockText, Content: summary}}
	stub.Status = task.MessageCompleted
	stub.FinishedAt = time.Now()
	usedAfter, windowAfter := taskctx.ContextUsage("", []task.Message{stub}, modelID)
	usage := &task.ContextUsage{UsedTokens: usedAfter, WindowTokens: windowAfter}
	stub.ContextUsage = usage

	t.emit(ctx, taskevents.Event{
		Kind: taskevents.MessageFinished, TaskID: tc.TaskID, MessageID: stub.ID,
		Status: task.MessageCompleted, FinishedAt: stub.FinishedAt,
		DurationMS: stub.FinishedAt.Sub(stub.CreatedAt).Milliseconds(), Context: usage,
	})

	return []task.Message{stub}, nil
}

func (t *Trigger) emit(ctx context.Context, e taskevents.Event) {
	if t.Sink != nil {
		t.Sink.Emit(ctx, e)
	}
}

// ContextWindowFor is a thin re-export so callers configuring a Trigger do
// not need to import internal/llm directly just for ContextWindow.
func ContextWindowFor(modelID string) int { return llm.ContextWindow(modelID) }
