package subtask

import (
	"context"
	"testing"
	"time"

	"github.com/forgehub/agentic-core/internal/agentconfig"
	"github.com/forgehub/agentic-core/internal/checkpoint"
	"github.com/forgehub/agentic-core/internal/llm"
	"github.com/forgehub/agentic-core/internal/reactloop"
	"github.com/forgehub/agentic-core/internal/sessionstore"
	"github.com/forgehub/agentic-core/internal/task"
	"github.com/forgehub/agentic-core/internal/taskctx"
	"github.com/forgehub/agentic-core/internal/tools"
)

type fakeConfigs struct {
	agents map[string]*agentconfig.Agent
}

func (f *fakeConfigs) Get(subagentType string) (*agentconfig.Agent, bool) {
	a, ok := f.agents[subagentType]
	return a, ok
}

type textProvider struct{ text string }

func (p *textProvider) Name() string          { return "fake" }
func (p *textProvider) Models() []llm.Model   { return nil }
func (p *textProvider) SupportsTools() bool   { return false }
func (p *textProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent, 8)
	go func() {
		defer close(ch)
		ch <- llm.StreamEvent{Kind: llm.EventContentBlockStart, Index: 0, BlockKind: llm.ContentText}
		ch <- llm.StreamEvent{Kind: llm.EventContentBlockDelta, Index: 0, DeltaKind: llm.DeltaText, Text: p.text}
		ch <- llm.StreamEvent{Kind: llm.EventContentBlockStop, Index: 0}
		ch <- llm.StreamEvent{Kind: llm.EventMessageDelta, StopReason: llm.StopEndTurn}
		ch <- llm.StreamEvent{Kind: llm.EventMessageStop}
	}()
	return ch, nil
}

func newTestEngine() *checkpoint.Engine {
	blobs := checkpoint.NewBlobStore(checkpoint.NewMemoryBackend(), checkpoint.Config{})
	return checkpoint.NewEngine(checkpoint.NewMemoryBackend(), blobs, checkpoint.Config{})
}

func newRunner(t *testing.T, providerText string, agent *agentconfig.Agent) (*Runner, *sessionstore.Store, *taskctx.Context, *tools.Registry) {
	t.Helper()
	store := sessionstore.NewMemoryStore()
	engine := newTestEngine()

	parentSession, err := store.Sessions.Create(context.Background(), "/workspace", "parent", "main", "", "", "claude-4-opus", "anthropic")
	if err != nil {
		t.Fatalf("create parent session: %v", err)
	}

	parent := taskctx.New(context.Background(), "parent-task", parentSession.ID, "/workspace", "main", "claude-4-opus", taskctx.DefaultLimits(), nil, engine)
	if err := parent.InitCheckpoint(context.Background(), "msg-1"); err != nil {
		t.Fatalf("init checkpoint: %v", err)
	}

	registry := tools.New(false)

	runner := &Runner{
		Store:   store,
		Configs: &fakeConfigs{agents: map[string]*agentconfig.Agent{agent.Name: agent}},
		NewOrchestrator: func(r *tools.Registry) *reactloop.Orchestrator {
			return &reactloop.Orchestrator{Provider: &textProvider{text: providerText}, Registry: r}
		},
	}
	return runner, store, parent, registry
}

func TestRunCompletesAndSummarizes(t *testing.T) {
	agent := &agentconfig.Agent{Name: "explorer", Mode: agentconfig.ModeSubagent, SystemPrompt: "You explore code."}
	runner, _, parent, registry := newRunner(t, "Found the bug in main.go.", agent)

	result, err := runner.Run(context.Background(), parent, registry, Request{
		Description:  "find the bug",
		Prompt:       "Where is the bug?",
		SubagentType: "explorer",
		CallID:       "call-1",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != task.ToolCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	if result.Summary != "Found the bug in main.go." {
		t.Fatalf("unexpected summary: %q", result.Summary)
	}
	if result.SessionID == "" || result.SessionID == parent.SessionID {
		t.Fatalf("expected a distinct child session id, got %q", result.SessionID)
	}
}

func TestRunRejectsNonSubagentMode(t *testing.T) {
	agent := &agentconfig.Agent{Name: "main", Mode: agentconfig.ModePrimary}
	runner, _, parent, registry := newRunner(t, "irrelevant", agent)

	_, err := runner.Run(context.Background(), parent, registry, Request{SubagentType: "main", Prompt: "x"})
	if err == nil {
		t.Fatalf("expected error for non-subagent mode")
	}
}

func TestRunRejectsUnknownAgent(t *testing.T) {
	runner, _, parent, registry := newRunner(t, "irrelevant", &agentconfig.Agent{Name: "other", Mode: agentconfig.ModeSubagent})

	_, err := runner.Run(context.Background(), parent, registry, Request{SubagentType: "missing", Prompt: "x"})
	if err == nil {
		t.Fatalf("expected error for unknown subagent_type")
	}
}

func TestChildRegistryBlacklistsRecursiveTools(t *testing.T) {
	parentRegistry := tools.New(false)
	child := parentRegistry.ForkWithBlacklist(recursiveToolBlacklist)
	if child.ToolFilter("task") || child.ToolFilter("todowrite") {
		t.Fatalf("expected task/todowrite blocked in child registry")
	}
	if !child.ToolFilter("read_file") {
		t.Fatalf("expected unrelated tools still allowed")
	}
}

func TestTruncateSummary(t *testing.T) {
	long := make([]byte, summaryCharBudget+500)
	for i := range long {
		long[i] = 'a'
	}
	got := truncateSummary(string(long))
	if len(got) != summaryCharBudget {
		t.Fatalf("expected truncation to %d chars, got %d", summaryCharBudget, len(got))
	}
}

func TestRunRespectsCancellationFromParent(t *testing.T) {
	agent := &agentconfig.Agent{Name: "explorer", Mode: agentconfig.ModeSubagent}
	store := sessionstore.NewMemoryStore()
	engine := newTestEngine()
	parentSession, _ := store.Sessions.Create(context.Background(), "/workspace", "parent", "main", "", "", "claude-4-opus", "anthropic")
	parentCtx, cancel := context.WithCancel(context.Background())
	parent := taskctx.New(parentCtx, "parent-task", parentSession.ID, "/workspace", "main", "claude-4-opus", taskctx.DefaultLimits(), nil, engine)
	_ = parent.InitCheckpoint(context.Background(), "msg-1")

	runner := &Runner{
		Store:   store,
		Configs: &fakeConfigs{agents: map[string]*agentconfig.Agent{"explorer": agent}},
		NewOrchestrator: func(r *tools.Registry) *reactloop.Orchestrator {
			return &reactloop.Orchestrator{Provider: &blockingProvider{}, Registry: r}
		},
	}

	cancel()
	time.Sleep(10 * time.Millisecond)

	result, err := runner.Run(context.Background(), parent, tools.New(false), Request{SubagentType: "explorer", Prompt: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != task.ToolCancelled {
		t.Fatalf("expected cancelled, got %s", result.Status)
	}
}

type blockingProvider struct{}

func (p *blockingProvider) Name() string        { return "blocking" }
func (p *blockingProvider) Models() []llm.Model { return nil }
func (p *blockingProvider) SupportsTools() bool { return false }
func (p *blockingProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
