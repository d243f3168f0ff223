package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forgehub/agentic-core/internal/agentconfig"
	"github.com/forgehub/agentic-core/internal/checkpoint"
	"github.com/forgehub/agentic-core/internal/llm"
	"github.com/forgehub/agentic-core/internal/sessionstore"
	"github.com/forgehub/agentic-core/internal/task"
	"github.com/forgehub/agentic-core/internal/taskctx"
	"github.com/forgehub/agentic-core/internal/tools"
	"github.com/forgehub/agentic-core/internal/workspacewatch"
)

type fakeConfigs struct{ agents map[string]*agentconfig.Agent }

func (f *fakeConfigs) Get(agentType string) (*agentconfig.Agent, bool) {
	a, ok := f.agents[agentType]
	return a, ok
}

type textProvider struct{ text string }

func (p *textProvider) Name() string        { return "fake" }
func (p *textProvider) Models() []llm.Model { return nil }
func (p *textProvider) SupportsTools() bool { return false }
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

func newTestExecutor(t *testing.T, providerText string) (*Executor, *sessionstore.Store) {
	t.Helper()
	store := sessionstore.NewMemoryStore()
	blobs := checkpoint.NewBlobStore(checkpoint.NewMemoryBackend(), checkpoint.Config{})
	engine := checkpoint.NewEngine(checkpoint.NewMemoryBackend(), blobs, checkpoint.Config{})

	e := New()
	e.Store = store
	e.Checkpoints = engine
	e.Provider = &textProvider{text: providerText}
	e.DefaultModelID = "claude-4-opus"
	e.DefaultProvider = "anthropic"
	e.DefaultAgentType = "main"
	e.Configs = &fakeConfigs{agents: map[string]*agentconfig.Agent{
		"main": {Name: "main", Mode: agentconfig.ModePrimary, SystemPrompt: "You are the main agent."},
	}}
	e.NewRegistry = func(tc *taskctx.Context) *tools.Registry { return tools.New(false) }
	return e, store
}

func waitTerminal(t *testing.T, tc *taskctx.Context) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if taskctx.IsTerminal(tc.Status()) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task did not reach a terminal status in time (last: %s)", tc.Status())
}

func TestExecuteTaskRunsToCompletion(t *testing.T) {
	e, _ := newTestExecutor(t, "The answer is 42.")

	tc, err := e.ExecuteTask(context.Background(), ExecuteTaskParams{
		WorkspacePath: "/workspace",
		UserPrompt:    "what is the answer?",
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if tc.Status() != taskctx.StatusRunning {
		t.Fatalf("expected Running immediately after ExecuteTask, got %s", tc.Status())
	}

	waitTerminal(t, tc)
	if tc.Status() != taskctx.StatusCompleted {
		t.Fatalf("expected Completed, got %s", tc.Status())
	}

	msg := tc.Message()
	if msg == nil || msg.Role != task.RoleAssistant {
		t.Fatalf("expected the active message to be the assistant message, got %+v", msg)
	}
	var foundText bool
	for _, b := range msg.Blocks {
		if b.Type == task.BlockText && b.Content == "The answer is 42." {
			foundText = true
		}
	}
	if !foundText {
		t.Fatalf("expected assistant text block in final message, got %+v", msg.Blocks)
	}

	if _, ok := e.get(tc.TaskID); ok {
		t.Fatalf("expected task to be removed from the active-tasks map after completion")
	}
}

func TestExecuteTaskRejectsEmptyWorkspace(t *testing.T) {
	e, _ := newTestExecutor(t, "irrelevant")
	_, err := e.ExecuteTask(context.Background(), ExecuteTaskParams{UserPrompt: "x"})
	if err != ErrEmptyWorkspace {
		t.Fatalf("expected ErrEmptyWorkspace, got %v", err)
	}
}

func TestExecuteTaskEnforcesGlobalCap(t *testing.T) {
	e, _ := newTestExecutor(t, "irrelevant")

	for i := 0; i < MaxActiveTasksGlobal; i++ {
		tc := taskctx.New(context.Background(), "task-"+string(rune('a'+i)), "session-"+string(rune('a'+i)), "/workspace", "main", "claude-4-opus", taskctx.DefaultLimits(), nil, nil)
		e.Register(tc)
	}

	_, err := e.ExecuteTask(context.Background(), ExecuteTaskParams{
		WorkspacePath: "/workspace",
		UserPrompt:    "one too many",
	})
	if err != ErrTooManyActiveTasks {
		t.Fatalf("expected ErrTooManyActiveTasks, got %v", err)
	}
}

func TestExecuteTaskSupersedesSameSession(t *testing.T) {
	e, store := newTestExecutor(t, "unused")
	e.Provider = &blockingProvider{} // first task never finishes on its own

	session, err := store.Sessions.Create(context.Background(), "/workspace", "t", "main", "", "", "claude-4-opus", "anthropic")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	first, err := e.ExecuteTask(context.Background(), ExecuteTaskParams{
		WorkspacePath: "/workspace",
		SessionID:     session.ID,
		UserPrompt:    "first",
	})
	if err != nil {
		t.Fatalf("first ExecuteTask: %v", err)
	}

	second, err := e.ExecuteTask(context.Background(), ExecuteTaskParams{
		WorkspacePath: "/workspace",
		SessionID:     session.ID,
		UserPrompt:    "second",
	})
	if err != nil {
		t.Fatalf("second ExecuteTask: %v", err)
	}

	if !first.IsAborted() {
		t.Fatalf("expected the first task to be aborted once superseded")
	}
	if second.Status() != taskctx.StatusRunning {
		t.Fatalf("expected the second task to still be Running right after ExecuteTask, got %s", second.Status())
	}
}

// captureProvider records the request it was streamed with before
// answering like textProvider.
type captureProvider struct {
	textProvider
	mu   sync.Mutex
	last *llm.Request
}

func (p *captureProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	p.mu.Lock()
	p.last = req
	p.mu.Unlock()
	return p.textProvider.Stream(ctx, req)
}

func (p *captureProvider) lastRequest() *llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

type staticChanges struct{ changes []workspacewatch.Change }

func (s *staticChanges) DrainChanges() []workspacewatch.Change {
	out := s.changes
	s.changes = nil
	return out
}

func TestWorkspaceChangeNoticeReachesModel(t *testing.T) {
	e, _ := newTestExecutor(t, "done")
	provider := &captureProvider{textProvider: textProvider{text: "done"}}
	e.Provider = provider
	e.Changes = &staticChanges{changes: []workspacewatch.Change{
		{RelativePath: "src/app.go", Kind: workspacewatch.KindModified, Patch: "+edited elsewhere\n"},
	}}

	tc, err := e.ExecuteTask(context.Background(), ExecuteTaskParams{
		WorkspacePath: "/workspace",
		UserPrompt:    "continue",
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	waitTerminal(t, tc)

	req := provider.lastRequest()
	if req == nil {
		t.Fatalf("provider never saw a request")
	}
	if !strings.Contains(req.System, "src/app.go (modified)") {
		t.Fatalf("expected the change notice in the system prompt, got %q", req.System)
	}
	if !strings.Contains(req.System, "<system-reminder>") {
		t.Fatalf("expected the notice wrapped as a system reminder, got %q", req.System)
	}
	for _, b := range tc.Message().Blocks {
		if b.Content != "" && strings.Contains(b.Content, "src/app.go (modified)") {
			t.Fatalf("change notice must never be persisted as a message block: %+v", b)
		}
	}
}

func TestCancelTask(t *testing.T) {
	e, _ := newTestExecutor(t, "unused")
	e.Provider = &blockingProvider{}

	tc, err := e.ExecuteTask(context.Background(), ExecuteTaskParams{
		WorkspacePath: "/workspace",
		UserPrompt:    "cancel me",
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	if !e.CancelTask(context.Background(), tc.TaskID, "user requested cancellation") {
		t.Fatalf("expected CancelTask to find the task")
	}
	if !tc.IsAborted() {
		t.Fatalf("expected task to be aborted after CancelTask")
	}
	if e.CancelTask(context.Background(), "nonexistent", "") {
		t.Fatalf("expected CancelTask to report false for an unknown task id")
	}
}
