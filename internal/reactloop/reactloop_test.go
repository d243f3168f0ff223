package reactloop

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forgehub/agentic-core/internal/filetracker"
	"github.com/forgehub/agentic-core/internal/llm"
	"github.com/forgehub/agentic-core/internal/task"
	"github.com/forgehub/agentic-core/internal/taskctx"
	"github.com/forgehub/agentic-core/internal/taskevents"
	"github.com/forgehub/agentic-core/internal/tools"
)

// scriptedProvider replays one canned event sequence per Stream call and
// records each request's system prompt.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts [][]llm.StreamEvent
	calls   int
	systems []string
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Models() []llm.Model { return nil }
func (p *scriptedProvider) SupportsTools() bool { return true }

func (p *scriptedProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.systems = append(p.systems, req.System)
	p.mu.Unlock()
	if idx >= len(p.scripts) {
		idx = len(p.scripts) - 1
	}
	script := p.scripts[idx]

	ch := make(chan llm.StreamEvent, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) streamCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// textTurn scripts a plain text response ending the turn.
func textTurn(text string) []llm.StreamEvent {
	return []llm.StreamEvent{
		{Kind: llm.EventMessageStart},
		{Kind: llm.EventContentBlockStart, Index: 0, BlockKind: llm.ContentText},
		{Kind: llm.EventContentBlockDelta, Index: 0, DeltaKind: llm.DeltaText, Text: text},
		{Kind: llm.EventContentBlockStop, Index: 0},
		{Kind: llm.EventMessageDelta, StopReason: llm.StopEndTurn},
		{Kind: llm.EventMessageStop},
	}
}

// toolTurn scripts tool_use blocks, each given as (id, name, argsJSON).
func toolTurn(prefixText string, uses ...[3]string) []llm.StreamEvent {
	events := []llm.StreamEvent{{Kind: llm.EventMessageStart}}
	index := 0
	if prefixText != "" {
		events = append(events,
			llm.StreamEvent{Kind: llm.EventContentBlockStart, Index: index, BlockKind: llm.ContentText},
			llm.StreamEvent{Kind: llm.EventContentBlockDelta, Index: index, DeltaKind: llm.DeltaText, Text: prefixText},
			llm.StreamEvent{Kind: llm.EventContentBlockStop, Index: index},
		)
		index++
	}
	for _, u := range uses {
		events = append(events,
			llm.StreamEvent{Kind: llm.EventContentBlockStart, Index: index, BlockKind: llm.ContentToolUse, ToolUseID: u[0], ToolName: u[1]},
			llm.StreamEvent{Kind: llm.EventContentBlockDelta, Index: index, DeltaKind: llm.DeltaInputJSON, PartialJSON: u[2]},
			llm.StreamEvent{Kind: llm.EventContentBlockStop, Index: index},
		)
		index++
	}
	events = append(events,
		llm.StreamEvent{Kind: llm.EventMessageDelta, StopReason: llm.StopToolUse},
		llm.StreamEvent{Kind: llm.EventMessageStop},
	)
	return events
}

// listTool is a FileSystem-category tool returning a fixed listing.
type listTool struct {
	mu      sync.Mutex
	calls   int
	block   chan struct{} // when non-nil, Run waits on it (or ctx)
	content string
}

func (l *listTool) Name() string            { return "list_files" }
func (l *listTool) Description() string     { return "list files in a directory" }
func (l *listTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (l *listTool) Metadata() tools.Metadata {
	return tools.Metadata{Category: tools.CategoryFileSystem, Priority: tools.PriorityStandard}
}

func (l *listTool) Run(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	l.mu.Lock()
	l.calls++
	block := l.block
	l.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &tools.Result{Content: l.content}, nil
}

func (l *listTool) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func newTurnContext(sink taskevents.Sink) *taskctx.Context {
	if sink == nil {
		sink = taskevents.NopSink{}
	}
	tc := taskctx.New(context.Background(), "task-1", "sess-1", "/ws", "main", "gpt-4o", taskctx.DefaultLimits(), sink, nil)
	tc.SetMessage(&task.Message{ID: "msg-1", Role: task.RoleAssistant, Status: task.MessageStreaming, CreatedAt: time.Now()})
	tc.SetRunning()
	return tc
}

func historyWithPrompt(prompt string) []task.Message {
	return []task.Message{{
		ID: "user-1", Role: task.RoleUser, Status: task.MessageCompleted,
		Blocks: []task.Block{{Type: task.BlockUserText, Content: prompt}},
	}}
}

// TestSingleToolHappyPath drives one tool iteration, then a
// final text iteration completing the turn.
func TestSingleToolHappyPath(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.StreamEvent{
		toolTurn("I'll list files", [3]string{"t1", "list_files", `{"path":"/ws/src"}`}),
		textTurn("Files: main.go, lib.go"),
	}}

	lister := &listTool{content: "main.go\nlib.go"}
	reg := tools.New(false)
	reg.Register(lister, tools.AvailabilityContext{})

	tc := newTurnContext(nil)
	o := &Orchestrator{Provider: provider, Registry: reg, Tracker: filetracker.New()}

	err := o.RunTurn(context.Background(), tc, "system", historyWithPrompt("list files in src"), reg.ToolDefs())
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if provider.streamCalls() != 2 {
		t.Fatalf("stream calls = %d, want 2 iterations", provider.streamCalls())
	}
	if lister.callCount() != 1 {
		t.Fatalf("tool ran %d times, want 1", lister.callCount())
	}

	m := tc.Message()
	if m.Status != task.MessageCompleted {
		t.Fatalf("message status = %s", m.Status)
	}
	var toolBlocks, textBlocks int
	for _, b := range m.Blocks {
		switch b.Type {
		case task.BlockTool:
			toolBlocks++
			if b.ToolStatus != task.ToolCompleted {
				t.Fatalf("tool block status = %s", b.ToolStatus)
			}
			if b.Output != "main.go\nlib.go" {
				t.Fatalf("tool output = %q", b.Output)
			}
		case task.BlockText:
			textBlocks++
		}
	}
	if toolBlocks != 1 {
		t.Fatalf("%d tool blocks, want 1", toolBlocks)
	}
	if textBlocks < 2 {
		t.Fatalf("%d text blocks, want the narration plus the final answer", textBlocks)
	}
	if tc.Status() != taskctx.StatusCompleted {
		t.Fatalf("task status = %s", tc.Status())
	}
}

// TestCancellationDuringToolCall checks that aborting mid-execution
// cancels the message and flips the in-flight tool block.
func TestCancellationDuringToolCall(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.StreamEvent{
		toolTurn("", [3]string{"t1", "list_files", `{"path":"/ws/src"}`}),
	}}

	lister := &listTool{content: "x", block: make(chan struct{})}
	reg := tools.New(false)
	reg.Register(lister, tools.AvailabilityContext{})

	ch := make(chan taskevents.Event, 64)
	tc := newTurnContext(taskevents.NewChanSink(ch))
	o := &Orchestrator{Provider: provider, Registry: reg, Tracker: filetracker.New()}

	done := make(chan error, 1)
	go func() {
		done <- o.RunTurn(tc.Ctx(), tc, "system", historyWithPrompt("list files"), reg.ToolDefs())
	}()

	// Wait until the tool is actually running, then abort.
	deadline := time.Now().Add(2 * time.Second)
	for lister.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if lister.callCount() == 0 {
		t.Fatal("tool never started")
	}
	tc.Abort()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunTurn did not return after abort")
	}

	tc.CancelAssistantMessage(context.Background())
	m := tc.Message()
	if m.Status != task.MessageCancelled {
		t.Fatalf("message status = %s", m.Status)
	}
	for _, b := range m.Blocks {
		if b.Type == task.BlockTool && b.ToolStatus != task.ToolCancelled && b.ToolStatus != task.ToolError {
			t.Fatalf("in-flight tool block left as %s", b.ToolStatus)
		}
	}
	if tc.Status() != taskctx.StatusCancelled {
		t.Fatalf("task status = %s", tc.Status())
	}

	sawCancelled := false
	for len(ch) > 0 {
		if e := <-ch; e.Kind == taskevents.TaskCancelled {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Fatal("TaskCancelled event not emitted")
	}
}

// TestDuplicateDetection checks that the duplicate call is cancelled,
// the rest execute, and the next iteration carries a warning overlay.
func TestDuplicateDetection(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.StreamEvent{
		toolTurn("",
			[3]string{"t1", "list_files", `{"path":"/ws/a"}`},
			[3]string{"t2", "list_files", `{"path":"/ws/a"}`},
			[3]string{"t3", "list_files", `{"path":"/ws/b"}`},
		),
		textTurn("done"),
	}}

	lister := &listTool{content: "x"}
	reg := tools.New(false)
	reg.Register(lister, tools.AvailabilityContext{})

	tc := newTurnContext(nil)
	o := &Orchestrator{Provider: provider, Registry: reg, Tracker: filetracker.New()}

	if err := o.RunTurn(context.Background(), tc, "system", historyWithPrompt("x"), reg.ToolDefs()); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if lister.callCount() != 2 {
		t.Fatalf("executed set = %d calls, want 2 (dedup dropped one)", lister.callCount())
	}

	cancelled := 0
	for _, b := range tc.Message().Blocks {
		if b.Type == task.BlockTool && b.ToolStatus == task.ToolCancelled {
			cancelled++
		}
	}
	if cancelled != 1 {
		t.Fatalf("%d cancelled tool blocks, want 1", cancelled)
	}

	// The second iteration's system prompt carries the duplicate warning.
	provider.mu.Lock()
	systems := append([]string(nil), provider.systems...)
	provider.mu.Unlock()
	if len(systems) < 2 {
		t.Fatalf("%d stream calls", len(systems))
	}
	if !strings.Contains(systems[0], "system") || strings.Contains(systems[0], "duplicate") {
		t.Fatalf("iteration 1 system prompt = %q", systems[0])
	}
	if !strings.Contains(systems[1], "duplicate") || !strings.Contains(systems[1], "<system-reminder>") {
		t.Fatalf("iteration 2 system prompt missing duplicate-tools overlay: %q", systems[1])
	}
}

func TestEmptyResponseRetriesOnceThenFinishes(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.StreamEvent{
		{
			{Kind: llm.EventMessageStart},
			{Kind: llm.EventMessageDelta, StopReason: llm.StopEndTurn},
			{Kind: llm.EventMessageStop},
		},
		{
			{Kind: llm.EventMessageStart},
			{Kind: llm.EventMessageDelta, StopReason: llm.StopEndTurn},
			{Kind: llm.EventMessageStop},
		},
	}}

	reg := tools.New(false)
	tc := newTurnContext(nil)
	o := &Orchestrator{Provider: provider, Registry: reg}

	if err := o.RunTurn(context.Background(), tc, "system", historyWithPrompt("x"), nil); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if provider.streamCalls() != 2 {
		t.Fatalf("stream calls = %d, want exactly one empty-retry", provider.streamCalls())
	}
}

func TestClassifyOutcome(t *testing.T) {
	calls := []task.ToolCall{{ID: "t", Name: "x", Input: json.RawMessage(`{}`)}}
	cases := []struct {
		name       string
		calls      []task.ToolCall
		stop       llm.StopReason
		text       string
		thinking   string
		want       Outcome
	}{
		{"tools pending", calls, llm.StopToolUse, "", "", OutcomeContinueWithTools},
		{"tool_use stop without calls", nil, llm.StopToolUse, "irrelevant", "", OutcomeEmpty},
		{"end_turn with text", nil, llm.StopEndTurn, "answer", "", OutcomeComplete},
		{"end_turn thinking only", nil, llm.StopEndTurn, "", "hmm", OutcomeComplete},
		{"end_turn empty", nil, llm.StopEndTurn, "", "", OutcomeEmpty},
		{"max_tokens with text", nil, llm.StopMaxTokens, "partial", "", OutcomeComplete},
		{"no stop reason with text", nil, llm.StopNone, "answer", "", OutcomeComplete},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyOutcome(tc.calls, tc.stop, tc.text, tc.thinking); got != tc.want {
				t.Fatalf("classifyOutcome = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestFirstJSONValueConcatenatedObjects(t *testing.T) {
	raw, err := firstJSONValue(`{"path":"/ws/a"}{"path":"/ws/a"}`)
	if err != nil {
		t.Fatalf("firstJSONValue: %v", err)
	}
	var parsed map[string]string
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("first value does not round-trip: %v", err)
	}
	if parsed["path"] != "/ws/a" {
		t.Fatalf("parsed = %v", parsed)
	}

	if _, err := firstJSONValue("   "); err == nil {
		t.Fatal("empty arguments must be an error")
	}
	if _, err := firstJSONValue("{broken"); err == nil {
		t.Fatal("invalid JSON must be an error")
	}
}

func TestDedupCalls(t *testing.T) {
	calls := []task.ToolCall{
		{ID: "a", Name: "read_file", Input: json.RawMessage(`{"path":"/ws/a"}`)},
		{ID: "b", Name: "read_file", Input: json.RawMessage(`{"path":"/ws/a"}`)},
		{ID: "c", Name: "read_file", Input: json.RawMessage(`{"path":"/ws/b"}`)},
	}
	kept, dropped := DedupCalls(calls)
	if len(kept) != 2 || len(dropped) != 1 {
		t.Fatalf("kept %d dropped %d", len(kept), len(dropped))
	}
	if dropped[0].ID != "b" {
		t.Fatalf("dropped the wrong call: %s", dropped[0].ID)
	}
}

func TestLoopDetector(t *testing.T) {
	d := NewLoopDetector()
	repeat := []task.ToolCall{{ID: "x", Name: "read_file", Input: json.RawMessage(`{"path":"/ws/a"}`)}}

	if w := d.Record(1, repeat); w != nil {
		t.Fatal("detection must not start before iteration 3")
	}
	if w := d.Record(2, repeat); w != nil {
		t.Fatal("detection must not start before iteration 3")
	}
	w := d.Record(3, repeat)
	if len(w) != 1 {
		t.Fatalf("warnings = %v, want one", w)
	}
	if w[0].Count < 2 {
		t.Fatalf("count = %d", w[0].Count)
	}
}

// recordingSwitcher records plan->coder handoffs.
type recordingSwitcher struct {
	mu      sync.Mutex
	updates [][3]string
}

func (r *recordingSwitcher) SwitchAgent(_ context.Context, sessionID, from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, [3]string{sessionID, from, to})
	return nil
}

func TestPlanCompletionSwitchesToCoder(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.StreamEvent{textTurn("here is the plan")}}
	reg := tools.New(false)

	tc := taskctx.New(context.Background(), "task-1", "sess-1", "/ws", "plan", "gpt-4o", taskctx.DefaultLimits(), taskevents.NopSink{}, nil)
	tc.SetMessage(&task.Message{ID: "msg-1", Role: task.RoleAssistant, Status: task.MessageStreaming, CreatedAt: time.Now()})
	tc.SetRunning()

	switcher := &recordingSwitcher{}
	o := &Orchestrator{Provider: provider, Registry: reg, Agents: switcher}

	if err := o.RunTurn(context.Background(), tc, "system", historyWithPrompt("plan it"), nil); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if len(switcher.updates) != 1 || switcher.updates[0] != [3]string{"sess-1", "plan", "coder"} {
		t.Fatalf("agent switches = %v", switcher.updates)
	}
	if tc.AgentType != "coder" {
		t.Fatalf("context agent type = %s", tc.AgentType)
	}

	found := false
	for _, b := range tc.Message().Blocks {
		if b.Type == task.BlockAgentSwitch {
			found = true
			if b.From != "plan" || b.To != "coder" {
				t.Fatalf("agent switch block = %+v", b)
			}
		}
	}
	if !found {
		t.Fatal("no AgentSwitch block journaled")
	}
}

func TestLooksFabricated(t *testing.T) {
	reg := tools.New(false)
	reg.Register(&listTool{}, tools.AvailabilityContext{})

	if !looksFabricated("I ran list_files and it completed successfully.", reg) {
		t.Fatal("tool name + success keyword must trigger the guard")
	}
	if looksFabricated("The answer is 42.", reg) {
		t.Fatal("plain text must not trigger the guard")
	}
	if looksFabricated("", reg) {
		t.Fatal("empty text must not trigger the guard")
	}
}
