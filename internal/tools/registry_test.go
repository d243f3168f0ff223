package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forgehub/agentic-core/internal/task"
)

// fakeTool is a scriptable Tool for registry tests.
type fakeTool struct {
	name      string
	meta      Metadata
	available bool
	delay     time.Duration
	run       func(ctx context.Context, args json.RawMessage) (*Result, error)
	calls     atomic.Int64
}

func (f *fakeTool) Name() string             { return f.name }
func (f *fakeTool) Description() string      { return "fake " + f.name }
func (f *fakeTool) Schema() json.RawMessage  { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Metadata() Metadata       { return f.meta }
func (f *fakeTool) IsAvailable(AvailabilityContext) bool {
	return f.available
}

func (f *fakeTool) Run(ctx context.Context, args json.RawMessage) (*Result, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.run != nil {
		return f.run(ctx, args)
	}
	return &Result{Content: "ok"}, nil
}

func newFakeTool(name string, cat Category) *fakeTool {
	return &fakeTool{name: name, meta: Metadata{Category: cat, Priority: PriorityStandard}, available: true}
}

func call(name, input string) task.ToolCall {
	return task.ToolCall{ID: name + "-call", Name: name, Input: json.RawMessage(input)}
}

func TestRegisterChatModeRejectsWriters(t *testing.T) {
	reg := New(true)
	if reg.Register(newFakeTool("write_file", CategoryFileWrite), AvailabilityContext{}) {
		t.Fatal("chat mode must silently reject FileWrite tools")
	}
	if reg.Register(newFakeTool("shell", CategoryExecution), AvailabilityContext{}) {
		t.Fatal("chat mode must silently reject Execution tools")
	}
	if !reg.Register(newFakeTool("read_file", CategoryFileRead), AvailabilityContext{}) {
		t.Fatal("chat mode must still accept FileRead tools")
	}
}

func TestRegisterAvailabilityGate(t *testing.T) {
	reg := New(false)
	ft := newFakeTool("semantic_search", CategoryCodeAnalysis)
	ft.available = false
	if reg.Register(ft, AvailabilityContext{}) {
		t.Fatal("unavailable tool must be silently dropped")
	}
	if _, _, ok := reg.Get("semantic_search"); ok {
		t.Fatal("dropped tool must not be resolvable")
	}
}

func TestExecuteAliasResolution(t *testing.T) {
	reg := New(false)
	ft := newFakeTool("read_file", CategoryFileRead)
	reg.Register(ft, AvailabilityContext{})
	reg.Alias("read", "read_file")

	r := reg.Execute(context.Background(), "t1", call("read", `{"path":"/ws/a"}`), "/ws")
	if r.Status != task.ResultSuccess {
		t.Fatalf("aliased call failed: %+v", r)
	}
	if ft.calls.Load() != 1 {
		t.Fatalf("tool ran %d times, want 1", ft.calls.Load())
	}
}

type staticPermission struct{ d PermissionDecision }

func (s staticPermission) Check(ToolAction) PermissionDecision { return s.d }

func TestExecutePermissionDeny(t *testing.T) {
	reg := New(false)
	ft := newFakeTool("shell", CategoryExecution)
	reg.Register(ft, AvailabilityContext{})
	reg.Permission = staticPermission{PermDeny}

	r := reg.Execute(context.Background(), "t1", call("shell", `{"command":"rm -rf /"}`), "/ws")
	if r.Status != task.ResultDenied {
		t.Fatalf("status = %s, want denied", r.Status)
	}
	if ft.calls.Load() != 0 {
		t.Fatal("denied tool must not run")
	}
}

func TestExecuteToolFilter(t *testing.T) {
	reg := New(false)
	reg.Register(newFakeTool("task", CategoryCodeAnalysis), AvailabilityContext{})
	reg.ToolFilter = func(name string) bool { return name != "task" }

	r := reg.Execute(context.Background(), "t1", call("task", `{}`), "/ws")
	if r.Status != task.ResultDenied {
		t.Fatalf("status = %s, want denied via tool filter", r.Status)
	}
}

func TestExecuteRateLimit(t *testing.T) {
	reg := New(false)
	ft := newFakeTool("web_fetch", CategoryNetwork)
	ft.meta.RateLimit = &RateLimit{MaxCalls: 2, WindowSecs: 60}
	reg.Register(ft, AvailabilityContext{})

	for i := 0; i < 2; i++ {
		if r := reg.Execute(context.Background(), "t1", call("web_fetch", `{"url":"https://x"}`), "/ws"); r.Status != task.ResultSuccess {
			t.Fatalf("call %d: %+v", i, r)
		}
	}
	r := reg.Execute(context.Background(), "t1", call("web_fetch", `{"url":"https://x"}`), "/ws")
	if r.Status != task.ResultLimited {
		t.Fatalf("status = %s, want rate_limited", r.Status)
	}
}

func TestExecuteTimeout(t *testing.T) {
	reg := New(false)
	ft := newFakeTool("slow", CategoryCodeAnalysis)
	ft.meta.CustomTimeout = 20 * time.Millisecond
	ft.delay = 500 * time.Millisecond
	reg.Register(ft, AvailabilityContext{})

	r := reg.Execute(context.Background(), "t1", call("slow", `{}`), "/ws")
	if r.Status != task.ResultTimeout {
		t.Fatalf("status = %s, want timeout", r.Status)
	}
}

type recordingConfirmer struct {
	requests []ConfirmationRequest
	decision Decision
}

func (c *recordingConfirmer) Request(_ context.Context, req ConfirmationRequest) (Decision, error) {
	c.requests = append(c.requests, req)
	return c.decision, nil
}

func TestExecuteConfirmationOnAsk(t *testing.T) {
	reg := New(false)
	ft := newFakeTool("write_file", CategoryFileWrite)
	ft.meta.SummaryKeyArg = "path"
	reg.Register(ft, AvailabilityContext{})
	reg.Permission = staticPermission{PermAsk}
	confirmer := &recordingConfirmer{decision: DecisionAllowOnce}
	reg.Confirmer = confirmer

	r := reg.Execute(context.Background(), "t1", call("write_file", `{"path":"/ws/a.txt"}`), "/ws")
	if r.Status != task.ResultSuccess {
		t.Fatalf("approved call failed: %+v", r)
	}
	if len(confirmer.requests) != 1 {
		t.Fatalf("confirmer saw %d requests, want 1", len(confirmer.requests))
	}
	req := confirmer.requests[0]
	if req.ToolName != "write_file" || req.WorkspacePath != "/ws" {
		t.Fatalf("bad request: %+v", req)
	}
	if req.Summary == "" || req.Summary == "write_file" {
		t.Fatalf("summary should carry the path detail, got %q", req.Summary)
	}
}

func TestExecuteConfirmationDenied(t *testing.T) {
	reg := New(false)
	ft := newFakeTool("write_file", CategoryFileWrite)
	reg.Register(ft, AvailabilityContext{})
	reg.Permission = staticPermission{PermAsk}
	reg.Confirmer = &recordingConfirmer{decision: DecisionDeny}

	r := reg.Execute(context.Background(), "t1", call("write_file", `{"path":"/ws/a"}`), "/ws")
	if r.Status != task.ResultDenied {
		t.Fatalf("status = %s, want denied", r.Status)
	}
	if ft.calls.Load() != 0 {
		t.Fatal("denied tool must not run")
	}
}

func TestExecuteNoMatchRequiresConfirmationMetadata(t *testing.T) {
	reg := New(false)
	ft := newFakeTool("shell", CategoryExecution)
	ft.meta.RequiresConfirmation = true
	reg.Register(ft, AvailabilityContext{})
	confirmer := &recordingConfirmer{decision: DecisionAllowOnce}
	reg.Confirmer = confirmer
	// no Permission checker installed -> NoMatch

	reg.Execute(context.Background(), "t1", call("shell", `{"command":"make"}`), "/ws")
	if len(confirmer.requests) != 1 {
		t.Fatalf("NoMatch + RequiresConfirmation must prompt; saw %d requests", len(confirmer.requests))
	}
}

func TestExecuteTaskToolNeverConfirms(t *testing.T) {
	reg := New(false)
	ft := newFakeTool("task", CategoryCodeAnalysis)
	ft.meta.RequiresConfirmation = true
	reg.Register(ft, AvailabilityContext{})
	confirmer := &recordingConfirmer{decision: DecisionDeny}
	reg.Confirmer = confirmer

	r := reg.Execute(context.Background(), "t1", call("task", `{"description":"explore"}`), "/ws")
	if r.Status != task.ResultSuccess {
		t.Fatalf("task tool must bypass confirmation: %+v", r)
	}
	if len(confirmer.requests) != 0 {
		t.Fatal("task tool must never prompt")
	}
}

func TestExecuteStats(t *testing.T) {
	reg := New(false)
	ft := newFakeTool("read_file", CategoryFileRead)
	reg.Register(ft, AvailabilityContext{})
	reg.Execute(context.Background(), "t1", call("read_file", `{"path":"/ws/a"}`), "/ws")

	ft.run = func(context.Context, json.RawMessage) (*Result, error) {
		return nil, fmt.Errorf("boom")
	}
	reg.Execute(context.Background(), "t1", call("read_file", `{"path":"/ws/a"}`), "/ws")

	stats, ok := reg.Stats("read_file")
	if !ok {
		t.Fatal("no stats recorded")
	}
	if stats.Count != 2 || stats.Successes != 1 || stats.Failures != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestForkWithBlacklist(t *testing.T) {
	reg := New(false)
	reg.Register(newFakeTool("read_file", CategoryFileRead), AvailabilityContext{})
	reg.Register(newFakeTool("task", CategoryCodeAnalysis), AvailabilityContext{})
	reg.Register(newFakeTool("todowrite", CategoryCodeAnalysis), AvailabilityContext{})

	child := reg.ForkWithBlacklist([]string{"task", "todowrite"})

	if r := child.Execute(context.Background(), "t1", call("task", `{}`), "/ws"); r.Status != task.ResultDenied {
		t.Fatalf("blacklisted tool should be denied in child, got %s", r.Status)
	}
	if r := child.Execute(context.Background(), "t1", call("read_file", `{"path":"/ws/a"}`), "/ws"); r.Status != task.ResultSuccess {
		t.Fatalf("unblacklisted tool should still run, got %s", r.Status)
	}
	// Parent is unaffected.
	if r := reg.Execute(context.Background(), "t1", call("task", `{}`), "/ws"); r.Status != task.ResultSuccess {
		t.Fatalf("parent must keep task tool, got %s", r.Status)
	}

	defs := child.ToolDefs()
	for _, d := range defs {
		if d.Name == "task" || d.Name == "todowrite" {
			t.Fatalf("blacklisted tool %q leaked into child ToolDefs", d.Name)
		}
	}
}

func TestExecuteConfirmsOutOfWorkspaceWrites(t *testing.T) {
	reg := New(false)
	ft := newFakeTool("copy_file", CategoryFileWrite)
	// RequiresConfirmation deliberately false: the containment check is
	// the only thing that can demand a dialog here.
	reg.Register(ft, AvailabilityContext{})
	confirmer := &recordingConfirmer{decision: DecisionAllowOnce}
	reg.Confirmer = confirmer
	// no Permission checker -> NoMatch

	cases := []struct {
		name        string
		input       string
		wantConfirm bool
	}{
		{"inside workspace", `{"path":"sub/a.txt"}`, false},
		{"absolute inside", `{"path":"/ws/a.txt"}`, false},
		{"relative escape", `{"path":"../outside.txt"}`, true},
		{"nested relative escape", `{"destination":"sub/../../evil.txt"}`, true},
		{"absolute escape", `{"path":"/etc/passwd"}`, true},
		{"escape in nested object", `{"options":{"target":"/tmp/elsewhere"}}`, true},
		{"non-path args only", `{"content":"../looks/like/a/path"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := len(confirmer.requests)
			r := reg.Execute(context.Background(), "t1", task.ToolCall{ID: "c", Name: "copy_file", Input: json.RawMessage(tc.input)}, "/ws")
			if r.Status != task.ResultSuccess {
				t.Fatalf("result = %+v", r)
			}
			confirmed := len(confirmer.requests) > before
			if confirmed != tc.wantConfirm {
				t.Fatalf("confirmed = %v, want %v", confirmed, tc.wantConfirm)
			}
		})
	}
}

func TestExecuteReadCategorySkipsContainmentGate(t *testing.T) {
	reg := New(false)
	ft := newFakeTool("read_file", CategoryFileRead)
	reg.Register(ft, AvailabilityContext{})
	confirmer := &recordingConfirmer{decision: DecisionDeny}
	reg.Confirmer = confirmer

	// A read-category tool naming an outside path is not a write; the
	// containment gate only guards write-capable categories.
	r := reg.Execute(context.Background(), "t1", call("read_file", `{"path":"/etc/hosts"}`), "/ws")
	if r.Status != task.ResultSuccess || len(confirmer.requests) != 0 {
		t.Fatalf("read-category call prompted: %+v, %d requests", r, len(confirmer.requests))
	}
}

// escaperTool overrides containment via the WorkspaceEscaper interface.
type escaperTool struct {
	*fakeTool
	escapes bool
}

func (e *escaperTool) WritesOutsideWorkspace(json.RawMessage, string) bool { return e.escapes }

func TestExecuteWorkspaceEscaperOverride(t *testing.T) {
	reg := New(false)
	et := &escaperTool{fakeTool: newFakeTool("apply_patch", CategoryFileWrite), escapes: true}
	reg.Register(et, AvailabilityContext{})
	confirmer := &recordingConfirmer{decision: DecisionAllowOnce}
	reg.Confirmer = confirmer

	// The declared args carry no path fields at all; only the tool's own
	// predicate can know the patch touches files outside the workspace.
	reg.Execute(context.Background(), "t1", call("apply_patch", `{"patch":"@@ -1 +1 @@"}`), "/ws")
	if len(confirmer.requests) != 1 {
		t.Fatalf("escaper verdict ignored: %d requests", len(confirmer.requests))
	}
}

func TestPathEscapes(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"a.txt", false},
		{"sub/a.txt", false},
		{"/ws/sub/a.txt", false},
		{"..", true},
		{"../a.txt", true},
		{"sub/../../a.txt", true},
		{"/etc/passwd", true},
		{"", false},
	}
	for _, tc := range cases {
		if got := pathEscapes(tc.path, "/ws"); got != tc.want {
			t.Errorf("pathEscapes(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}
