// Package tools is the Tool Registry and Parallel Batcher: a name->tool
// map with category/priority metadata, alias resolution,
// permission/confirmation gating, rate limiting, timeouts, and execution
// stats.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/forgehub/agentic-core/internal/llm"
	"github.com/forgehub/agentic-core/internal/task"
)

// Category classifies a tool for batching and default
// confirmation policy.
type Category string

const (
	CategoryFileRead     Category = "file_read"
	CategoryFileWrite    Category = "file_write"
	CategoryCodeAnalysis Category = "code_analysis"
	CategoryExecution    Category = "execution"
	CategoryNetwork      Category = "network"
	CategoryFileSystem   Category = "file_system"
	CategoryTerminal     Category = "terminal"
)

// ExecutionMode is Parallel or Sequential, selected per Category.
type ExecutionMode string

const (
	ModeParallel   ExecutionMode = "parallel"
	ModeSequential ExecutionMode = "sequential"
)

// modeByCategory selects how each category's calls are dispatched.
var modeByCategory = map[Category]ExecutionMode{
	CategoryFileRead:     ModeParallel,
	CategoryCodeAnalysis: ModeParallel,
	CategoryFileSystem:   ModeParallel,
	CategoryNetwork:      ModeParallel,
	CategoryFileWrite:    ModeSequential,
	CategoryExecution:    ModeSequential,
	CategoryTerminal:     ModeSequential,
}

// ModeOf returns the execution mode for a category, defaulting to
// Sequential for unrecognized categories (fail safe toward serialization).
func ModeOf(cat Category) ExecutionMode {
	if m, ok := modeByCategory[cat]; ok {
		return m
	}
	return ModeSequential
}

// Priority selects a tool's default timeout.
type Priority string

const (
	PriorityCritical Priority = "critical" // 5s
	PriorityStandard Priority = "standard" // 30s
	PriorityExpensive Priority = "expensive" // 120s
)

func (p Priority) DefaultTimeout() time.Duration {
	switch p {
	case PriorityCritical:
		return 5 * time.Second
	case PriorityExpensive:
		return 120 * time.Second
	default:
		return 30 * time.Second
	}
}

// RateLimit configures a sliding-window call limit for one tool.
type RateLimit struct {
	MaxCalls   int
	WindowSecs int
	Backoff    time.Duration // advisory only; the core does not retry
}

// Metadata describes a registered tool's behavior.
type Metadata struct {
	Category             Category
	Priority             Priority
	CustomTimeout         time.Duration // overrides Priority.DefaultTimeout when non-zero
	RateLimit             *RateLimit
	RequiresConfirmation  bool
	Tags                  map[string]bool
	SummaryKeyArg         string // which input arg to render in confirmation summaries
}

func (m Metadata) Timeout() time.Duration {
	if m.CustomTimeout > 0 {
		return m.CustomTimeout
	}
	return m.Priority.DefaultTimeout()
}

// Tool is the dispatch contract every registered tool implements. Tools differ only in name, schema,
// metadata, and Run.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Metadata() Metadata
	Run(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Result is what a Tool.Run call returns before the registry wraps it
// into a task.ToolResult.
type Result struct {
	Content string
	IsError bool
}

// Stats tracks per-tool execution counters.
type Stats struct {
	Count       int64
	Successes   int64
	Failures    int64
	TotalTime   time.Duration
	LastTime    time.Duration
	LastRanAt   time.Time
}

func (s Stats) AvgTime() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.Count)
}

type entry struct {
	tool      Tool
	meta      Metadata
	limiter   *slidingWindowLimiter
	statsMu   sync.Mutex
	stats     Stats
}

// Registry is the Tool Registry: name->tool map plus
// aliases, a shared Confirmation Manager, and a permission checker.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	aliases map[string]string

	chatMode bool

	Confirmer  Confirmer
	Permission PermissionChecker
	ToolFilter func(name string) bool // agent-specific disallow list; nil = allow all
}

// Confirmer is the subset of confirmation.Manager the registry needs,
// kept as an interface here to avoid an import cycle (internal/tools is
// lower-level than internal/confirmation's workspace notion).
type Confirmer interface {
	Request(ctx context.Context, req ConfirmationRequest) (Decision, error)
}

// ConfirmationRequest is what Execute asks the Confirmer to resolve.
type ConfirmationRequest struct {
	TaskID        string
	WorkspacePath string
	ToolName      string
	Summary       string
	Permission    string
	Patterns      []string
}

// Decision is the user's (or a persisted rule's) answer to a confirmation.
type Decision string

const (
	DecisionAllowOnce   Decision = "allow_once"
	DecisionAllowAlways Decision = "allow_always"
	DecisionDeny        Decision = "deny"
)

// PermissionDecision is the session permission checker's verdict on a
// ToolAction.
type PermissionDecision string

const (
	PermAllow   PermissionDecision = "allow"
	PermAsk     PermissionDecision = "ask"
	PermDeny    PermissionDecision = "deny"
	PermNoMatch PermissionDecision = "no_match"
)

// ToolAction is the normalized permission-check input built from a tool
// call: the tool action tag, the workspace root, and
// one or more param variants used for prefix matching (e.g. shell command
// prefixes).
type ToolAction struct {
	Tool          string
	WorkspaceRoot string
	ParamVariants []string
}

// PermissionChecker decides Allow/Ask/Deny/NoMatch for a ToolAction.
type PermissionChecker interface {
	Check(action ToolAction) PermissionDecision
}

// New creates an empty Registry. chatMode, when true, silently rejects
// FileWrite and Execution tools at Register time.
func New(chatMode bool) *Registry {
	return &Registry{
		tools:    make(map[string]*entry),
		aliases:  make(map[string]string),
		chatMode: chatMode,
	}
}

// AvailabilityContext is passed to a tool's optional IsAvailable check
// (e.g. semantic search requires a vector index).
type AvailabilityContext struct {
	HasVectorIndex bool
	HasMCP         bool
	Extra          map[string]any
}

// Availabler is implemented by tools whose registration is conditional.
type Availabler interface {
	IsAvailable(ctx AvailabilityContext) bool
}

// Register adds tool to the registry, applying the chat-mode and
// availability gates. Returns false if the tool
// was silently dropped.
func (r *Registry) Register(t Tool, availability AvailabilityContext) bool {
	meta := t.Metadata()
	if r.chatMode && (meta.Category == CategoryFileWrite || meta.Category == CategoryExecution) {
		return false
	}
	if av, ok := t.(Availabler); ok && !av.IsAvailable(availability) {
		return false
	}

	e := &entry{tool: t, meta: meta}
	if meta.RateLimit != nil {
		e.limiter = newSlidingWindowLimiter(meta.RateLimit.MaxCalls, time.Duration(meta.RateLimit.WindowSecs)*time.Second)
	}

	r.mu.Lock()
	r.tools[t.Name()] = e
	r.mu.Unlock()
	return true
}

// ForkWithBlacklist builds a child Registry sharing
// this Registry's tool set, Confirmer, and Permission checker, but
// rejecting the given tool names in addition to any existing ToolFilter.
// Used by the Subtask Runner so a child session cannot recursively spawn
// more subtasks.
func (r *Registry) ForkWithBlacklist(blacklist []string) *Registry {
	deny := make(map[string]struct{}, len(blacklist))
	for _, name := range blacklist {
		deny[strings.ToLower(name)] = struct{}{}
	}
	parentFilter := r.ToolFilter

	child := &Registry{
		tools:      make(map[string]*entry),
		aliases:    make(map[string]string),
		chatMode:   r.chatMode,
		Confirmer:  r.Confirmer,
		Permission: r.Permission,
	}

	r.mu.RLock()
	for name, e := range r.tools {
		child.tools[name] = e
	}
	for alias, canonical := range r.aliases {
		child.aliases[alias] = canonical
	}
	r.mu.RUnlock()

	child.ToolFilter = func(name string) bool {
		if _, blocked := deny[strings.ToLower(name)]; blocked {
			return false
		}
		if parentFilter != nil {
			return parentFilter(name)
		}
		return true
	}
	return child
}

// Alias registers an alternate name that resolves to canonical.
func (r *Registry) Alias(alias, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = canonical
}

func (r *Registry) resolve(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[name]; ok {
		return canonical
	}
	return name
}

// Get returns the tool registered under name (after alias resolution).
func (r *Registry) Get(name string) (Tool, Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[r.resolve(name)]
	if !ok {
		return nil, Metadata{}, false
	}
	return e.tool, e.meta, true
}

// List returns every registered tool, for building the LLM request's
// tools[] array.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.tool)
	}
	return out
}

// ToolDefs renders every tool this ToolFilter allows into the LLM
// collaborator's tool-definition shape, for the ReAct
// Orchestrator's request.Tools.
func (r *Registry) ToolDefs() []llm.ToolDef {
	tools := r.List()
	defs := make([]llm.ToolDef, 0, len(tools))
	for _, t := range tools {
		if r.ToolFilter != nil && !r.ToolFilter(t.Name()) {
			continue
		}
		defs = append(defs, llm.ToolDef{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	return defs
}

// Stats returns a snapshot of one tool's execution stats.
func (r *Registry) Stats(name string) (Stats, bool) {
	r.mu.RLock()
	e, ok := r.tools[r.resolve(name)]
	r.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats, true
}

func (r *Registry) recordStats(e *entry, dur time.Duration, success bool) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.Count++
	if success {
		e.stats.Successes++
	} else {
		e.stats.Failures++
	}
	e.stats.TotalTime += dur
	e.stats.LastTime = dur
	e.stats.LastRanAt = time.Now()
}

// taskToolName is exempt from metadata- and containment-driven
// confirmation; an Ask verdict from the permission checker still prompts.
const taskToolName = "task"

// Execute runs one tool call through the full pipeline: alias resolution,
// permission check, rate limit, confirmation, timeout, stats.
func (r *Registry) Execute(ctx context.Context, taskID string, call task.ToolCall, workspaceRoot string) task.ToolResult {
	name := r.resolve(call.Name)

	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return task.ToolResult{ToolCallID: call.ID, Status: task.ResultError, Content: "tool not found: " + call.Name}
	}

	action := ToolAction{Tool: name, WorkspaceRoot: workspaceRoot, ParamVariants: paramVariants(call)}

	if r.ToolFilter != nil && !r.ToolFilter(name) {
		return task.ToolResult{ToolCallID: call.ID, Status: task.ResultDenied, Content: "tool disallowed for this agent: " + name}
	}

	decision := PermNoMatch
	if r.Permission != nil {
		decision = r.Permission.Check(action)
	}
	if decision == PermDeny {
		return task.ToolResult{ToolCallID: call.ID, Status: task.ResultDenied, Content: "denied by permission policy: " + name}
	}

	if e.limiter != nil && !e.limiter.Allow(time.Now()) {
		return task.ToolResult{ToolCallID: call.ID, Status: task.ResultLimited, Content: "rate limit exceeded: " + name}
	}

	needsConfirm := decision == PermAsk
	if decision == PermNoMatch && name != taskToolName {
		needsConfirm = e.meta.RequiresConfirmation || writesOutsideWorkspace(e.tool, e.meta, call, workspaceRoot)
	}
	if needsConfirm && r.Confirmer != nil {
		summary := renderSummary(e, call)
		d, err := r.Confirmer.Request(ctx, ConfirmationRequest{
			TaskID: taskID, WorkspacePath: workspaceRoot, ToolName: name,
			Summary: summary, Permission: name, Patterns: action.ParamVariants,
		})
		if err != nil || d == DecisionDeny {
			return task.ToolResult{ToolCallID: call.ID, Status: task.ResultDenied, Content: "denied: " + name}
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.meta.Timeout())
	defer cancel()

	start := time.Now()
	result, err := e.tool.Run(runCtx, call.Input)
	dur := time.Since(start)

	if runCtx.Err() != nil {
		r.recordStats(e, dur, false)
		return task.ToolResult{ToolCallID: call.ID, Status: task.ResultTimeout, Content: fmt.Sprintf("tool %q timed out after %s", name, e.meta.Timeout())}
	}
	if err != nil {
		r.recordStats(e, dur, false)
		return task.ToolResult{ToolCallID: call.ID, Status: task.ResultError, Content: err.Error()}
	}

	r.recordStats(e, dur, !result.IsError)
	status := task.ResultSuccess
	if result.IsError {
		status = task.ResultError
	}
	return task.ToolResult{ToolCallID: call.ID, Status: status, Content: result.Content}
}

func renderSummary(e *entry, call task.ToolCall) string {
	return DisplayFor(e.tool.Name(), e.meta, call.Input).String()
}

// WorkspaceEscaper lets a tool answer the containment question itself
// when its arguments are not plain path fields (a structured patch
// format, an archive manifest). Tools without it get the generic
// path-argument inspection below.
type WorkspaceEscaper interface {
	WritesOutsideWorkspace(args json.RawMessage, workspaceRoot string) bool
}

// pathArgKeys are the argument names treated as filesystem paths when
// deciding whether a call touches ground outside the workspace root.
var pathArgKeys = map[string]bool{
	"path":        true,
	"file_path":   true,
	"cwd":         true,
	"dir":         true,
	"directory":   true,
	"destination": true,
	"target":      true,
	"output_path": true,
}

// writesOutsideWorkspace reports whether a write-capable call names a
// filesystem path resolving outside workspaceRoot. A tool implementing
// WorkspaceEscaper answers for itself; otherwise every path-like
// argument (nested objects and arrays included) is resolved against the
// root.
func writesOutsideWorkspace(t Tool, meta Metadata, call task.ToolCall, workspaceRoot string) bool {
	if esc, ok := t.(WorkspaceEscaper); ok {
		return esc.WritesOutsideWorkspace(call.Input, workspaceRoot)
	}
	switch meta.Category {
	case CategoryFileWrite, CategoryExecution, CategoryTerminal, CategoryFileSystem:
	default:
		return false
	}
	var args any
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return false
	}
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return false
	}
	return anyPathEscapes(args, root)
}

func anyPathEscapes(v any, root string) bool {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if s, ok := val.(string); ok {
				if pathArgKeys[strings.ToLower(k)] && pathEscapes(s, root) {
					return true
				}
				continue
			}
			if anyPathEscapes(val, root) {
				return true
			}
		}
	case []any:
		for _, val := range t {
			if anyPathEscapes(val, root) {
				return true
			}
		}
	}
	return false
}

// pathEscapes resolves path against root and reports whether it lands
// outside: absolute paths are cleaned as-is, relative ones joined to
// root, then compared via filepath.Rel.
func pathEscapes(path, root string) bool {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return false
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(root, clean)
	}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return true
	}
	return rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

func paramVariants(call task.ToolCall) []string {
	var args map[string]any
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return nil
	}
	variants := make([]string, 0, len(args))
	if cmd, ok := args["command"].(string); ok {
		variants = append(variants, cmd)
	}
	if path, ok := args["path"].(string); ok {
		variants = append(variants, path)
	}
	return variants
}
