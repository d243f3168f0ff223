// Package taskctx is the Task Context: one turn's mutable
// state: block journaling, message assembly, iteration/error counters,
// cancellation, terminal message handlers, checkpoint integration, and
// context-usage accounting.
//
// Cancellation is modeled as a context.Context derived token plus an
// atomic flag checked at every cooperative point.
package taskctx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgehub/agentic-core/internal/checkpoint"
	"github.com/forgehub/agentic-core/internal/llm"
	"github.com/forgehub/agentic-core/internal/task"
	"github.com/forgehub/agentic-core/internal/taskevents"
)

// subtaskToolName is the tool name the Subtask Runner is
// registered under. AddToolResults promotes a finished call of this tool
// from a generic Tool block into a Subtask block.
const subtaskToolName = "task"

// subtaskToolResult is the wire shape the "task" tool's Result.Content
// carries: run_subtask's {session_id, status, summary?}.
type subtaskToolResult struct {
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
}

// Status is a task's overall lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusError:
		return true
	default:
		return false
	}
}

// ErrInterrupted is returned by CheckAborted once Abort has been called.
var ErrInterrupted = fmt.Errorf("taskctx: interrupted")

// Limits bounds one turn.
type Limits struct {
	MaxIterations int
	MaxErrors     int
}

func DefaultLimits() Limits {
	return Limits{MaxIterations: 50, MaxErrors: 5}
}

// Context is one turn's mutable state.
type Context struct {
	TaskID        string
	SessionID     string
	WorkspaceRoot string
	AgentType     string
	ModelID       string

	EmitsTaskEvents bool // false for subtasks
	Sink            taskevents.Sink

	Checkpoints   *checkpoint.Engine
	CheckpointID  string

	limits Limits

	mu            sync.Mutex
	status        Status
	iteration     int
	errorCount    int
	message       *task.Message
	overlay       string
	pendingReady  bool

	aborted    atomic.Bool
	cancel     context.CancelFunc
	ctx        context.Context
	pauseCond  *sync.Cond
	paused     bool
}

// New creates a Context in status Created, wired to parentCtx for
// cancellation.
func New(parentCtx context.Context, taskID, sessionID, workspaceRoot, agentType, modelID string, limits Limits, sink taskevents.Sink, engine *checkpoint.Engine) *Context {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Context{
		TaskID:          taskID,
		SessionID:       sessionID,
		WorkspaceRoot:   workspaceRoot,
		AgentType:       agentType,
		ModelID:         modelID,
		EmitsTaskEvents: true,
		Sink:            sink,
		Checkpoints:     engine,
		limits:          limits,
		status:          StatusCreated,
		ctx:             ctx,
		cancel:          cancel,
	}
	c.pauseCond = sync.NewCond(&c.mu)
	return c
}

// Ctx returns the cancellation-bearing context for this task.
func (c *Context) Ctx() context.Context { return c.ctx }

// CreateStreamCancelToken returns a child context tied to c.ctx, for
// attaching to the LLM stream so cancellation propagates
// immediately.
func (c *Context) CreateStreamCancelToken() (context.Context, context.CancelFunc) {
	return context.WithCancel(c.ctx)
}

// --- status / counters ---

func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Context) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Context) CurrentIteration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iteration
}

// IncrementIteration advances the iteration counter; overlay state is
// left as it is.
func (c *Context) IncrementIteration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.iteration++
	return c.iteration
}

func (c *Context) IncrementErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
	return c.errorCount
}

func (c *Context) ResetErrorCount() {
	c.mu.Lock()
	c.errorCount = 0
	c.mu.Unlock()
}

// ShouldStop reports whether the turn must end: terminal status, or the
// iteration/error limits have been reached.
func (c *Context) ShouldStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if IsTerminal(c.status) {
		return true
	}
	if c.limits.MaxIterations > 0 && c.iteration >= c.limits.MaxIterations {
		return true
	}
	if c.limits.MaxErrors > 0 && c.errorCount >= c.limits.MaxErrors {
		return true
	}
	return false
}

// --- overlay (transient reminder injected into the next iteration) ---

func (c *Context) SetOverlay(text string) {
	c.mu.Lock()
	c.overlay = text
	c.mu.Unlock()
}

func (c *Context) ClearOverlay() {
	c.mu.Lock()
	c.overlay = ""
	c.mu.Unlock()
}

func (c *Context) Overlay() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlay
}

// --- cancellation ---

// Abort atomically sets the abort flag and cancels the stream/tool
// cancellation token.
func (c *Context) Abort() {
	c.aborted.Store(true)
	c.cancel()
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.pauseCond.Broadcast()
}

func (c *Context) IsAborted() bool { return c.aborted.Load() }

// Pause/Resume support check_aborted_async's "await resumption while
// paused" behavior.
func (c *Context) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *Context) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.pauseCond.Broadcast()
}

// CheckAborted returns ErrInterrupted if aborted; otherwise, unless
// noCheckPause is set, blocks while the task is paused.
func (c *Context) CheckAborted(noCheckPause bool) error {
	if c.aborted.Load() {
		return ErrInterrupted
	}
	if noCheckPause {
		return nil
	}
	c.mu.Lock()
	for c.paused && !c.aborted.Load() {
		c.pauseCond.Wait()
	}
	aborted := c.aborted.Load()
	c.mu.Unlock()
	if aborted {
		return ErrInterrupted
	}
	return nil
}

// --- checkpoint integration ---

// InitCheckpoint creates an empty checkpoint for messageID and records
// its handle on the context.
func (c *Context) InitCheckpoint(ctx context.Context, messageID string) error {
	if c.Checkpoints == nil {
		return nil
	}
	cp, err := c.Checkpoints.CreateEmpty(ctx, c.SessionID, messageID, c.WorkspaceRoot)
	if err != nil {
		return err
	}
	c.CheckpointID = cp.ID
	return nil
}

// InheritCheckpoint lets a subtask share the parent's checkpoint
// handle.
func (c *Context) InheritCheckpoint(checkpointID, workspaceRoot string) {
	c.CheckpointID = checkpointID
	if workspaceRoot != "" {
		c.WorkspaceRoot = workspaceRoot
	}
}

func (c *Context) ActiveCheckpointHandle() string { return c.CheckpointID }

// SnapshotFileBeforeEdit records path's pre-edit contents in the active
// checkpoint exactly once per checkpoint (idempotent).
func (c *Context) SnapshotFileBeforeEdit(ctx context.Context, path string) error {
	if c.Checkpoints == nil || c.CheckpointID == "" {
		return nil
	}
	return c.Checkpoints.SnapshotFileBeforeEdit(ctx, c.CheckpointID, path, c.WorkspaceRoot)
}

// --- context-usage accounting ---

// ContextUsage estimates (used, window) tokens: system prompt text plus
// all message contents, at 4 bytes per token.
func ContextUsage(systemPrompt string, messages []task.Message, modelID string) (used, window int) {
	total := len(systemPrompt)
	for _, m := range messages {
		for _, b := range m.Blocks {
			total += len(b.Content) + len(b.Output) + len(b.ThinkingSignature)
		}
	}
	window = llm.ContextWindow(modelID)
	used = total / 4
	return used, window
}

// --- block journaling ---

// emit forwards e to Sink when EmitsTaskEvents is true.
func (c *Context) emit(ctx context.Context, e taskevents.Event) {
	if !c.EmitsTaskEvents || c.Sink == nil {
		return
	}
	e.TaskID = c.TaskID
	c.Sink.Emit(ctx, e)
}

// SetMessage attaches the assistant message this turn is building.
func (c *Context) SetMessage(m *task.Message) {
	c.mu.Lock()
	c.message = m
	c.mu.Unlock()
}

func (c *Context) Message() *task.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.message
}

// AppendBlock appends block to the active message and emits BlockAppended.
func (c *Context) AppendBlock(ctx context.Context, block task.Block) {
	c.mu.Lock()
	if c.message != nil {
		c.message.Blocks = append(c.message.Blocks, block)
	}
	msgID := ""
	if c.message != nil {
		msgID = c.message.ID
	}
	c.mu.Unlock()

	c.emit(ctx, taskevents.Event{Kind: taskevents.BlockAppended, MessageID: msgID, Block: &block})
}

// UpdateBlock replaces the block with matching ID in place and emits
// BlockUpdated.
func (c *Context) UpdateBlock(ctx context.Context, id string, block task.Block) {
	c.mu.Lock()
	msgID := ""
	if c.message != nil {
		msgID = c.message.ID
		for i := range c.message.Blocks {
			if c.message.Blocks[i].ID == id {
				c.message.Blocks[i] = block
				break
			}
		}
	}
	c.mu.Unlock()

	c.emit(ctx, taskevents.Event{Kind: taskevents.BlockUpdated, MessageID: msgID, BlockID: id, Block: &block})
}

// UpsertBlock updates block if its ID already exists, else appends it.
func (c *Context) UpsertBlock(ctx context.Context, block task.Block) {
	c.mu.Lock()
	found := false
	if c.message != nil {
		for i := range c.message.Blocks {
			if c.message.Blocks[i].ID == block.ID {
				c.message.Blocks[i] = block
				found = true
				break
			}
		}
	}
	c.mu.Unlock()

	if found {
		c.UpdateBlock(ctx, block.ID, block)
		return
	}
	c.AppendBlock(ctx, block)
}

// --- message assembly ---

// AddAssistantMessage appends a Text block (if text is non-empty) and
// upserts one Tool block per tool use into the active message; tool
// blocks are usually already present as Pending from streaming
// ContentBlockStart, so this fills in their parsed Input rather than
// duplicating the block.
func (c *Context) AddAssistantMessage(ctx context.Context, text string, toolUses []task.Block) {
	if text != "" {
		c.AppendBlock(ctx, task.Block{Type: task.BlockText, Content: text})
	}
	for _, tu := range toolUses {
		tu.Type = task.BlockTool
		c.UpsertBlock(ctx, tu)
	}
}

// AddToolResults renders each result as an update to its Tool block,
// setting IsError from the result status.
func (c *Context) AddToolResults(ctx context.Context, results []task.ToolResult) {
	c.mu.Lock()
	var blocks []task.Block
	if c.message != nil {
		blocks = c.message.Blocks
	}
	c.mu.Unlock()

	for _, r := range results {
		for _, b := range blocks {
			if b.Type == task.BlockTool && b.CallID == r.ToolCallID {
				status := task.ToolCompleted
				if r.Cancelled {
					status = task.ToolCancelled
				} else if r.IsError() {
					status = task.ToolError
				}
				b.ToolStatus = status
				b.Output = r.Content
				b.IsError = r.IsError()
				b.FinishedAt = time.Now()
				if b.ToolName == subtaskToolName {
					promoteSubtaskBlock(&b, r)
				}
				c.UpdateBlock(ctx, b.ID, b)
				break
			}
		}
	}
}

// promoteSubtaskBlock turns a finished "task" Tool block into a Subtask
// block: Description/Agent come from the call's own
// input args, ChildSessionID/Summary from the tool's result payload.
func promoteSubtaskBlock(b *task.Block, r task.ToolResult) {
	b.Type = task.BlockSubtask
	if desc, ok := b.Input["description"].(string); ok {
		b.Description = desc
	}
	if agent, ok := b.Input["subagent_type"].(string); ok {
		b.Agent = agent
	}
	if r.IsError() {
		b.Summary = r.Content
		return
	}
	var parsed subtaskToolResult
	if err := json.Unmarshal([]byte(r.Content), &parsed); err != nil {
		return
	}
	b.ChildSessionID = parsed.SessionID
	b.Summary = parsed.Summary
}

// AddUserMessageWithReminders prepends each reminder wrapped in
// <system-reminder> tags ahead of the user's text block.
func (c *Context) AddUserMessageWithReminders(ctx context.Context, text string, images []task.Block, reminders []string) {
	for _, r := range reminders {
		c.AppendBlock(ctx, task.Block{Type: task.BlockUserText, Content: wrapReminder(r)})
	}
	if text != "" {
		c.AppendBlock(ctx, task.Block{Type: task.BlockUserText, Content: text})
	}
	for _, img := range images {
		img.Type = task.BlockUserImage
		c.AppendBlock(ctx, img)
	}
}

func wrapReminder(r string) string {
	const open, close = "<system-reminder>", "</system-reminder>"
	if hasPrefix(r, open) {
		return r
	}
	return open + r + close
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// --- terminal message handlers ---

// FinishAssistantMessage marks the active message Completed/Error and
// emits MessageFinished.
func (c *Context) FinishAssistantMessage(ctx context.Context, status task.MessageStatus, tokens *task.TokenUsage, usage *task.ContextUsage) {
	c.mu.Lock()
	var msgID string
	var started time.Time
	if c.message != nil {
		c.message.Status = status
		c.message.FinishedAt = time.Now()
		c.message.TokenUsage = tokens
		c.message.ContextUsage = usage
		msgID = c.message.ID
		started = c.message.CreatedAt
	}
	c.mu.Unlock()

	if status == task.MessageCompleted {
		c.setStatus(StatusCompleted)
	}

	dur := time.Duration(0)
	if !started.IsZero() {
		dur = time.Since(started)
	}
	c.emit(ctx, taskevents.Event{
		Kind: taskevents.MessageFinished, MessageID: msgID, Status: status,
		FinishedAt: time.Now(), DurationMS: dur.Milliseconds(), TokenUsage: tokens, Context: usage,
	})
	if status == task.MessageCompleted {
		c.emit(ctx, taskevents.Event{Kind: taskevents.TaskCompleted})
	}
}

// finalizeInFlight flips any in-flight streaming blocks and Pending/
// Running Tool/Subtask blocks to the given ToolStatus, used by
// FailAssistantMessage and CancelAssistantMessage.
func (c *Context) finalizeInFlight(ctx context.Context, toolStatus task.ToolStatus) {
	c.mu.Lock()
	var blocks []task.Block
	if c.message != nil {
		blocks = append(blocks, c.message.Blocks...)
	}
	c.mu.Unlock()

	for _, b := range blocks {
		switch b.Type {
		case task.BlockText, task.BlockThinking:
			if b.IsStreaming {
				b.IsStreaming = false
				c.UpdateBlock(ctx, b.ID, b)
			}
		case task.BlockTool, task.BlockSubtask:
			if b.ToolStatus == task.ToolPending || b.ToolStatus == task.ToolRunning {
				b.ToolStatus = toolStatus
				c.UpdateBlock(ctx, b.ID, b)
			}
		}
	}
}

// FailAssistantMessage appends errBlock, flips in-flight blocks to Error,
// and finishes the message as Error.
func (c *Context) FailAssistantMessage(ctx context.Context, errBlock task.Block) {
	errBlock.Type = task.BlockError
	c.AppendBlock(ctx, errBlock)
	c.finalizeInFlight(ctx, task.ToolError)
	c.setStatus(StatusError)
	c.FinishAssistantMessage(ctx, task.MessageError, nil, nil)
	c.emit(ctx, taskevents.Event{Kind: taskevents.TaskError, Error: errBlock.Content})
}

// CancelAssistantMessage flips in-flight blocks to Cancelled and finishes
// the message as Cancelled.
func (c *Context) CancelAssistantMessage(ctx context.Context) {
	c.finalizeInFlight(ctx, task.ToolCancelled)
	c.setStatus(StatusCancelled)
	c.mu.Lock()
	if c.message != nil {
		c.message.Status = task.MessageCancelled
		c.message.FinishedAt = time.Now()
	}
	c.mu.Unlock()
	c.emit(ctx, taskevents.Event{Kind: taskevents.MessageFinished, Status: task.MessageCancelled, FinishedAt: time.Now()})
	c.emit(ctx, taskevents.Event{Kind: taskevents.TaskCancelled})
}

// SetRunning transitions the task to Running.
func (c *Context) SetRunning() { c.setStatus(StatusRunning) }
