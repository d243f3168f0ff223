// Package executor is the Task Executor: admission (workspace
// canonicalization, same-session supersede, the global active-task cap),
// skeleton-message creation, a background phase that bootstraps tools,
// backfills subtask summaries, restores history, composes the system
// prompt, and drives the ReAct Orchestrator, a post-loop syntax-diagnostics
// repair loop, and drop-guard cleanup.
//
// The cheap synchronous admission runs first; everything that can touch
// the network is handed to a goroutine so the caller is never blocked.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgehub/agentic-core/internal/agentconfig"
	"github.com/forgehub/agentic-core/internal/checkpoint"
	"github.com/forgehub/agentic-core/internal/compaction"
	"github.com/forgehub/agentic-core/internal/confirmation"
	"github.com/forgehub/agentic-core/internal/filetracker"
	"github.com/forgehub/agentic-core/internal/llm"
	"github.com/forgehub/agentic-core/internal/prompt"
	"github.com/forgehub/agentic-core/internal/reactloop"
	"github.com/forgehub/agentic-core/internal/sessionstore"
	"github.com/forgehub/agentic-core/internal/subtask"
	"github.com/forgehub/agentic-core/internal/task"
	"github.com/forgehub/agentic-core/internal/taskctx"
	"github.com/forgehub/agentic-core/internal/taskevents"
	"github.com/forgehub/agentic-core/internal/tools/builtin"
	"github.com/forgehub/agentic-core/internal/tools"
	"github.com/forgehub/agentic-core/internal/workspacewatch"
)

// MaxActiveTasksGlobal caps concurrent
// user-facing tasks; subtasks are excluded from the count.
const MaxActiveTasksGlobal = 5

// maxRepairRounds bounds the post-turn syntax-diagnostics repair
// loop.
const maxRepairRounds = 2

// titleCharBudget truncates a new session's title to the prompt's first
// characters.
const titleCharBudget = 100

var (
	ErrEmptyWorkspace     = errors.New("executor: workspace path is required")
	ErrTooManyActiveTasks = errors.New("executor: TooManyActiveTasksGlobal")
)

// Diagnostic is one syntax error reported against a recently edited
// file.
type Diagnostic struct {
	Path    string
	Message string
}

// CommandTemplates renders a slash-command body with `{{input}}`
// substitution.
type CommandTemplates interface {
	Render(commandID, input string) (string, error)
}

// MCPBootstrap loads workspace settings and registers any MCP-discovered
// tools into registry.
type MCPBootstrap interface {
	Bootstrap(ctx context.Context, workspacePath string, registry *tools.Registry) error
}

// SyntaxDiagnostics checks edited files for syntax errors after a turn
// completes.
type SyntaxDiagnostics interface {
	Check(ctx context.Context, workspacePath string, editedPaths []string) ([]Diagnostic, error)
}

// RegistryFactory builds a fresh per-task Tool Registry bound to tc's
// workspace, already wired with the base (file/shell/etc.) tools and a
// Confirmer. It receives
// the full taskctx.Context, not just the workspace path, so a write tool's
// BeforeWrite hook can call tc.SnapshotFileBeforeEdit against this turn's
// active checkpoint.
type RegistryFactory func(tc *taskctx.Context) *tools.Registry

// TrackerFactory builds the File Context Tracker for one turn. The
// default returns a bare filetracker.Tracker; a caller that wants the
// external workspace-change notice can swap this out for one
// that attaches an internal/workspacewatch.Watcher before returning.
type TrackerFactory func(workspacePath string) *filetracker.Tracker

// ChangeFeed supplies the external workspace-change notices accumulated
// since the previous turn. The executor drains the feed before entering
// the loop and hands the rendered notice to the model as a transient
// system reminder; it is never persisted as a message.
type ChangeFeed interface {
	DrainChanges() []workspacewatch.Change
}

// ExecuteTaskParams is the input to ExecuteTask.
type ExecuteTaskParams struct {
	WorkspacePath string
	SessionID     string // "" creates a new session
	UserPrompt    string
	ModelID       string
	AgentType     string
	CommandID     string // "" skips template rendering
	Images        []task.Block
	Reminders     []string
}

// Executor is the Task Executor.
type Executor struct {
	Store        *sessionstore.Store
	Checkpoints  *checkpoint.Engine
	Sink         taskevents.Sink
	Confirmation *confirmation.Manager
	Configs      subtask.AgentConfigs
	Commands     CommandTemplates
	MCP          MCPBootstrap
	Diagnostics  SyntaxDiagnostics
	Compact      *compaction.Trigger
	Provider     llm.Provider // used for subtask-summary backfill calls
	NewRegistry  RegistryFactory
	NewTracker   TrackerFactory
	Changes      ChangeFeed
	Subtasks     *subtask.Runner

	DefaultModelID   string
	DefaultProvider  string
	DefaultAgentType string
	Limits           taskctx.Limits

	Log *slog.Logger

	mu        sync.Mutex
	byID      map[string]*taskctx.Context
	bySession map[string]string // sessionID -> taskID, user-facing tasks only
}

func (e *Executor) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// New constructs an Executor with empty active-task bookkeeping.
func New() *Executor {
	return &Executor{
		byID:      make(map[string]*taskctx.Context),
		bySession: make(map[string]string),
	}
}

// Register implements subtask.ActiveTasks, so the Subtask Runner can share
// this Executor's active-tasks map (subtasks never count toward
// MaxActiveTasksGlobal since they are never added to bySession).
func (e *Executor) Register(tc *taskctx.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byID[tc.TaskID] = tc
	if tc.EmitsTaskEvents {
		e.bySession[tc.SessionID] = tc.TaskID
	}
}

// Remove implements subtask.ActiveTasks.
func (e *Executor) Remove(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tc, ok := e.byID[taskID]; ok && e.bySession[tc.SessionID] == taskID {
		delete(e.bySession, tc.SessionID)
	}
	delete(e.byID, taskID)
}

func (e *Executor) get(taskID string) (*taskctx.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, ok := e.byID[taskID]
	return tc, ok
}

func (e *Executor) bySessionID(sessionID string) (*taskctx.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.bySession[sessionID]
	if !ok {
		return nil, false
	}
	tc, ok := e.byID[id]
	return tc, ok
}

func (e *Executor) userFacingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bySession)
}

// ExecuteTask runs the turn's admission phase: workspace validation,
// session resolution, skeleton-message
// creation, and handoff to a background goroutine for the rest of the
// turn. It returns as soon as status is set to Running.
func (e *Executor) ExecuteTask(ctx context.Context, params ExecuteTaskParams) (*taskctx.Context, error) {
	if strings.TrimSpace(params.WorkspacePath) == "" {
		return nil, ErrEmptyWorkspace
	}
	workspace, err := checkpoint.Canonicalize(params.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("executor: canonicalizing workspace: %w", err)
	}

	session, err := e.resolveSession(ctx, workspace, params)
	if err != nil {
		return nil, fmt.Errorf("executor: resolving session: %w", err)
	}

	if prior, ok := e.bySessionID(session.ID); ok {
		e.log().Info("superseding running task", "session_id", session.ID, "task_id", prior.TaskID)
		prior.Abort()
		prior.CancelAssistantMessage(ctx)
		if e.Confirmation != nil {
			e.Confirmation.CancelAllForTask(prior.TaskID)
		}
		e.Remove(prior.TaskID)
	}

	if e.userFacingCount() >= MaxActiveTasksGlobal {
		return nil, ErrTooManyActiveTasks
	}

	renderedPrompt, err := e.renderCommand(params)
	if err != nil {
		return nil, fmt.Errorf("executor: rendering command template: %w", err)
	}

	agentType := params.AgentType
	if agentType == "" {
		agentType = e.DefaultAgentType
	}
	modelID := params.ModelID
	if modelID == "" {
		modelID = session.Model
	}
	if modelID == "" {
		modelID = e.DefaultModelID
	}

	taskID := uuid.NewString()
	tc := taskctx.New(ctx, taskID, session.ID, workspace, agentType, modelID, e.limits(), e.Sink, e.Checkpoints)
	e.Register(tc)

	emitEvent(ctx, tc, taskevents.Event{Kind: taskevents.TaskCreated, SessionID: session.ID, WorkspacePath: workspace})

	userMsg := &task.Message{ID: uuid.NewString(), SessionID: session.ID, Role: task.RoleUser, Status: task.MessageCompleted, CreatedAt: time.Now()}
	tc.SetMessage(userMsg)
	emitEvent(ctx, tc, taskevents.Event{Kind: taskevents.MessageCreated, Message: userMsg})
	e.persistMessage(ctx, userMsg, false, false, agentType, "", modelID, session.Provider)

	assistantMsg := &task.Message{ID: uuid.NewString(), SessionID: session.ID, Role: task.RoleAssistant, Status: task.MessageStreaming, CreatedAt: time.Now()}
	tc.SetMessage(assistantMsg)
	emitEvent(ctx, tc, taskevents.Event{Kind: taskevents.MessageCreated, Message: assistantMsg})
	e.persistMessage(ctx, assistantMsg, false, false, agentType, "", modelID, session.Provider)

	if err := tc.InitCheckpoint(ctx, userMsg.ID); err != nil {
		tc.FailAssistantMessage(ctx, task.Block{Content: err.Error(), Code: "task.checkpoint_init_failed"})
		e.Remove(tc.TaskID)
		return tc, fmt.Errorf("executor: initializing checkpoint: %w", err)
	}

	tc.SetRunning()
	if e.Store != nil && e.Store.Sessions != nil {
		_ = e.Store.Sessions.UpdateStatus(ctx, session.ID, sessionstore.SessionRunning)
	}

	go e.runBackground(tc, session, renderedPrompt, userMsg, assistantMsg, params)

	return tc, nil
}

// CancelTask aborts a running task by id.
func (e *Executor) CancelTask(ctx context.Context, taskID string, reason string) bool {
	tc, ok := e.get(taskID)
	if !ok {
		return false
	}
	e.log().Info("cancelling task", "task_id", taskID, "reason", reason)
	tc.Abort()
	tc.CancelAssistantMessage(ctx)
	if e.Confirmation != nil {
		e.Confirmation.CancelAllForTask(taskID)
	}
	e.Remove(taskID)
	return true
}

func (e *Executor) limits() taskctx.Limits {
	if e.Limits == (taskctx.Limits{}) {
		return taskctx.DefaultLimits()
	}
	return e.Limits
}

// resolveSession finds or creates the turn's session: reuse
// params.SessionID if given, else create one titled from the prompt's
// first 100 characters.
func (e *Executor) resolveSession(ctx context.Context, workspace string, params ExecuteTaskParams) (*sessionstore.Session, error) {
	if params.SessionID != "" {
		return e.Store.Sessions.Get(ctx, params.SessionID)
	}
	title := params.UserPrompt
	if len(title) > titleCharBudget {
		title = title[:titleCharBudget]
	}
	agentType := params.AgentType
	if agentType == "" {
		agentType = e.DefaultAgentType
	}
	model := params.ModelID
	if model == "" {
		model = e.DefaultModelID
	}
	return e.Store.Sessions.Create(ctx, workspace, title, agentType, "", "", model, e.DefaultProvider)
}

// renderCommand substitutes the prompt into a selected command template.
func (e *Executor) renderCommand(params ExecuteTaskParams) (string, error) {
	if params.CommandID == "" || e.Commands == nil {
		return params.UserPrompt, nil
	}
	return e.Commands.Render(params.CommandID, params.UserPrompt)
}

func (e *Executor) persistMessage(ctx context.Context, m *task.Message, isSummary, isInternal bool, agentType, parentID, model, provider string) {
	if e.Store == nil || e.Store.Messages == nil {
		return
	}
	_ = e.Store.Messages.Create(ctx, m, isSummary, isInternal, agentType, parentID, model, provider)
}

// emitEvent is the package-level equivalent of taskctx.Context's private
// emit, used here because TaskCreated/MessageCreated events originate
// outside any method on Context.
func emitEvent(ctx context.Context, tc *taskctx.Context, e taskevents.Event) {
	if !tc.EmitsTaskEvents || tc.Sink == nil {
		return
	}
	e.TaskID = tc.TaskID
	tc.Sink.Emit(ctx, e)
}

// runBackground is everything after admission: bootstrap, history
// restore, prompt composition, the ReAct loop, and repair rounds.
func (e *Executor) runBackground(tc *taskctx.Context, session *sessionstore.Session, renderedPrompt string, userMsg, assistantMsg *task.Message, params ExecuteTaskParams) {
	ctx := tc.Ctx()
	defer e.cleanup(ctx, tc)

	registry := e.newRegistry(tc)
	if e.Subtasks != nil {
		registry.Register(builtin.NewTaskTool(e.Subtasks, tc, registry), tools.AvailabilityContext{})
	}

	if e.MCP != nil {
		if err := e.MCP.Bootstrap(ctx, tc.WorkspaceRoot, registry); err != nil {
			tc.FailAssistantMessage(ctx, task.Block{Content: err.Error(), Code: "task.mcp_bootstrap_failed"})
			return
		}
	}

	history, err := e.restoreHistory(ctx, session.ID)
	if err != nil {
		tc.FailAssistantMessage(ctx, task.Block{Content: err.Error(), Code: "task.history_restore_failed"})
		return
	}

	e.backfillSubtaskSummaries(ctx, history)

	var agent *agentconfig.Agent
	if e.Configs != nil {
		agent, _ = e.Configs.Get(tc.AgentType)
	}
	systemPrompt := e.composePrompt(agent, tc)

	tc.SetMessage(userMsg)
	tc.AddUserMessageWithReminders(ctx, renderedPrompt, params.Images, params.Reminders)
	if e.Store != nil && e.Store.Messages != nil {
		_ = e.Store.Messages.Update(ctx, userMsg)
	}
	history = append(history, *userMsg)

	tc.SetMessage(assistantMsg)

	var tracker *filetracker.Tracker
	if e.NewTracker != nil {
		tracker = e.NewTracker(tc.WorkspaceRoot)
	} else {
		tracker = filetracker.New()
	}
	if e.Changes != nil {
		if changes := e.Changes.DrainChanges(); len(changes) > 0 {
			tc.SetOverlay(workspacewatch.RenderNotice(changes))
		}
	}

	var compactor reactloop.Compactor
	if e.Compact != nil {
		compactor = e.Compact
	}
	orchestrator := &reactloop.Orchestrator{Provider: e.Provider, Registry: registry, Tracker: tracker, Compact: compactor}
	if e.Store != nil && e.Store.Sessions != nil {
		orchestrator.Agents = sessionAgentSwitcher{sessions: e.Store.Sessions}
	}

	if err := orchestrator.RunTurn(ctx, tc, systemPrompt, history, registry.ToolDefs()); err != nil {
		return
	}

	e.repairLoop(ctx, tc, orchestrator, systemPrompt, history, registry, tracker)
}

// repairLoop re-enters the loop with a repair request while syntax
// diagnostics report errors in recently edited files.
func (e *Executor) repairLoop(ctx context.Context, tc *taskctx.Context, orchestrator *reactloop.Orchestrator, systemPrompt string, history []task.Message, registry *tools.Registry, tracker *filetracker.Tracker) {
	if e.Diagnostics == nil {
		return
	}
	for round := 0; ; round++ {
		edited := tracker.TakeRecentAgentEdits()
		if len(edited) == 0 {
			return
		}
		diags, err := e.Diagnostics.Check(ctx, tc.WorkspaceRoot, edited)
		if err != nil || len(diags) == 0 {
			return
		}
		if round == maxRepairRounds {
			tc.FailAssistantMessage(ctx, task.Block{Content: "syntax diagnostics still failing after repair attempts", Code: "task.syntax_diagnostics_failed"})
			return
		}

		history = appendFinishedAssistantTurn(history, tc)
		repairMsg := &task.Message{ID: uuid.NewString(), SessionID: tc.SessionID, Role: task.RoleUser, Status: task.MessageCompleted, CreatedAt: time.Now()}
		tc.SetMessage(repairMsg)
		tc.AddUserMessageWithReminders(ctx, renderDiagnostics(diags), nil, nil)
		history = append(history, *tc.Message())

		nextAssistant := &task.Message{ID: uuid.NewString(), SessionID: tc.SessionID, Role: task.RoleAssistant, Status: task.MessageStreaming, CreatedAt: time.Now()}
		tc.SetMessage(nextAssistant)

		if err := orchestrator.RunTurn(ctx, tc, systemPrompt, history, registry.ToolDefs()); err != nil {
			return
		}
	}
}

func renderDiagnostics(diags []Diagnostic) string {
	var b strings.Builder
	b.WriteString("The following files have syntax errors after your last edit. Fix them:\n")
	for _, d := range diags {
		fmt.Fprintf(&b, "- %s: %s\n", d.Path, d.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

func appendFinishedAssistantTurn(history []task.Message, tc *taskctx.Context) []task.Message {
	m := tc.Message()
	if m == nil {
		return history
	}
	if len(history) > 0 && history[len(history)-1].ID == m.ID {
		history[len(history)-1] = *m
		return history
	}
	return append(history, *m)
}

// cleanup is the drop guard: cancel a non-terminal context, drain its
// confirmations, and deregister it.
func (e *Executor) cleanup(ctx context.Context, tc *taskctx.Context) {
	switch tc.Status() {
	case taskctx.StatusCreated, taskctx.StatusRunning, taskctx.StatusPaused:
		tc.CancelAssistantMessage(ctx)
	}
	if e.Confirmation != nil {
		e.Confirmation.CancelAllForTask(tc.TaskID)
	}
	e.Remove(tc.TaskID)
}

func (e *Executor) newRegistry(tc *taskctx.Context) *tools.Registry {
	if e.NewRegistry != nil {
		return e.NewRegistry(tc)
	}
	return tools.New(false)
}

func (e *Executor) restoreHistory(ctx context.Context, sessionID string) ([]task.Message, error) {
	if e.Store == nil || e.Store.Messages == nil {
		return nil, nil
	}
	msgs, err := e.Store.Messages.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]task.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return out, nil
}

// backfillSubtaskSummaries fills missing child-task summaries: bounded at 3 per
// turn across the whole restored history, not per message.
func (e *Executor) backfillSubtaskSummaries(ctx context.Context, history []task.Message) {
	if e.Store == nil {
		return
	}

	type location struct{ msgIdx, blockIdx int }
	var pending []task.Block
	var locs []location
	for i := range history {
		for j, b := range history[i].Blocks {
			if b.Type == task.BlockSubtask && b.Summary == "" &&
				(b.ToolStatus == task.ToolCancelled || b.ToolStatus == task.ToolError) {
				pending = append(pending, b)
				locs = append(locs, location{i, j})
			}
		}
	}
	if len(pending) == 0 {
		return
	}

	if err := subtask.BackfillPending(ctx, e.Store, e.Provider, e.DefaultModelID, pending); err != nil {
		return
	}

	touched := make(map[int]bool)
	for k, b := range pending {
		if b.Summary == "" {
			continue
		}
		l := locs[k]
		history[l.msgIdx].Blocks[l.blockIdx].Summary = b.Summary
		touched[l.msgIdx] = true
	}
	if e.Store.Messages == nil {
		return
	}
	for i := range touched {
		_ = e.Store.Messages.Update(ctx, &history[i])
	}
}

func (e *Executor) composePrompt(agent *agentconfig.Agent, tc *taskctx.Context) string {
	agentPrompt := ""
	if agent != nil {
		agentPrompt = agent.SystemPrompt
	}
	env := prompt.BuildEnv(prompt.EnvOptions{WorkingDirectory: tc.WorkspaceRoot, Now: time.Now(), IncludeGitInfo: true})
	custom := prompt.BuildCustom(tc.WorkspaceRoot, "")
	return prompt.Compose(prompt.Parts{AgentPrompt: agentPrompt, ModelID: tc.ModelID, Env: env, CustomInstructions: custom})
}

// sessionAgentSwitcher adapts the persistence boundary to the
// orchestrator's plan->coder handoff.
type sessionAgentSwitcher struct {
	sessions sessionstore.Sessions
}

func (s sessionAgentSwitcher) SwitchAgent(ctx context.Context, sessionID, from, to string) error {
	return s.sessions.UpdateAgentType(ctx, sessionID, to)
}
