// Package subtask is the Subtask Runner: spawns a child task
// on a child session that inherits the parent's cancellation, checkpoint,
// and (filtered) tool permissions, runs the same ReAct loop as a top-level
// turn, and reports back a truncated summary.
package subtask

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgehub/agentic-core/internal/agentconfig"
	"github.com/forgehub/agentic-core/internal/llm"
	"github.com/forgehub/agentic-core/internal/prompt"
	"github.com/forgehub/agentic-core/internal/reactloop"
	"github.com/forgehub/agentic-core/internal/sessionstore"
	"github.com/forgehub/agentic-core/internal/task"
	"github.com/forgehub/agentic-core/internal/taskctx"
	"github.com/forgehub/agentic-core/internal/tools"
)

// summaryCharBudget is the truncation length for the
// returned summary.
const summaryCharBudget = 2000

// Backfill runs on a smaller budget than a live subtask: the child
// transcript fed to the summarization call and the resulting summary are
// both capped.
const (
	backfillTranscriptCharBudget = 6000
	backfillSummaryCharBudget    = 1200
)

// recursiveToolBlacklist disallows a subtask from spawning further
// subtasks or scheduling todos.
var recursiveToolBlacklist = []string{"task", "todowrite"}

// Status mirrors the Block(Subtask) FSM: it
// reuses task.ToolStatus's five terminal/non-terminal states.
type Status = task.ToolStatus

// Request is the input to Run.
type Request struct {
	Description  string
	Prompt       string
	SubagentType string
	ModelID      string // optional override; defaults to the parent's
	CallID       string
	SessionID    string // optional; "" creates a new child session
}

// Result is what Run reports back to the parent's Subtask block.
type Result struct {
	SessionID string
	Status    Status
	Summary   string // "" on cancellation pending a later backfill
}

// AgentConfigs resolves a subagent_type to its parsed configuration.
type AgentConfigs interface {
	Get(subagentType string) (*agentconfig.Agent, bool)
}

// ActiveTasks is the subset of the Task Executor's active-task registry
// the Runner needs: registering the child so a parent abort can cancel
// it, and removing it once the child completes.
type ActiveTasks interface {
	Register(tc *taskctx.Context)
	Remove(taskID string)
}

// Runner is the Subtask Runner.
type Runner struct {
	Store    *sessionstore.Store
	Configs  AgentConfigs
	Composer func(prompt.Parts) string // defaults to prompt.Compose
	Active   ActiveTasks

	NewOrchestrator func(registry *tools.Registry) *reactloop.Orchestrator
	Limits          taskctx.Limits
}

// Run executes one subtask end to end.
func (r *Runner) Run(ctx context.Context, parent *taskctx.Context, parentRegistry *tools.Registry, req Request) (*Result, error) {
	agent, ok := r.Configs.Get(req.SubagentType)
	if !ok {
		return nil, fmt.Errorf("subtask: unknown subagent_type %q", req.SubagentType)
	}
	if agent.Mode != agentconfig.ModeSubagent {
		return nil, fmt.Errorf("subtask: agent %q is not mode=subagent", req.SubagentType)
	}

	childSession, err := r.getOrCreateChildSession(ctx, parent, req)
	if err != nil {
		return nil, fmt.Errorf("subtask: session setup: %w", err)
	}

	childRegistry := parentRegistry.ForkWithBlacklist(recursiveToolBlacklist)
	if agent.Tools != nil || agent.DisallowedTools != nil {
		parentFilter := childRegistry.ToolFilter
		childRegistry.ToolFilter = func(name string) bool {
			return parentFilter(name) && agent.Allows(name)
		}
	}

	childTaskID := uuid.NewString()
	tc := taskctx.New(ctx, childTaskID, childSession.ID, parent.WorkspaceRoot, req.SubagentType, childSession.Model, r.limits(), parent.Sink, parent.Checkpoints)
	tc.EmitsTaskEvents = false
	tc.InheritCheckpoint(parent.ActiveCheckpointHandle(), parent.WorkspaceRoot)

	if r.Active != nil {
		r.Active.Register(tc)
		defer r.Active.Remove(childTaskID)
	}

	stop := context.AfterFunc(parent.Ctx(), tc.Abort)
	defer stop()

	history, err := r.restoreHistory(ctx, childSession.ID)
	if err != nil {
		return nil, fmt.Errorf("subtask: restoring history: %w", err)
	}

	systemPrompt := r.composePrompt(agent, childSession.Model)
	tc.SetRunning()

	userMsg := &task.Message{ID: uuid.NewString(), SessionID: childSession.ID, Role: task.RoleUser, Status: task.MessageCompleted, CreatedAt: time.Now()}
	tc.SetMessage(userMsg)
	tc.AddUserMessageWithReminders(ctx, req.Prompt, nil, nil)
	history = append(history, *userMsg)
	if r.Store != nil && r.Store.Messages != nil {
		_ = r.Store.Messages.Create(ctx, userMsg, false, true, req.SubagentType, parent.TaskID, childSession.Model, "")
	}

	assistantMsg := &task.Message{ID: uuid.NewString(), SessionID: childSession.ID, Role: task.RoleAssistant, Status: task.MessageStreaming, CreatedAt: time.Now()}
	tc.SetMessage(assistantMsg)
	if r.Store != nil && r.Store.Messages != nil {
		_ = r.Store.Messages.Create(ctx, assistantMsg, false, true, req.SubagentType, parent.TaskID, childSession.Model, "")
	}

	orchestrator := r.orchestratorFor(childRegistry)
	runErr := orchestrator.RunTurn(ctx, tc, systemPrompt, history, childRegistry.ToolDefs())

	result := &Result{SessionID: childSession.ID}
	switch {
	case tc.IsAborted():
		result.Status = task.ToolCancelled
		result.Summary = ""
	case runErr != nil:
		result.Status = task.ToolError
		result.Summary = runErr.Error()
	default:
		result.Status = task.ToolCompleted
		result.Summary = truncateSummary(lastAssistantText(tc.Message()))
	}

	if r.Store != nil && r.Store.Messages != nil {
		if m := tc.Message(); m != nil {
			_ = r.Store.Messages.Update(ctx, m)
		}
	}

	return result, nil
}

func (r *Runner) limits() taskctx.Limits {
	if r.Limits == (taskctx.Limits{}) {
		return taskctx.DefaultLimits()
	}
	return r.Limits
}

func (r *Runner) orchestratorFor(registry *tools.Registry) *reactloop.Orchestrator {
	if r.NewOrchestrator != nil {
		return r.NewOrchestrator(registry)
	}
	return &reactloop.Orchestrator{Registry: registry}
}

func (r *Runner) composePrompt(agent *agentconfig.Agent, modelID string) string {
	parts := prompt.Parts{AgentPrompt: agent.SystemPrompt, ModelID: modelID}
	if r.Composer != nil {
		return r.Composer(parts)
	}
	return prompt.Compose(parts)
}

// getOrCreateChildSession reuses req.SessionID
// if given, else create one parented to parent.SessionID, inheriting the
// parent's model/provider unless ModelID overrides it.
func (r *Runner) getOrCreateChildSession(ctx context.Context, parent *taskctx.Context, req Request) (*sessionstore.Session, error) {
	if req.SessionID != "" {
		return r.Store.Sessions.Get(ctx, req.SessionID)
	}

	parentSession, err := r.Store.Sessions.Get(ctx, parent.SessionID)
	if err != nil {
		return nil, err
	}

	model := parentSession.Model
	if req.ModelID != "" {
		model = req.ModelID
	}

	return r.Store.Sessions.Create(ctx, parent.WorkspaceRoot, req.Description, req.SubagentType, parent.SessionID, req.CallID, model, parentSession.Provider)
}

func (r *Runner) restoreHistory(ctx context.Context, sessionID string) ([]task.Message, error) {
	msgs, err := r.Store.Messages.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]task.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return out, nil
}

// lastAssistantText finds the final Text block in msg's block journal.
func lastAssistantText(msg *task.Message) string {
	if msg == nil {
		return ""
	}
	for i := len(msg.Blocks) - 1; i >= 0; i-- {
		if msg.Blocks[i].Type == task.BlockText {
			return msg.Blocks[i].Content
		}
	}
	return ""
}

// truncateSummary enforces the ≤2000 char summary cap.
func truncateSummary(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= summaryCharBudget {
		return s
	}
	return s[:summaryCharBudget]
}

// BackfillPending summarizes cancelled or errored subtask Blocks that
// have no summary, from prior turns: bounded at 3 per call, run via a
// non-streaming LLM call over the child session's transcript.
func BackfillPending(ctx context.Context, store *sessionstore.Store, provider llm.Provider, modelID string, blocks []task.Block) error {
	const maxPerTurn = 3
	done := 0
	for i := range blocks {
		if done >= maxPerTurn {
			break
		}
		b := &blocks[i]
		if b.Type != task.BlockSubtask || b.Summary != "" {
			continue
		}
		if b.ToolStatus != task.ToolCancelled && b.ToolStatus != task.ToolError {
			continue
		}

		msgs, err := store.Messages.ListBySession(ctx, b.ChildSessionID)
		if err != nil || len(msgs) == 0 {
			continue
		}

		summary, err := summarizeTranscript(ctx, provider, modelID, msgs)
		if err != nil {
			continue
		}
		if len(summary) > backfillSummaryCharBudget {
			summary = summary[:backfillSummaryCharBudget]
		}
		b.Summary = strings.TrimSpace(summary)
		done++
	}
	return nil
}

func summarizeTranscript(ctx context.Context, provider llm.Provider, modelID string, msgs []*task.Message) (string, error) {
	if provider == nil {
		return "", fmt.Errorf("subtask: no provider configured for backfill")
	}
	var transcript strings.Builder
	for _, m := range msgs {
		for _, b := range m.Blocks {
			if b.Type == task.BlockUserText || b.Type == task.BlockText {
				fmt.Fprintf(&transcript, "[%s] %s\n", m.Role, b.Content)
			}
		}
	}
	text := transcript.String()
	if len(text) > backfillTranscriptCharBudget {
		text = text[:backfillTranscriptCharBudget]
	}

	req := &llm.Request{
		Model:     modelID,
		MaxTokens: 512,
		System:    "Summarize the following subtask transcript in 2-4 sentences for the parent agent.",
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: []llm.ContentBlock{{Kind: llm.ContentText, Text: text}},
		}},
		Stream: false,
	}

	events, err := provider.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for ev := range events {
		if ev.Kind == llm.EventErr && ev.Err != nil {
			return "", ev.Err
		}
		if ev.Kind == llm.EventContentBlockDelta && ev.DeltaKind == llm.DeltaText {
			out.WriteString(ev.Text)
		}
	}
	return out.String(), nil
}
