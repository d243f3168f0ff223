package reactloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forgehub/agentic-core/internal/filetracker"
	"github.com/forgehub/agentic-core/internal/llm"
	"github.com/forgehub/agentic-core/internal/task"
	"github.com/forgehub/agentic-core/internal/taskctx"
	"github.com/forgehub/agentic-core/internal/tools"
)

// throttleInterval and throttleBytes bound how often the Pending Tool
// block is updated while tool-input JSON streams in.
const (
	throttleInterval = 750 * time.Millisecond
	throttleBytes    = 2 * 1024
)

// fileContextCharBudget caps the rendered file-context-hint message.
const fileContextCharBudget = 4000

// Outcome classifies one iteration's result.
type Outcome string

const (
	OutcomeContinueWithTools Outcome = "continue_with_tools"
	OutcomeComplete          Outcome = "complete"
	OutcomeEmpty             Outcome = "empty"
)

// Compactor is invoked before each iteration to run the Compaction
// Trigger; it may rewrite history in place.
type Compactor interface {
	MaybeCompact(ctx context.Context, tc *taskctx.Context, modelID string, history []task.Message) ([]task.Message, error)
}

// AgentSwitcher persists a session's agent-type change. Wired by the
// Task Executor so a completed "plan" turn hands the session to "coder".
type AgentSwitcher interface {
	SwitchAgent(ctx context.Context, sessionID, from, to string) error
}

const (
	planAgentType  = "plan"
	coderAgentType = "coder"
)

// Orchestrator runs the ReAct loop for one turn.
type Orchestrator struct {
	Provider llm.Provider
	Registry *tools.Registry
	Tracker  *filetracker.Tracker
	Compact  Compactor
	Agents   AgentSwitcher
	Log      *slog.Logger

	MaxRetries int
}

func (o *Orchestrator) log() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return slog.Default()
}

// RunTurn drives iterations until a stop condition, an error, or a
// completed turn. history is the session's message log (mutated as the turn
// progresses); systemPrompt and toolDefs come from the Prompt Composer
// and Tool Registry respectively.
func (o *Orchestrator) RunTurn(ctx context.Context, tc *taskctx.Context, systemPrompt string, history []task.Message, toolDefs []llm.ToolDef) error {
	detector := NewLoopDetector()
	emptyCount := 0
	fabricationRetried := false

	for !tc.ShouldStop() {
		if err := tc.CheckAborted(false); err != nil {
			tc.CancelAssistantMessage(ctx)
			return err
		}

		iteration := tc.IncrementIteration()
		overlay := tc.Overlay()
		tc.ClearOverlay()

		if o.Compact != nil {
			updated, err := o.Compact.MaybeCompact(ctx, tc, tc.ModelID, history)
			if err != nil {
				return err
			}
			history = updated
		}

		messages := o.buildMessages(history, iteration)

		streamCtx, cancelStream := tc.CreateStreamCancelToken()
		req := &llm.Request{
			Model:     tc.ModelID,
			MaxTokens: 8192,
			System:    composeWithOverlay(systemPrompt, overlay),
			Messages:  messages,
			Tools:     toolDefs,
			Stream:    true,
		}

		events, err := o.streamWithRetry(streamCtx, tc, req)
		cancelStream()
		if err != nil {
			return err
		}

		text, thinking, toolCalls, stopReason, err := o.consumeStream(ctx, tc, events)
		if err != nil {
			return err
		}

		var toolBlocks []task.Block
		for _, call := range toolCalls {
			var input map[string]any
			_ = json.Unmarshal(call.Input, &input)
			toolBlocks = append(toolBlocks, task.Block{
				ID: call.ID, CallID: call.ID, ToolName: call.Name,
				ToolStatus: task.ToolPending, Input: input, StartedAt: time.Now(),
			})
		}
		tc.AddAssistantMessage(ctx, text, toolBlocks)

		outcome := classifyOutcome(toolCalls, stopReason, text, thinking)

		if outcome == OutcomeComplete && looksFabricated(text, o.Registry) {
			if !fabricationRetried {
				fabricationRetried = true
				outcome = OutcomeEmpty
			} else {
				tc.FailAssistantMessage(ctx, task.Block{Content: "assistant produced a fabricated tool result twice"})
				return fmt.Errorf("reactloop: fabricated tool result")
			}
		}

		switch outcome {
		case OutcomeContinueWithTools:
			kept, dropped := DedupCalls(toolCalls)
			o.log().Debug("executing tool batch", "task_id", tc.TaskID, "iteration", iteration, "calls", len(kept), "duplicates", len(dropped))
			for _, d := range dropped {
				tc.UpdateBlock(ctx, d.ID, task.Block{ID: d.ID, CallID: d.ID, Type: task.BlockTool, ToolStatus: task.ToolCancelled})
			}
			if len(dropped) > 0 {
				tc.SetOverlay(duplicateWarning(dropped))
			}

			results := o.Registry.Batch(ctx, tc.TaskID, kept, tc.WorkspaceRoot)
			tc.AddToolResults(ctx, results)

			allOK := true
			for _, r := range results {
				if r.IsError() {
					allOK = false
					tc.IncrementErrorCount()
				}
			}
			if allOK {
				tc.ResetErrorCount()
			}

			if warnings := detector.Record(iteration, kept); len(warnings) > 0 {
				o.log().Warn("tool-call loop detected", "task_id", tc.TaskID, "iteration", iteration, "signatures", len(warnings))
				tc.SetOverlay(loopWarning(warnings))
			}

			history = appendAssistantTurn(history, tc)
			continue

		case OutcomeComplete:
			o.maybeSwitchAgent(ctx, tc)
			tc.FinishAssistantMessage(ctx, task.MessageCompleted, nil, contextUsagePtr(tc, systemPrompt, history))
			return nil

		case OutcomeEmpty:
			emptyCount++
			if emptyCount == 1 {
				tc.SetOverlay("please call a tool or produce text")
				history = appendAssistantTurn(history, tc)
				continue
			}
			tc.FinishAssistantMessage(ctx, task.MessageCompleted, nil, contextUsagePtr(tc, systemPrompt, history))
			return nil
		}
	}
	return nil
}

// maybeSwitchAgent hands a completed plan-mode session over to the coder
// agent, journaling an AgentSwitch block so the transcript records the
// handoff.
func (o *Orchestrator) maybeSwitchAgent(ctx context.Context, tc *taskctx.Context) {
	if tc.AgentType != planAgentType || o.Agents == nil {
		return
	}
	if err := o.Agents.SwitchAgent(ctx, tc.SessionID, planAgentType, coderAgentType); err != nil {
		return
	}
	tc.AppendBlock(ctx, task.Block{Type: task.BlockAgentSwitch, From: planAgentType, To: coderAgentType, Reason: "plan complete"})
	tc.AgentType = coderAgentType
}

// composeWithOverlay appends the previous iteration's transient overlay
// to the system prompt, wrapped as a system-reminder if not already
// wrapped; the overlay is always the last section.
func composeWithOverlay(systemPrompt, overlay string) string {
	if overlay == "" {
		return systemPrompt
	}
	const open, close = "<system-reminder>", "</system-reminder>"
	if !strings.HasPrefix(overlay, open) {
		overlay = open + overlay + close
	}
	return systemPrompt + "\n\n" + overlay
}

func contextUsagePtr(tc *taskctx.Context, systemPrompt string, history []task.Message) *task.ContextUsage {
	used, window := taskctx.ContextUsage(systemPrompt, history, tc.ModelID)
	return &task.ContextUsage{UsedTokens: used, WindowTokens: window}
}

// appendAssistantTurn folds the in-progress assistant message into
// history so the next iteration's buildMessages sees it.
func appendAssistantTurn(history []task.Message, tc *taskctx.Context) []task.Message {
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

func classifyOutcome(toolCalls []task.ToolCall, stopReason llm.StopReason, text, thinking string) Outcome {
	if len(toolCalls) > 0 {
		return OutcomeContinueWithTools
	}
	if stopReason == llm.StopToolUse {
		return OutcomeEmpty
	}
	switch stopReason {
	case llm.StopEndTurn, llm.StopMaxTokens, llm.StopStopSequence, llm.StopNone:
		if text != "" || thinking != "" {
			return OutcomeComplete
		}
		return OutcomeEmpty
	}
	return OutcomeEmpty
}

var fabricationKeywords = []string{
	"success", "completed successfully", "done", "failed", "error:",
	"ran successfully", "exitoso", "réussi", "erfolgreich", "成功", "失败",
}

// looksFabricated is a heuristic guard against a model narrating a tool
// result in plain text instead of emitting a real tool_use block.
func looksFabricated(text string, registry *tools.Registry) bool {
	if text == "" || registry == nil {
		return false
	}
	lower := strings.ToLower(text)
	mentionsTool := false
	for _, t := range registry.List() {
		if strings.Contains(lower, strings.ToLower(t.Name())) {
			mentionsTool = true
			break
		}
	}
	if !mentionsTool {
		return false
	}
	for _, kw := range fabricationKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func duplicateWarning(dropped []task.ToolCall) string {
	names := make([]string, 0, len(dropped))
	for _, d := range dropped {
		names = append(names, d.Name)
	}
	return fmt.Sprintf("%d duplicate tool call(s) were cancelled this iteration: %s. Do not repeat identical calls.", len(dropped), strings.Join(names, ", "))
}

func loopWarning(warnings []LoopWarning) string {
	var b strings.Builder
	b.WriteString("Possible loop detected: the following tool call(s) repeated across recent iterations:\n")
	for _, w := range warnings {
		fmt.Fprintf(&b, "- %s (seen %d times)\n", w.Signature, w.Count)
	}
	b.WriteString("Consider a different approach instead of repeating these calls.")
	return b.String()
}

// buildMessages converts history plus the file-context-hint message into
// the llm.Message slice. The overlay is not added here; composeWithOverlay
// appends it to the system prompt.
func (o *Orchestrator) buildMessages(history []task.Message, iteration int) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+1)
	if hint := o.fileContextHint(); hint != "" {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: []llm.ContentBlock{{Kind: llm.ContentText, Text: hint}}})
	}
	for _, m := range history {
		messages = append(messages, convertMessage(m))
	}
	return messages
}

func convertMessage(m task.Message) llm.Message {
	role := llm.RoleUser
	if m.Role == task.RoleAssistant {
		role = llm.RoleAssistant
	}
	var content []llm.ContentBlock
	for _, b := range m.Blocks {
		switch b.Type {
		case task.BlockUserText, task.BlockText:
			content = append(content, llm.ContentBlock{Kind: llm.ContentText, Text: b.Content})
		case task.BlockUserImage:
			content = append(content, llm.ContentBlock{Kind: llm.ContentImage, ImageMediaType: b.ImageMediaType, ImageData: b.ImageData})
		case task.BlockThinking:
			content = append(content, llm.ContentBlock{Kind: llm.ContentThinking, Thinking: b.Content, ThinkingSignature: b.ThinkingSignature})
		case task.BlockTool:
			input, _ := json.Marshal(b.Input)
			content = append(content, llm.ContentBlock{Kind: llm.ContentToolUse, ToolUseID: b.CallID, ToolName: b.ToolName, ToolInput: input})
			if task.IsTerminalToolStatus(b.ToolStatus) {
				content = append(content, llm.ContentBlock{Kind: llm.ContentToolResult, ToolUseID: b.CallID, ToolResult: b.Output, ToolIsError: b.IsError})
			}
		}
	}
	return llm.Message{Role: role, Content: content}
}

// fileContextHint scans the tracker's active/stale sets and renders the
// "Active files:"/"Stale files:" reminder.
func (o *Orchestrator) fileContextHint() string {
	if o.Tracker == nil {
		return ""
	}
	active := o.Tracker.Active()
	stale := o.Tracker.Stale()
	if len(active) == 0 && len(stale) == 0 {
		return ""
	}

	var b strings.Builder
	now := time.Now()
	if len(active) > 0 {
		b.WriteString("Active files:\n")
		for _, r := range active {
			fmt.Fprintf(&b, "- %s (seen %s ago)\n", r.RelativePath, agoString(now.Sub(r.RecordedAt)))
		}
	}
	if len(stale) > 0 {
		b.WriteString("Stale files:\n")
		for _, r := range stale {
			fmt.Fprintf(&b, "- %s (seen %s ago) → re-read with read_file\n", r.RelativePath, agoString(now.Sub(r.RecordedAt)))
		}
	}
	out := b.String()
	if len(out) > fileContextCharBudget {
		out = out[:fileContextCharBudget]
	}
	return out
}

func agoString(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}
