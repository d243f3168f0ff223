package reactloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/forgehub/agentic-core/internal/llm"
	"github.com/forgehub/agentic-core/internal/task"
	"github.com/forgehub/agentic-core/internal/taskctx"
	"github.com/forgehub/agentic-core/internal/taskevents"
)

type blockAccumulator struct {
	kind        llm.ContentKind
	text        strings.Builder
	thinking    strings.Builder
	signature   strings.Builder
	partialJSON strings.Builder
	toolUseID   string
	toolName    string

	lastFlush   time.Time
	flushedSize int
}

// streamWithRetry opens the LLM stream, retrying transient failures up to
// MaxRetries times with retryDelay's exponential backoff (500ms doubling,
// capped at 10s). Stream cancellation by the user takes priority over retries.
func (o *Orchestrator) streamWithRetry(ctx context.Context, tc *taskctx.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	maxRetries := o.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := tc.CheckAborted(true); err != nil {
			return nil, err
		}
		events, err := o.Provider.Stream(ctx, req)
		if err == nil {
			return events, nil
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}
		delay := retryDelay(attempt)
		tc.Sink.Emit(ctx, taskevents.Event{
			Kind: taskevents.TaskRetrying, Attempt: attempt + 1, MaxAttempts: maxRetries + 1,
			Reason: err.Error(), RetryInMS: delay.Milliseconds(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("reactloop: llm stream failed after %d attempts: %w", maxRetries+1, lastErr)
}

func retryDelay(attempt int) time.Duration {
	base := 500 * time.Millisecond
	d := base << attempt
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// consumeStream drains events, accumulating per-index content blocks,
// emitting UI block events, and finalizing each block on its Stop
// event.
func (o *Orchestrator) consumeStream(ctx context.Context, tc *taskctx.Context, events <-chan llm.StreamEvent) (text, thinking string, toolCalls []task.ToolCall, stopReason llm.StopReason, err error) {
	accumulators := make(map[int]*blockAccumulator)

	for ev := range events {
		if tc.IsAborted() {
			return "", "", nil, llm.StopNone, taskctx.ErrInterrupted
		}

		switch ev.Kind {
		case llm.EventContentBlockStart:
			acc := &blockAccumulator{kind: ev.BlockKind, toolUseID: ev.ToolUseID, toolName: ev.ToolName, lastFlush: time.Now()}
			accumulators[ev.Index] = acc
			if ev.BlockKind == llm.ContentToolUse {
				tc.AppendBlock(ctx, task.Block{ID: ev.ToolUseID, CallID: ev.ToolUseID, Type: task.BlockTool, ToolName: ev.ToolName, ToolStatus: task.ToolPending, StartedAt: time.Now()})
			}

		case llm.EventContentBlockDelta:
			acc := accumulators[ev.Index]
			if acc == nil {
				continue
			}
			switch ev.DeltaKind {
			case llm.DeltaText:
				acc.text.WriteString(ev.Text)
			case llm.DeltaThinking:
				acc.thinking.WriteString(ev.ThinkingDelta)
			case llm.DeltaSignature:
				acc.signature.WriteString(ev.SignatureDelta)
			case llm.DeltaInputJSON:
				acc.partialJSON.WriteString(ev.PartialJSON)
				o.maybeThrottleToolBlock(ctx, tc, acc)
			}

		case llm.EventContentBlockStop:
			acc := accumulators[ev.Index]
			if acc == nil {
				continue
			}
			switch acc.kind {
			case llm.ContentText:
				text += acc.text.String()
			case llm.ContentThinking:
				thinking += acc.thinking.String()
				tc.AppendBlock(ctx, task.Block{Type: task.BlockThinking, Content: acc.thinking.String(), ThinkingSignature: acc.signature.String()})
			case llm.ContentToolUse:
				input, perr := firstJSONValue(acc.partialJSON.String())
				if perr != nil {
					tc.UpdateBlock(ctx, acc.toolUseID, task.Block{ID: acc.toolUseID, CallID: acc.toolUseID, Type: task.BlockTool, ToolName: acc.toolName, ToolStatus: task.ToolError, Output: "invalid tool arguments: " + perr.Error()})
					continue
				}
				toolCalls = append(toolCalls, task.ToolCall{ID: acc.toolUseID, Name: acc.toolName, Input: input})
			}

		case llm.EventMessageDelta:
			if ev.StopReason != "" {
				stopReason = ev.StopReason
			}

		case llm.EventMessageStop:
			return text, thinking, toolCalls, stopReason, nil

		case llm.EventErr:
			return "", "", nil, llm.StopNone, ev.Err
		}
	}

	return text, thinking, toolCalls, stopReason, nil
}

// maybeThrottleToolBlock updates the Pending Tool block's rendered input
// at most every 750ms or 2KiB of accumulated JSON.
func (o *Orchestrator) maybeThrottleToolBlock(ctx context.Context, tc *taskctx.Context, acc *blockAccumulator) {
	size := acc.partialJSON.Len()
	if time.Since(acc.lastFlush) < throttleInterval && size-acc.flushedSize < throttleBytes {
		return
	}
	acc.lastFlush = time.Now()
	acc.flushedSize = size

	var partial map[string]any
	_ = json.Unmarshal([]byte(acc.partialJSON.String()), &partial)
	tc.UpdateBlock(ctx, acc.toolUseID, task.Block{ID: acc.toolUseID, CallID: acc.toolUseID, Type: task.BlockTool, ToolName: acc.toolName, ToolStatus: task.ToolPending, Input: partial})
}

// firstJSONValue parses raw with a streaming decoder and returns the
// first complete JSON value, defending against providers that
// concatenate multiple objects ("{..}{..}") in one delta stream.
func firstJSONValue(raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty tool arguments")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	var v json.RawMessage
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
