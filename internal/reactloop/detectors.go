// Package reactloop is the ReAct Orchestrator plus the Loop &
// Duplicate Detectors: the per-turn streaming iteration loop
// that drives the LLM, executes tool calls, and classifies outcomes.
package reactloop

import (
	"github.com/forgehub/agentic-core/internal/task"
	"github.com/forgehub/agentic-core/internal/tools"
)

// DedupCalls drops exact-duplicate (name, canonicalized-args) calls
// within one iteration, returning the deduplicated set to execute and the
// dropped calls.
func DedupCalls(calls []task.ToolCall) (kept []task.ToolCall, dropped []task.ToolCall) {
	seen := make(map[string]bool, len(calls))
	for _, c := range calls {
		sig := tools.DuplicateSignature(c)
		if seen[sig] {
			dropped = append(dropped, c)
			continue
		}
		seen[sig] = true
		kept = append(kept, c)
	}
	return kept, dropped
}

// IterationSignatures is the set of (name, canonicalized-args) signatures
// produced by one iteration's tool calls, used by the cross-iteration
// loop detector.
type IterationSignatures map[string]int

func SignaturesFor(calls []task.ToolCall) IterationSignatures {
	sig := make(IterationSignatures, len(calls))
	for _, c := range calls {
		sig[tools.DuplicateSignature(c)]++
	}
	return sig
}

// LoopDetector tracks the trailing window of iteration signatures
// (last 3 iterations, starting detection at iteration >= 3).
type LoopDetector struct {
	window []IterationSignatures
}

func NewLoopDetector() *LoopDetector {
	return &LoopDetector{}
}

// LoopWarning is returned when a tool signature repeats >= 2 times across
// the trailing window.
type LoopWarning struct {
	Signature string
	Count     int
}

// Record appends iteration's signatures to the trailing window (capped at
// 3) and, once at least 3 iterations have been recorded, reports any
// signature that appears >= 2 times across the window.
func (d *LoopDetector) Record(iteration int, calls []task.ToolCall) []LoopWarning {
	d.window = append(d.window, SignaturesFor(calls))
	if len(d.window) > 3 {
		d.window = d.window[len(d.window)-3:]
	}
	if iteration < 3 {
		return nil
	}

	totals := make(map[string]int)
	for _, iter := range d.window {
		for sig, count := range iter {
			totals[sig] += count
		}
	}

	var warnings []LoopWarning
	for sig, count := range totals {
		if count >= 2 {
			warnings = append(warnings, LoopWarning{Signature: sig, Count: count})
		}
	}
	return warnings
}
