package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/forgehub/agentic-core/internal/task"
)

// maxParallelChunk bounds how many calls run concurrently within one
// parallel execution group.
const maxParallelChunk = 8

// Batch groups one iteration's tool calls by category into parallel
// versus sequential execution groups, runs each group respecting its
// mode, and returns results in the original call order.
func (r *Registry) Batch(ctx context.Context, taskID string, calls []task.ToolCall, workspaceRoot string) []task.ToolResult {
	results := make([]task.ToolResult, len(calls))

	type group struct {
		mode    ExecutionMode
		indices []int
	}
	var groups []group
	var cur group
	curMode := ExecutionMode("")

	for i, call := range calls {
		_, meta, ok := r.Get(call.Name)
		mode := ModeSequential
		if ok {
			mode = ModeOf(meta.Category)
		}
		if mode != curMode {
			if len(cur.indices) > 0 {
				groups = append(groups, cur)
			}
			cur = group{mode: mode}
			curMode = mode
		}
		cur.indices = append(cur.indices, i)
	}
	if len(cur.indices) > 0 {
		groups = append(groups, cur)
	}

	for _, g := range groups {
		if g.mode == ModeSequential {
			for _, idx := range g.indices {
				results[idx] = r.Execute(ctx, taskID, calls[idx], workspaceRoot)
			}
			continue
		}

		for start := 0; start < len(g.indices); start += maxParallelChunk {
			end := start + maxParallelChunk
			if end > len(g.indices) {
				end = len(g.indices)
			}
			chunk := g.indices[start:end]

			var wg sync.WaitGroup
			for _, idx := range chunk {
				wg.Add(1)
				go func(idx int) {
					defer wg.Done()
					results[idx] = r.Execute(ctx, taskID, calls[idx], workspaceRoot)
				}(idx)
			}
			wg.Wait()
		}
	}

	return results
}

// DuplicateSignature canonicalizes a tool call into a comparison key by
// sorting its JSON argument keys, so identical calls issued with
// differently-ordered keys still collide.
func DuplicateSignature(call task.ToolCall) string {
	var args map[string]any
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return call.Name + ":" + string(call.Input)
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sig := call.Name + "("
	for i, k := range keys {
		if i > 0 {
			sig += ","
		}
		sig += k + "="
		sig += toComparable(args[k])
	}
	sig += ")"
	return sig
}

func toComparable(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
