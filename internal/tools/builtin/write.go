package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgehub/agentic-core/internal/tools"
)

// BeforeWrite is invoked with the resolved absolute path immediately
// before a write touches disk, so callers can snapshot the file into the
// Checkpoint Engine. A non-nil error aborts the write.
type BeforeWrite func(ctx context.Context, absPath string) error

// WriteTool overwrites (or creates) a file in the workspace.
type WriteTool struct {
	resolver Resolver
	before   BeforeWrite
}

func NewWriteTool(workspace string, before BeforeWrite) *WriteTool {
	return &WriteTool{resolver: Resolver{Root: workspace}, before: before}
}

func (t *WriteTool) Name() string        { return "write_file" }
func (t *WriteTool) Description() string { return "Create or overwrite a file in the workspace." }

func (t *WriteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"content": {"type": "string"}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteTool) Metadata() tools.Metadata {
	return tools.Metadata{
		Category:             tools.CategoryFileWrite,
		Priority:             tools.PriorityStandard,
		RequiresConfirmation: true,
		SummaryKeyArg:        "path",
	}
}

func (t *WriteTool) Run(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return &tools.Result{IsError: true, Content: fmt.Sprintf("invalid parameters: %v", err)}, nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return &tools.Result{IsError: true, Content: "path is required"}, nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return &tools.Result{IsError: true, Content: err.Error()}, nil
	}

	if t.before != nil {
		if err := t.before(ctx, resolved); err != nil {
			return &tools.Result{IsError: true, Content: fmt.Sprintf("checkpoint snapshot failed: %v", err)}, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return &tools.Result{IsError: true, Content: fmt.Sprintf("create directories: %v", err)}, nil
	}
	if err := os.WriteFile(resolved, []byte(input.Content), 0o644); err != nil {
		return &tools.Result{IsError: true, Content: fmt.Sprintf("write file: %v", err)}, nil
	}

	return &tools.Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(input.Content), input.Path)}, nil
}
