package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/forgehub/agentic-core/internal/tools"
)

// ReadTool reads a file from the workspace with an offset and byte cap.
type ReadTool struct {
	resolver Resolver
	maxBytes int
}

func NewReadTool(workspace string, maxBytes int) *ReadTool {
	if maxBytes <= 0 {
		maxBytes = 200000
	}
	return &ReadTool{resolver: Resolver{Root: workspace}, maxBytes: maxBytes}
}

func (t *ReadTool) Name() string        { return "read_file" }
func (t *ReadTool) Description() string { return "Read a file from the workspace." }

func (t *ReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"offset": {"type": "integer", "minimum": 0},
			"max_bytes": {"type": "integer", "minimum": 0}
		},
		"required": ["path"]
	}`)
}

func (t *ReadTool) Metadata() tools.Metadata {
	return tools.Metadata{
		Category:      tools.CategoryFileRead,
		Priority:      tools.PriorityStandard,
		SummaryKeyArg: "path",
	}
}

func (t *ReadTool) Run(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Path     string `json:"path"`
		Offset   int64  `json:"offset"`
		MaxBytes int    `json:"max_bytes"`
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

	f, err := os.Open(resolved)
	if err != nil {
		return &tools.Result{IsError: true, Content: fmt.Sprintf("open file: %v", err)}, nil
	}
	defer f.Close()

	if input.Offset > 0 {
		if _, err := f.Seek(input.Offset, io.SeekStart); err != nil {
			return &tools.Result{IsError: true, Content: fmt.Sprintf("seek file: %v", err)}, nil
		}
	}

	limit := t.maxBytes
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}

	buf, err := io.ReadAll(io.LimitReader(f, int64(limit)))
	if err != nil {
		return &tools.Result{IsError: true, Content: fmt.Sprintf("read file: %v", err)}, nil
	}

	return &tools.Result{Content: string(buf)}, nil
}
