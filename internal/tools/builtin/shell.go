package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/forgehub/agentic-core/internal/tools"
)

// ShellTool runs one shell command synchronously within the workspace.
// There is no background-process mode: the ReAct Orchestrator already
// bounds each tool call by the registry's per-call timeout, which a
// detached background job would bypass.
type ShellTool struct {
	workspace string
}

func NewShellTool(workspace string) *ShellTool {
	return &ShellTool{workspace: workspace}
}

func (t *ShellTool) Name() string        { return "shell" }
func (t *ShellTool) Description() string { return "Run a shell command in the workspace." }

func (t *ShellTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string"},
			"cwd": {"type": "string"}
		},
		"required": ["command"]
	}`)
}

func (t *ShellTool) Metadata() tools.Metadata {
	return tools.Metadata{
		Category:             tools.CategoryExecution,
		Priority:             tools.PriorityExpensive,
		RequiresConfirmation: true,
		SummaryKeyArg:        "command",
	}
}

func (t *ShellTool) Run(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Command string `json:"command"`
		Cwd     string `json:"cwd"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return &tools.Result{IsError: true, Content: fmt.Sprintf("invalid parameters: %v", err)}, nil
	}
	if strings.TrimSpace(input.Command) == "" {
		return &tools.Result{IsError: true, Content: "command is required"}, nil
	}

	resolver := Resolver{Root: t.workspace}
	dir := t.workspace
	if input.Cwd != "" {
		resolved, err := resolver.Resolve(input.Cwd)
		if err != nil {
			return &tools.Result{IsError: true, Content: err.Error()}, nil
		}
		dir = resolved
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", input.Command)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		return &tools.Result{IsError: true, Content: fmt.Sprintf("%s\nexit error: %v", out.String(), err)}, nil
	}
	return &tools.Result{Content: out.String()}, nil
}
