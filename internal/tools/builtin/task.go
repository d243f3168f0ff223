package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/forgehub/agentic-core/internal/subtask"
	"github.com/forgehub/agentic-core/internal/task"
	"github.com/forgehub/agentic-core/internal/taskctx"
	"github.com/forgehub/agentic-core/internal/tools"
)

// TaskTool is the LLM-callable face of the Subtask Runner:
// `task{description, prompt, subagent_type, model_id?, call_id, session_id?}`.
// It is constructed fresh per running task, closing over the parent
// TaskContext and the registry the subtask should fork tools from.
type TaskTool struct {
	runner   *subtask.Runner
	parent   *taskctx.Context
	registry *tools.Registry
}

func NewTaskTool(runner *subtask.Runner, parent *taskctx.Context, registry *tools.Registry) *TaskTool {
	return &TaskTool{runner: runner, parent: parent, registry: registry}
}

func (t *TaskTool) Name() string { return "task" }

func (t *TaskTool) Description() string {
	return "Delegate a piece of work to a subagent running in its own session. Returns the child session id and a summary once it finishes."
}

func (t *TaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"description": {"type": "string", "description": "Short label shown to the user while the subtask runs."},
			"prompt": {"type": "string", "description": "The instructions for the subagent."},
			"subagent_type": {"type": "string", "description": "Name of the agent config to run as (must have mode=subagent)."},
			"model_id": {"type": "string", "description": "Optional model override; defaults to the parent's model."},
			"call_id": {"type": "string"},
			"session_id": {"type": "string", "description": "Optional existing child session id to resume."}
		},
		"required": ["description", "prompt", "subagent_type"]
	}`)
}

func (t *TaskTool) Metadata() tools.Metadata {
	return tools.Metadata{
		Category:      tools.CategoryExecution,
		Priority:      tools.PriorityExpensive,
		SummaryKeyArg: "description",
	}
}

func (t *TaskTool) Run(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Description  string `json:"description"`
		Prompt       string `json:"prompt"`
		SubagentType string `json:"subagent_type"`
		ModelID      string `json:"model_id"`
		CallID       string `json:"call_id"`
		SessionID    string `json:"session_id"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return &tools.Result{IsError: true, Content: fmt.Sprintf("invalid parameters: %v", err)}, nil
	}
	if input.Prompt == "" || input.SubagentType == "" {
		return &tools.Result{IsError: true, Content: "prompt and subagent_type are required"}, nil
	}

	result, err := t.runner.Run(ctx, t.parent, t.registry, subtask.Request{
		Description:  input.Description,
		Prompt:       input.Prompt,
		SubagentType: input.SubagentType,
		ModelID:      input.ModelID,
		CallID:       input.CallID,
		SessionID:    input.SessionID,
	})
	if err != nil {
		return &tools.Result{IsError: true, Content: err.Error()}, nil
	}

	content, marshalErr := json.Marshal(struct {
		SessionID string          `json:"session_id"`
		Status    task.ToolStatus `json:"status"`
		Summary   string          `json:"summary,omitempty"`
	}{SessionID: result.SessionID, Status: result.Status, Summary: result.Summary})
	if marshalErr != nil {
		return &tools.Result{IsError: true, Content: marshalErr.Error()}, nil
	}

	return &tools.Result{Content: string(content), IsError: result.Status == task.ToolError}, nil
}
