package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgehub/agentic-core/internal/tools"
)

// LobsterTool runs pipelines on the Lobster workflow runtime (a
// local-first engine that speaks a typed JSON envelope and supports
// resumable human-approval steps) as an Execution-category tool. It is
// registered only when an AGENTCORE_LOBSTER_BIN (or a "lobster" on
// PATH) is actually configured: most workspaces have no Lobster
// install, so wire.go's registration is conditional.
type LobsterTool struct {
	execPath       string
	workDir        string
	timeoutMs      int
	maxStdoutBytes int
}

// LobsterConfig configures a LobsterTool instance.
type LobsterConfig struct {
	ExecPath       string
	WorkDir        string
	TimeoutMs      int
	MaxStdoutBytes int
}

func NewLobsterTool(cfg LobsterConfig) *LobsterTool {
	execPath := cfg.ExecPath
	if execPath == "" {
		execPath = "lobster"
	}
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 20000
	}
	maxStdoutBytes := cfg.MaxStdoutBytes
	if maxStdoutBytes <= 0 {
		maxStdoutBytes = 512000
	}
	return &LobsterTool{
		execPath:       execPath,
		workDir:        cfg.WorkDir,
		timeoutMs:      timeoutMs,
		maxStdoutBytes: maxStdoutBytes,
	}
}

// LobsterAvailable reports whether a lobster binary can actually be
// found, for wiring into tools.AvailabilityContext.
func LobsterAvailable(execPath string) bool {
	if execPath == "" {
		execPath = "lobster"
	}
	if filepath.IsAbs(execPath) {
		_, err := os.Stat(execPath)
		return err == nil
	}
	_, err := exec.LookPath(execPath)
	return err == nil
}

func (t *LobsterTool) Name() string { return "lobster" }

func (t *LobsterTool) Description() string {
	return "Run or resume a Lobster pipeline (local-first workflow runtime with typed JSON envelopes and resumable approvals)."
}

func (t *LobsterTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["run", "resume"]},
			"pipeline": {"type": "string", "description": "Pipeline name, required for action=run"},
			"token": {"type": "string", "description": "Resume token, required for action=resume"},
			"approve": {"type": "boolean", "description": "Approval decision, required for action=resume"}
		},
		"required": ["action"]
	}`)
}

func (t *LobsterTool) Metadata() tools.Metadata {
	return tools.Metadata{
		Category:             tools.CategoryExecution,
		Priority:             tools.PriorityExpensive,
		RequiresConfirmation: true,
		SummaryKeyArg:        "pipeline",
	}
}

type lobsterParams struct {
	Action   string `json:"action"`
	Pipeline string `json:"pipeline,omitempty"`
	Token    string `json:"token,omitempty"`
	Approve  *bool  `json:"approve,omitempty"`
}

// lobsterEnvelope is the typed response every lobster invocation prints
// to stdout as one JSON object.
type lobsterEnvelope struct {
	OK               bool                    `json:"ok"`
	Status           string                  `json:"status,omitempty"`
	Output           []interface{}           `json:"output,omitempty"`
	RequiresApproval *lobsterApprovalRequest `json:"requiresApproval,omitempty"`
	Error            *lobsterError           `json:"error,omitempty"`
}

type lobsterApprovalRequest struct {
	Type        string        `json:"type"`
	Prompt      string        `json:"prompt"`
	Items       []interface{} `json:"items,omitempty"`
	ResumeToken string        `json:"resumeToken,omitempty"`
}

type lobsterError struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

func (t *LobsterTool) Run(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var p lobsterParams
	if err := json.Unmarshal(args, &p); err != nil {
		return &tools.Result{IsError: true, Content: fmt.Sprintf("invalid parameters: %v", err)}, nil
	}
	if p.Action == "" {
		return &tools.Result{IsError: true, Content: "action is required"}, nil
	}

	var cmdArgs []string
	switch p.Action {
	case "run":
		if p.Pipeline == "" {
			return &tools.Result{IsError: true, Content: "pipeline is required for action=run"}, nil
		}
		cmdArgs = []string{"run", "--mode", "tool", p.Pipeline}
	case "resume":
		if p.Token == "" {
			return &tools.Result{IsError: true, Content: "token is required for action=resume"}, nil
		}
		if p.Approve == nil {
			return &tools.Result{IsError: true, Content: "approve is required for action=resume"}, nil
		}
		approveStr := "no"
		if *p.Approve {
			approveStr = "yes"
		}
		cmdArgs = []string{"resume", "--token", p.Token, "--approve", approveStr}
	default:
		return &tools.Result{IsError: true, Content: fmt.Sprintf("unknown action: %s", p.Action)}, nil
	}

	stdout, err := t.runSubprocess(ctx, cmdArgs)
	if err != nil {
		return &tools.Result{IsError: true, Content: err.Error()}, nil
	}

	var envelope lobsterEnvelope
	if err := json.Unmarshal(stdout, &envelope); err != nil {
		return &tools.Result{IsError: true, Content: fmt.Sprintf("invalid lobster response: %v\n%s", err, stdout)}, nil
	}
	if !envelope.OK && envelope.Error != nil {
		return &tools.Result{IsError: true, Content: envelope.Error.Message}, nil
	}

	formatted, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return &tools.Result{IsError: true, Content: fmt.Sprintf("failed to format result: %v", err)}, nil
	}
	return &tools.Result{Content: string(formatted)}, nil
}

func (t *LobsterTool) runSubprocess(ctx context.Context, args []string) ([]byte, error) {
	timeout := time.Duration(t.timeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.execPath, args...)
	if t.workDir != "" {
		cmd.Dir = t.workDir
	}

	env := os.Environ()
	env = append(env, "LOBSTER_MODE=tool")
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		if strings.HasPrefix(e, "NODE_OPTIONS=") && strings.Contains(e, "--inspect") {
			continue
		}
		filtered = append(filtered, e)
	}
	cmd.Env = filtered

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("lobster: failed to start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return nil, fmt.Errorf("lobster: subprocess timed out (kill failed: %w)", err)
			}
		}
		return nil, fmt.Errorf("lobster: subprocess timed out")
	case err := <-done:
		if stdout.Len() > t.maxStdoutBytes {
			return nil, fmt.Errorf("lobster: output exceeded maxStdoutBytes (%d)", t.maxStdoutBytes)
		}
		if err != nil {
			errMsg := stderr.String()
			if errMsg == "" {
				errMsg = stdout.String()
			}
			return nil, fmt.Errorf("lobster: failed (%v): %s", err, strings.TrimSpace(errMsg))
		}
		return stdout.Bytes(), nil
	}
}
