package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgehub/agentic-core/internal/agentconfig"
	"github.com/forgehub/agentic-core/internal/checkpoint"
	"github.com/forgehub/agentic-core/internal/checkpoint/pgstore"
	ckptsqlite "github.com/forgehub/agentic-core/internal/checkpoint/sqlitestore"
	"github.com/forgehub/agentic-core/internal/compaction"
	"github.com/forgehub/agentic-core/internal/confirmation"
	"github.com/forgehub/agentic-core/internal/executor"
	"github.com/forgehub/agentic-core/internal/filetracker"
	"github.com/forgehub/agentic-core/internal/llm"
	"github.com/forgehub/agentic-core/internal/llm/anthropic"
	"github.com/forgehub/agentic-core/internal/llm/bedrock"
	"github.com/forgehub/agentic-core/internal/llm/openai"
	"github.com/forgehub/agentic-core/internal/reactloop"
	"github.com/forgehub/agentic-core/internal/sessionstore"
	prefsqlite "github.com/forgehub/agentic-core/internal/sessionstore/sqlitestore"
	"github.com/forgehub/agentic-core/internal/subtask"
	"github.com/forgehub/agentic-core/internal/taskctx"
	"github.com/forgehub/agentic-core/internal/tools"
	"github.com/forgehub/agentic-core/internal/tools/builtin"
	"github.com/forgehub/agentic-core/internal/tools/policy"
	"github.com/forgehub/agentic-core/internal/workspacewatch"
)

// deps is everything wired together for one CLI invocation: the Task
// Executor plus the pieces a command needs directly (checkpoints, for
// the "checkpoint" command group).
type deps struct {
	executor    *executor.Executor
	checkpoints *checkpoint.Engine
	store       *sessionstore.Store
	watcher     *workspacewatch.Watcher
	closers     []func() error
}

// DrainChanges makes deps the executor's ChangeFeed, delegating to the
// workspace watcher once one exists.
func (d *deps) DrainChanges() []workspacewatch.Change {
	if d.watcher == nil {
		return nil
	}
	return d.watcher.DrainChanges()
}

func (d *deps) Close() {
	for _, c := range d.closers {
		_ = c()
	}
}

// newWatchedTracker builds a fresh File Context Tracker with an
// internal/workspacewatch.Watcher attached, so an out-of-band edit made
// while a turn is running (the user's own editor, a background build)
// shows up as a SourceUserEdited witness instead of going unnoticed. The
// watcher is registered in d.closers so it stops when the CLI invocation
// ends.
// The watcher itself outlives any one tracker so pending change notices
// carry across turns; later turns just retarget it at their fresh
// tracker.
func (d *deps) newWatchedTracker(workspacePath string) *filetracker.Tracker {
	tracker := filetracker.New()
	if d.watcher != nil {
		d.watcher.Retarget(tracker)
		return tracker
	}
	watcher := workspacewatch.New(workspacePath, tracker)
	if err := watcher.Start(context.Background()); err == nil {
		d.watcher = watcher
		d.closers = append(d.closers, watcher.Close)
	}
	return tracker
}

// wire assembles the Task Executor and its collaborators: one
// main-package file building every concrete adapter and handing the
// interfaces to the core.
func wire(stateDir string) (*deps, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("wire: create state dir: %w", err)
	}
	d := &deps{}

	store, err := wireSessionStore(d, stateDir)
	if err != nil {
		return nil, err
	}
	d.store = store

	ckptBackend, err := wireCheckpointBackend(d, stateDir)
	if err != nil {
		return nil, err
	}
	blobs := checkpoint.NewBlobStore(ckptBackend, checkpoint.DefaultConfig())
	engine := checkpoint.NewEngine(ckptBackend, blobs, checkpoint.DefaultConfig())
	d.checkpoints = engine

	presenter := newCLIPresenter()
	confirmMgr := confirmation.New(store.Preferences, presenter)
	presenter.bind(confirmMgr)

	agentConfigs, err := wireAgentConfigs()
	if err != nil {
		return nil, err
	}

	provider, modelID, err := wireProvider()
	if err != nil {
		return nil, err
	}

	exec := executor.New()
	exec.Store = store
	exec.Checkpoints = engine
	exec.Sink = nil // replaced per-invocation in commands.go via taskevents.NewChanSink
	exec.Confirmation = confirmMgr
	exec.Configs = agentConfigs
	exec.Provider = provider
	exec.DefaultModelID = modelID
	exec.DefaultProvider = provider.Name()
	exec.DefaultAgentType = "main"
	exec.Limits = taskctx.DefaultLimits()
	exec.Compact = compaction.NewTrigger(0, &streamSummarizer{provider: provider, modelID: modelID}, nil)
	exec.NewRegistry = func(tc *taskctx.Context) *tools.Registry {
		return newRegistry(tc, confirmMgr)
	}
	exec.NewTracker = func(workspacePath string) *filetracker.Tracker {
		return d.newWatchedTracker(workspacePath)
	}
	exec.Changes = d

	runner := &subtask.Runner{
		Store:   store,
		Configs: agentConfigs,
		Active:  exec,
		Limits:  exec.Limits,
		NewOrchestrator: func(registry *tools.Registry) *reactloop.Orchestrator {
			return &reactloop.Orchestrator{Provider: provider, Registry: registry, Tracker: filetracker.New()}
		},
	}
	exec.Subtasks = runner

	d.executor = exec
	return d, nil
}

// wireSessionStore picks a SQLite-backed Preferences store (so confirmed
// "allow always" rules survive a restart) while keeping
// Sessions/Messages in-memory for the lifetime of the process, same split
// internal/sessionstore/sqlitestore documents.
func wireSessionStore(d *deps, stateDir string) (*sessionstore.Store, error) {
	prefs, err := prefsqlite.New(filepath.Join(stateDir, "preferences.db"))
	if err != nil {
		return nil, fmt.Errorf("wire: preference store: %w", err)
	}
	d.closers = append(d.closers, prefs.Close)

	store := sessionstore.NewMemoryStore()
	store.Preferences = prefs
	return store, nil
}

// wireCheckpointBackend picks Postgres when AGENTCORE_POSTGRES_DSN is set
// (multi-process / shared deployments), otherwise the local SQLite file
// under stateDir.
func wireCheckpointBackend(d *deps, stateDir string) (checkpoint.Backend, error) {
	if dsn := os.Getenv("AGENTCORE_POSTGRES_DSN"); dsn != "" {
		pg, err := pgstore.New(dsn)
		if err != nil {
			return nil, fmt.Errorf("wire: postgres checkpoint store: %w", err)
		}
		d.closers = append(d.closers, pg.Close)
		return pg, nil
	}

	sqlite, err := ckptsqlite.New(filepath.Join(stateDir, "checkpoints.db"))
	if err != nil {
		return nil, fmt.Errorf("wire: checkpoint store: %w", err)
	}
	d.closers = append(d.closers, sqlite.Close)
	return sqlite, nil
}

func wireAgentConfigs() (*agentconfig.Store, error) {
	dir := os.Getenv("AGENTCORE_AGENTS_DIR")
	if dir == "" {
		return agentconfig.NewStore(map[string]*agentconfig.Agent{
			"main": {
				Name:         "main",
				Mode:         agentconfig.ModePrimary,
				SystemPrompt: "You are a careful, precise coding agent operating in a real workspace. Explain your reasoning briefly before acting and confirm destructive actions.",
			},
		}), nil
	}
	store, err := agentconfig.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wire: load agent configs from %s: %w", dir, err)
	}
	return store, nil
}

// wireProvider selects the LLM provider from AGENTCORE_PROVIDER
// (anthropic, openai, or bedrock; default anthropic), each adapter
// already implementing llm.Provider over its own SDK.
func wireProvider() (llm.Provider, string, error) {
	model := os.Getenv("AGENTCORE_MODEL")

	switch os.Getenv("AGENTCORE_PROVIDER") {
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, "", fmt.Errorf("wire: OPENAI_API_KEY is not set")
		}
		if model == "" {
			model = "gpt-4.1"
		}
		return openai.New(apiKey, model), model, nil

	case "bedrock":
		if model == "" {
			model = "anthropic.claude-3-5-sonnet-20241022-v2:0"
		}
		p, err := bedrock.New(context.Background(), bedrock.Config{
			Region:       os.Getenv("AWS_REGION"),
			DefaultModel: model,
		})
		if err != nil {
			return nil, "", fmt.Errorf("wire: bedrock provider: %w", err)
		}
		return p, model, nil

	default:
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, "", fmt.Errorf("wire: ANTHROPIC_API_KEY is not set")
		}
		if model == "" {
			model = "claude-sonnet-4-20250514"
		}
		p := anthropic.New(anthropic.Config{
			APIKey:       apiKey,
			BaseURL:      os.Getenv("ANTHROPIC_BASE_URL"),
			DefaultModel: model,
		})
		return p, model, nil
	}
}

// newRegistry builds the per-task Tool Registry: the
// filesystem/shell base tools, gated behind the policy-derived
// PermissionChecker and the shared Confirmation Manager. The write tool's
// BeforeWrite hook snapshots the file into tc's active checkpoint before
// any byte is overwritten.
func newRegistry(tc *taskctx.Context, confirmMgr *confirmation.Manager) *tools.Registry {
	reg := tools.New(false)
	reg.Confirmer = confirmMgr
	reg.Permission = newPolicyPermissionChecker(policy.ProfileCoding(), tc.AgentType)

	reg.Register(builtin.NewReadTool(tc.WorkspaceRoot, 1<<20), tools.AvailabilityContext{})
	reg.Register(builtin.NewShellTool(tc.WorkspaceRoot), tools.AvailabilityContext{})
	reg.Register(builtin.NewWriteTool(tc.WorkspaceRoot, func(ctx context.Context, absPath string) error {
		rel, err := filepath.Rel(tc.WorkspaceRoot, absPath)
		if err != nil {
			rel = absPath
		}
		return tc.SnapshotFileBeforeEdit(ctx, rel)
	}), tools.AvailabilityContext{})

	lobsterBin := os.Getenv("AGENTCORE_LOBSTER_BIN")
	if builtin.LobsterAvailable(lobsterBin) {
		reg.Register(builtin.NewLobsterTool(builtin.LobsterConfig{
			ExecPath: lobsterBin,
			WorkDir:  tc.WorkspaceRoot,
		}), tools.AvailabilityContext{})
	}

	return reg
}
