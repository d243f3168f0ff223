package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgehub/agentic-core/internal/executor"
	"github.com/forgehub/agentic-core/internal/task"
	"github.com/forgehub/agentic-core/internal/taskctx"
	"github.com/forgehub/agentic-core/internal/taskevents"
)

// buildRunCmd is the "run" subcommand: it drives one turn through the
// Task Executor end to end and prints the resulting transcript.
func buildRunCmd() *cobra.Command {
	var (
		sessionID string
		modelID   string
		agentType string
		commandID string
	)

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "run one turn of the Task Executor against a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, _ := cmd.Flags().GetString("workspace")
			stateDir, _ := cmd.Flags().GetString("state-dir")

			d, err := wire(stateDir)
			if err != nil {
				return err
			}
			defer d.Close()

			events := make(chan taskevents.Event, 256)
			d.executor.Sink = taskevents.NewChanSink(events)

			tc, err := d.executor.ExecuteTask(cmd.Context(), executor.ExecuteTaskParams{
				WorkspacePath: workspace,
				SessionID:     sessionID,
				UserPrompt:    args[0],
				ModelID:       modelID,
				AgentType:     agentType,
				CommandID:     commandID,
			})
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}

			return printEventsUntilTerminal(cmd.Context(), tc, events)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "existing session id to continue; empty creates a new session")
	cmd.Flags().StringVar(&modelID, "model", "", "model id override; defaults to the executor's configured default")
	cmd.Flags().StringVar(&agentType, "agent", "", "agent type to run (resolved from AGENTCORE_AGENTS_DIR when set, else the built-in agent); defaults to \"main\"")
	cmd.Flags().StringVar(&commandID, "command", "", "slash-command template id to render the prompt through")
	return cmd
}

// printEventsUntilTerminal renders taskevents.Events to stdout/stderr as
// they arrive, stopping once tc reaches a terminal status.
func printEventsUntilTerminal(ctx context.Context, tc *taskctx.Context, events <-chan taskevents.Event) error {
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(ev)
			if ev.Kind == taskevents.TaskError {
				return fmt.Errorf("run: task failed: %s", ev.Error)
			}
			if ev.Kind == taskevents.TaskCompleted || ev.Kind == taskevents.TaskCancelled {
				return nil
			}
		case <-poll.C:
			if taskctx.IsTerminal(tc.Status()) {
				drainRemaining(events)
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainRemaining prints any events still buffered after the status flip,
// so the final assistant text block isn't lost to the race between the
// status field and the event channel.
func drainRemaining(events <-chan taskevents.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			printEvent(ev)
		default:
			return
		}
	}
}

func printEvent(ev taskevents.Event) {
	switch ev.Kind {
	case taskevents.BlockAppended, taskevents.BlockUpdated:
		if ev.Block == nil {
			return
		}
		switch ev.Block.Type {
		case task.BlockText:
			fmt.Print(ev.Block.Content)
		case task.BlockTool:
			fmt.Printf("\n[tool] %s -> %s\n", ev.Block.ToolName, ev.Block.Output)
		}
	case taskevents.MessageFinished:
		fmt.Println()
	case taskevents.TaskRetrying:
		fmt.Printf("\n[retry %d/%d] %s\n", ev.Attempt, ev.MaxAttempts, ev.Reason)
	case taskevents.ToolConfirmationRequested:
		// cliPresenter already prints the prompt to stderr.
	case taskevents.TaskError:
		fmt.Printf("\n[error] %s\n", ev.Error)
	case taskevents.TaskCancelled:
		fmt.Println("\n[cancelled]")
	}
}
