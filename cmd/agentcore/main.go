// Package main provides the CLI entry point for the Agent Execution Core:
// a "run" command that drives one turn through the Task Executor end to
// end, and a "checkpoint" command group exposing the Checkpoint CLI
// (list/rollback/diff/show).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agentcore",
		Short:        "Agent Execution Core: ReAct task runner and checkpoint inspector",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	root.PersistentFlags().String("workspace", ".", "workspace directory the task operates on")
	root.PersistentFlags().String("state-dir", defaultStateDir(), "directory for the checkpoint/session SQLite databases")

	root.AddCommand(
		buildRunCmd(),
		buildCheckpointCmd(),
	)
	return root
}

func defaultStateDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".agentcore"
	}
	return dir + "/agentcore"
}
