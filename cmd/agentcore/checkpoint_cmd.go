package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildCheckpointCmd is the checkpoint command group: list, rollback, diff,
// and show (get_file_content), all against the same Checkpoint Engine the
// "run" command's write tool snapshots into.
func buildCheckpointCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "checkpoint",
		Short: "inspect and restore pre-edit file snapshots",
	}
	root.AddCommand(
		buildCheckpointListCmd(),
		buildCheckpointRollbackCmd(),
		buildCheckpointDiffCmd(),
		buildCheckpointShowCmd(),
	)
	return root
}

func buildCheckpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <session-id>",
		Short: "list checkpoints for a session, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stateDir, _ := cmd.Flags().GetString("state-dir")
			d, err := wire(stateDir)
			if err != nil {
				return err
			}
			defer d.Close()

			summaries, err := d.checkpoints.ListBySession(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("checkpoint list: %w", err)
			}
			if len(summaries) == 0 {
				fmt.Println("no checkpoints for this session")
				return nil
			}
			for _, s := range summaries {
				fmt.Printf("%s  parent=%s  files=%d  bytes=%d  %s\n",
					s.ID, s.ParentID, s.FileCount, s.TotalSize, s.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}
}

func buildCheckpointRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <checkpoint-id>",
		Short: "restore every file snapshotted at or after this checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stateDir, _ := cmd.Flags().GetString("state-dir")
			d, err := wire(stateDir)
			if err != nil {
				return err
			}
			defer d.Close()

			result, err := d.checkpoints.Rollback(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("checkpoint rollback: %w", err)
			}
			// Rolling the files back also rewinds the conversation: every
			// message after the one that opened the checkpointed turn is
			// dropped.
			if cp, err := d.checkpoints.Get(cmd.Context(), args[0]); err == nil && cp != nil && cp.MessageID != "" {
				if d.store != nil && d.store.Messages != nil {
					if err := d.store.Messages.TruncateAfter(cmd.Context(), cp.SessionID, cp.MessageID); err != nil {
						fmt.Printf("warning: could not truncate session messages: %v\n", err)
					}
				}
			}
			for _, p := range result.Restored {
				fmt.Printf("restored %s\n", p)
			}
			for _, f := range result.Failed {
				fmt.Printf("failed %s: %s\n", f.Path, f.Reason)
			}
			if len(result.Failed) > 0 {
				return fmt.Errorf("checkpoint rollback: %d file(s) could not be restored", len(result.Failed))
			}
			return nil
		},
	}
}

func buildCheckpointDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <checkpoint-id>",
		Short: "diff a checkpoint's snapshots against the current workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, _ := cmd.Flags().GetString("workspace")
			stateDir, _ := cmd.Flags().GetString("state-dir")
			d, err := wire(stateDir)
			if err != nil {
				return err
			}
			defer d.Close()

			entries, err := d.checkpoints.DiffWithWorkspace(cmd.Context(), args[0], workspace)
			if err != nil {
				return fmt.Errorf("checkpoint diff: %w", err)
			}
			for _, e := range entries {
				fmt.Printf("--- %s (%s) ---\n", e.Path, e.ChangeType)
				if e.Diff != "" {
					fmt.Println(e.Diff)
				}
			}
			return nil
		},
	}
}

func buildCheckpointShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <checkpoint-id> <path>",
		Short: "print a file's pre-edit content as captured by a checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stateDir, _ := cmd.Flags().GetString("state-dir")
			d, err := wire(stateDir)
			if err != nil {
				return err
			}
			defer d.Close()

			content, ok, err := d.checkpoints.GetFileContent(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("checkpoint show: %w", err)
			}
			if !ok {
				return fmt.Errorf("checkpoint show: no snapshot of %q at checkpoint %s", args[1], args[0])
			}
			fmt.Print(content)
			return nil
		},
	}
}
