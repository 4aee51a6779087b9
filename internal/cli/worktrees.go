package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var worktreesTaskID string

var worktreesCmd = &cobra.Command{
	Use:   "worktrees",
	Short: "List tracked worktrees",
	RunE:  runWorktrees,
}

func init() {
	worktreesCmd.Flags().StringVar(&worktreesTaskID, "task-id", "", "Only the worktree for this task")
	rootCmd.AddCommand(worktreesCmd)
}

func runWorktrees(cmd *cobra.Command, args []string) error {
	eventStore, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer eventStore.Close()

	records, err := eventStore.ListWorktrees(worktreesTaskID)
	if err != nil {
		return fmt.Errorf("failed to list worktrees: %w", err)
	}
	return printJSON(records)
}
