package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionsTaskID string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List tracked agent sessions",
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsTaskID, "task-id", "", "Only sessions owned by this task")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	eventStore, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer eventStore.Close()

	records, err := eventStore.ListSessionTracking(sessionsTaskID)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	return printJSON(records)
}
