package cli

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the orchestrator health snapshot",
	Long: `Assemble a best-effort health report covering profiles, the codex
CLI, the event store, and the task projection. Collaborator failures
appear as fields in the report rather than failing the command.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	manager, eventStore, _, err := buildManager(cmd)
	if err != nil {
		return err
	}
	defer eventStore.Close()

	return printJSON(manager.StatusSnapshot(cmd.Context()))
}
