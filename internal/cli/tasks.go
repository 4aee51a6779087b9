package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/woodwosj/hydra/internal/store"
)

var tasksJSON bool

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Aliases: []string{"ls"},
	Short:   "List tasks replayed from the event log",
	Long:    `List every known task with its current status, session, and resume failures.`,
	RunE:    runTasks,
}

func init() {
	tasksCmd.Flags().BoolVar(&tasksJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(tasksCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	eventStore, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer eventStore.Close()

	tasks, err := eventStore.ReplayTasks()
	if err != nil {
		return fmt.Errorf("failed to replay tasks: %w", err)
	}

	if tasksJSON {
		return printJSON(tasks)
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}
	return printTaskTable(tasks)
}

func printTaskTable(tasks []*store.TaskProjection) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tPROFILE\tSTATUS\tSESSION\tFAILURES\tAGE")
	fmt.Fprintln(w, "----\t-------\t------\t-------\t--------\t---")

	for _, task := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			task.TaskID,
			task.ProfileID,
			colorStatus(task.Status),
			task.SessionID,
			task.ResumeFailureCount,
			formatDuration(time.Since(task.CreatedAt)),
		)
	}
	return w.Flush()
}

func colorStatus(status string) string {
	if !isTerminal() {
		return status
	}

	switch status {
	case "running":
		return color.GreenString(status)
	case "pending", "queued":
		return color.YellowString(status)
	case "failed", "cancelled":
		return color.RedString(status)
	case "completed":
		return color.CyanString(status)
	default:
		return status
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// isTerminal checks if stdout is a terminal (TTY).
// This is used to determine whether to use colors in output.
func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
