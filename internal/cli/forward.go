package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/woodwosj/hydra/internal/store"
)

var (
	forwardTaskID string
	forwardLimit  int
	forwardFormat string
	forwardOutput string
)

var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Forward resume alerts to stdout or a file",
	Long: `Render persisted resume alerts for an external pager or ticketing
hook. Text output emits one pipe-delimited line per alert; json emits
the full alert records.`,
	RunE: runForward,
}

func init() {
	forwardCmd.Flags().StringVar(&forwardTaskID, "task-id", "", "Only alerts for this task")
	forwardCmd.Flags().IntVar(&forwardLimit, "limit", 0, "Keep only the latest N alerts")
	forwardCmd.Flags().StringVar(&forwardFormat, "format", "text", "Output format (text, json)")
	forwardCmd.Flags().StringVar(&forwardOutput, "output", "", "Write to a file instead of stdout")
	rootCmd.AddCommand(forwardCmd)
}

func runForward(cmd *cobra.Command, args []string) error {
	format := strings.ToLower(forwardFormat)
	if format != "text" && format != "json" {
		return fmt.Errorf("unsupported format %q (want text or json)", forwardFormat)
	}

	eventStore, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer eventStore.Close()

	alerts, err := fetchAlerts(eventStore, forwardTaskID, forwardLimit)
	if err != nil {
		return err
	}

	rendered, err := renderAlerts(alerts, format)
	if err != nil {
		return err
	}

	if forwardOutput != "" {
		if err := os.WriteFile(forwardOutput, []byte(rendered), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", forwardOutput, err)
		}
		fmt.Printf("Forwarded %d alerts to %s\n", len(alerts), forwardOutput)
		return nil
	}

	fmt.Print(rendered)
	return nil
}

func renderAlerts(alerts []*store.Event, format string) (string, error) {
	if format == "json" {
		encoded, err := json.MarshalIndent(alerts, "", "  ")
		if err != nil {
			return "", err
		}
		return string(encoded) + "\n", nil
	}

	var b strings.Builder
	for _, alert := range alerts {
		fmt.Fprintf(&b, "task=%s | session=%s | failures=%d | threshold=%d | status=%s | timestamp=%s\n",
			alert.MetaString("task_id"),
			alert.MetaString("session_id"),
			alert.MetaInt("failure_count"),
			alert.MetaInt("threshold"),
			alert.MetaString("resume_status"),
			alert.Timestamp.Format(time.RFC3339),
		)
	}
	return b.String(), nil
}
