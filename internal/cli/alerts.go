package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/woodwosj/hydra/internal/store"
)

var (
	alertsTaskID string
	alertsLimit  int
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List persisted resume alerts",
	Long: `List resume_alert events in ascending timestamp order. With --limit,
only the latest N alerts are shown.`,
	RunE: runAlerts,
}

func init() {
	alertsCmd.Flags().StringVar(&alertsTaskID, "task-id", "", "Only alerts for this task")
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 0, "Keep only the latest N alerts")
	rootCmd.AddCommand(alertsCmd)
}

func runAlerts(cmd *cobra.Command, args []string) error {
	eventStore, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer eventStore.Close()

	alerts, err := fetchAlerts(eventStore, alertsTaskID, alertsLimit)
	if err != nil {
		return err
	}
	return printJSON(alerts)
}

// fetchAlerts returns resume_alert events ascending by timestamp, keeping
// only the latest n when n > 0.
func fetchAlerts(eventStore *store.Store, taskID string, n int) ([]*store.Event, error) {
	filters := map[string]any{"event_type": store.EventResumeAlert}
	if taskID != "" {
		filters["task_id"] = taskID
	}

	alerts, err := eventStore.Query("", filters, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	return store.Tail(alerts, n), nil
}
