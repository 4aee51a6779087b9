package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/woodwosj/hydra/internal/store"
)

// taskAlert flags a task whose resume failures reached the threshold.
type taskAlert struct {
	TaskID       string `json:"task_id"`
	SessionID    string `json:"session_id,omitempty"`
	Status       string `json:"status"`
	FailureCount int    `json:"failure_count"`
}

// metricsReport aggregates lifecycle and resume activity from the log.
type metricsReport struct {
	TotalTasks         int            `json:"total_tasks"`
	StatusCounts       map[string]int `json:"status_counts"`
	ResumeAttempts     int            `json:"resume_attempts"`
	ResumeStatusCounts map[string]int `json:"resume_status_counts"`
	AlertThreshold     int            `json:"alert_threshold"`
	FailureAlerts      []taskAlert    `json:"failure_alerts,omitempty"`
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Aggregate task and resume metrics from the event log",
	RunE:  runMetrics,
}

func init() {
	rootCmd.AddCommand(metricsCmd)
}

func runMetrics(cmd *cobra.Command, args []string) error {
	eventStore, cfg, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer eventStore.Close()

	tasks, err := eventStore.ReplayTasks()
	if err != nil {
		return fmt.Errorf("failed to replay tasks: %w", err)
	}
	resumes, err := eventStore.Query("", map[string]any{"event_type": store.EventTaskResume}, 0)
	if err != nil {
		return fmt.Errorf("failed to query resume events: %w", err)
	}

	report := metricsReport{
		TotalTasks:         len(tasks),
		StatusCounts:       make(map[string]int),
		ResumeAttempts:     len(resumes),
		ResumeStatusCounts: make(map[string]int),
		AlertThreshold:     cfg.ResumeAlertThreshold,
	}

	for _, task := range tasks {
		report.StatusCounts[task.Status]++
		if task.ResumeFailureCount >= cfg.ResumeAlertThreshold {
			report.FailureAlerts = append(report.FailureAlerts, taskAlert{
				TaskID:       task.TaskID,
				SessionID:    task.SessionID,
				Status:       task.Status,
				FailureCount: task.ResumeFailureCount,
			})
		}
	}
	for _, event := range resumes {
		if status := event.MetaString("resume_status"); status != "" {
			report.ResumeStatusCounts[status]++
		}
	}

	return printJSON(report)
}
