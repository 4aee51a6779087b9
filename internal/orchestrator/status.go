package orchestrator

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/woodwosj/hydra/internal/store"
)

// ProfilesStatus reports on the profile catalog.
type ProfilesStatus struct {
	Count int      `json:"count"`
	IDs   []string `json:"ids,omitempty"`
	Error string   `json:"error,omitempty"`
}

// CodexStatus reports on CLI runner availability.
type CodexStatus struct {
	Path         string `json:"path,omitempty"`
	DefaultModel string `json:"default_model,omitempty"`
	Available    bool   `json:"available"`
	Version      string `json:"version,omitempty"`
	Error        string `json:"error,omitempty"`
}

// StorageStatus reports on the event store.
type StorageStatus struct {
	Path      string `json:"path,omitempty"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// ResumeMetrics aggregates resume sweep activity for this process.
type ResumeMetrics struct {
	Attempts        int            `json:"attempts"`
	StatusCounts    map[string]int `json:"status_counts,omitempty"`
	ActiveAlerts    int            `json:"active_alerts"`
	AlertThreshold  int            `json:"alert_threshold"`
	MostRecentAlert *AlertRecord   `json:"most_recent_alert,omitempty"`
}

// TasksStatus reports on the task projection.
type TasksStatus struct {
	Count         int                            `json:"count"`
	StatusCounts  map[string]int                 `json:"status_counts,omitempty"`
	Sessions      []*store.SessionTrackingRecord `json:"sessions,omitempty"`
	Worktrees     []*store.WorktreeRecord        `json:"worktrees,omitempty"`
	ResumeActions []ResumeAction                 `json:"resume_actions,omitempty"`
	ResumeMetrics ResumeMetrics                  `json:"resume_metrics"`
}

// Snapshot is a point-in-time health and activity report.
type Snapshot struct {
	Timestamp string         `json:"timestamp"`
	Profiles  ProfilesStatus `json:"profiles"`
	Codex     CodexStatus    `json:"codex"`
	Storage   StorageStatus  `json:"storage"`
	Tasks     TasksStatus    `json:"tasks"`
}

// statusPreviewLimit caps the session, worktree, and resume action lists in
// the snapshot.
const statusPreviewLimit = 5

// StatusSnapshot assembles a best-effort health report. Collaborator
// failures degrade to descriptive fields; the call itself never fails.
func (m *Manager) StatusSnapshot(ctx context.Context) *Snapshot {
	snapshot := &Snapshot{
		Timestamp: m.clock().Format(time.RFC3339Nano),
	}

	profiles, err := m.profiles.LoadAll()
	if err != nil {
		snapshot.Profiles.Error = err.Error()
	} else {
		ids := make([]string, 0, len(profiles))
		for id := range profiles {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		snapshot.Profiles.Count = len(ids)
		snapshot.Profiles.IDs = ids
	}

	if m.cfg != nil {
		snapshot.Codex.Path = m.cfg.CodexPath
		snapshot.Codex.DefaultModel = m.cfg.CodexDefaultModel
		snapshot.Storage.Path = m.cfg.StorePath
	}

	if m.runner == nil {
		snapshot.Codex.Error = ErrRunnerUnavailable.Error()
	} else if result, err := m.runner.Version(ctx); err != nil {
		snapshot.Codex.Error = err.Error()
	} else if result.OK() {
		snapshot.Codex.Available = true
		snapshot.Codex.Version = strings.TrimSpace(result.Stdout)
	} else {
		snapshot.Codex.Error = strings.TrimSpace(result.Stderr)
	}

	if err := m.store.Ping(); err != nil {
		snapshot.Storage.Error = err.Error()
	} else {
		snapshot.Storage.Available = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	statusCounts := make(map[string]int)
	activeAlerts := 0
	threshold := m.alertThreshold()
	for _, task := range m.tasks {
		statusCounts[string(task.Status)]++
		if task.ResumeFailureCount >= threshold {
			activeAlerts++
		}
	}

	resumeCounts := make(map[string]int)
	for _, action := range m.resumeActions {
		resumeCounts[action.Status]++
	}

	sessions := make([]*store.SessionTrackingRecord, 0, len(m.sessions))
	for _, record := range m.sessions {
		sessions = append(sessions, record)
	}
	sortSessionRecords(sessions)

	worktrees := make([]*store.WorktreeRecord, 0, len(m.worktrees))
	for _, record := range m.worktrees {
		worktrees = append(worktrees, record)
	}
	sortWorktreeRecords(worktrees)

	snapshot.Tasks = TasksStatus{
		Count:         len(m.tasks),
		StatusCounts:  statusCounts,
		Sessions:      tailSessions(sessions, statusPreviewLimit),
		Worktrees:     tailWorktrees(worktrees, statusPreviewLimit),
		ResumeActions: tailActions(m.resumeActions, statusPreviewLimit),
		ResumeMetrics: ResumeMetrics{
			Attempts:        len(m.resumeActions),
			StatusCounts:    resumeCounts,
			ActiveAlerts:    activeAlerts,
			AlertThreshold:  threshold,
			MostRecentAlert: m.lastAlert,
		},
	}
	return snapshot
}

func tailSessions(records []*store.SessionTrackingRecord, n int) []*store.SessionTrackingRecord {
	if len(records) <= n {
		return records
	}
	return records[len(records)-n:]
}

func tailWorktrees(records []*store.WorktreeRecord, n int) []*store.WorktreeRecord {
	if len(records) <= n {
		return records
	}
	return records[len(records)-n:]
}

func tailActions(actions []ResumeAction, n int) []ResumeAction {
	result := append([]ResumeAction{}, actions...)
	if len(result) <= n {
		return result
	}
	return result[len(result)-n:]
}
