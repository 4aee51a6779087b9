package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/woodwosj/hydra/internal/store"
)

// Status is a task lifecycle state.
type Status string

// Task statuses. Pending tasks have never run; queued tasks ran before but
// lost their session; completed, cancelled, and failed are terminal.
const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether a task in this status accepts no further
// transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// parseOutcome validates a completion outcome, case-insensitively.
func parseOutcome(outcome string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(outcome))) {
	case StatusPending:
		return StatusPending, nil
	case StatusRunning:
		return StatusRunning, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusCancelled:
		return StatusCancelled, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
}

// Task is the orchestrator's view of one unit of delegated work.
type Task struct {
	TaskID             string         `json:"task_id"`
	ProfileID          string         `json:"profile_id"`
	TaskBrief          string         `json:"task_brief"`
	Status             Status         `json:"status"`
	SessionID          string         `json:"session_id,omitempty"`
	ContextPackage     map[string]any `json:"context_package,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	ResumeFailureCount int            `json:"resume_failure_count"`
	LastResumeAttempt  *time.Time     `json:"last_resume_attempt,omitempty"`
}

func taskFromProjection(p *store.TaskProjection) *Task {
	return &Task{
		TaskID:             p.TaskID,
		ProfileID:          p.ProfileID,
		TaskBrief:          p.TaskBrief,
		Status:             Status(p.Status),
		SessionID:          p.SessionID,
		ContextPackage:     p.ContextPackage,
		Metadata:           p.Metadata,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
		ResumeFailureCount: p.ResumeFailureCount,
	}
}

// snapshot returns a copy safe to hand to callers.
func (t *Task) snapshot() *Task {
	copied := *t
	return &copied
}

// CreateTask registers a new pending task against a known profile.
func (m *Manager) CreateTask(ctx context.Context, profileID, taskBrief string, contextPackage, metadata map[string]any) (*Task, error) {
	if _, err := m.resolveProfile(profileID); err != nil {
		return nil, err
	}

	task := &Task{
		TaskID:         newTaskID(),
		ProfileID:      profileID,
		TaskBrief:      taskBrief,
		Status:         StatusPending,
		ContextPackage: contextPackage,
		Metadata:       metadata,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	event, err := m.store.Append(store.TaskStream(task.TaskID), store.EventTaskCreated, map[string]any{
		"task_id":         task.TaskID,
		"profile_id":      profileID,
		"task_brief":      taskBrief,
		"context_package": contextPackage,
		"metadata":        metadata,
	}, map[string]any{
		"task_id":    task.TaskID,
		"profile_id": profileID,
		"status":     string(StatusPending),
	})
	if err != nil {
		return nil, fmt.Errorf("record task creation: %w", err)
	}

	task.CreatedAt = event.Timestamp
	task.UpdatedAt = event.Timestamp
	m.tasks[task.TaskID] = task
	return task.snapshot(), nil
}

// StartTask spawns an agent session for a pending or queued task. The runner
// call happens outside the manager lock; the task's state is re-checked
// before the transition is applied, so a concurrent completion wins.
func (m *Manager) StartTask(ctx context.Context, taskID string, flags []string) (*Task, error) {
	if m.runner == nil {
		return nil, ErrRunnerUnavailable
	}

	m.mu.RLock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != StatusPending && task.Status != StatusQueued {
		status := task.Status
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: cannot start task in status %q", ErrInvalidState, status)
	}
	profileID := task.ProfileID
	taskBrief := task.TaskBrief
	contextPackage := task.ContextPackage
	m.mu.RUnlock()

	p, err := m.resolveProfile(profileID)
	if err != nil {
		return nil, err
	}

	prompt := p.BuildPrompt(taskBrief, nil)
	sessionID := m.newSessionID(profileID)
	result, err := m.runner.Spawn(ctx, prompt, m.spawnFlags(flags))
	if err != nil {
		return nil, fmt.Errorf("spawn agent for task %s: %w", taskID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok = m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != StatusPending && task.Status != StatusQueued {
		return nil, fmt.Errorf("%w: task %s moved to %q while spawning", ErrInvalidState, taskID, task.Status)
	}

	event, err := m.store.Append(store.TaskStream(taskID), store.EventTaskStarted, map[string]any{
		"task_id":    taskID,
		"status":     string(StatusRunning),
		"session_id": sessionID,
		"returncode": result.ExitCode,
	}, map[string]any{
		"task_id":    taskID,
		"status":     string(StatusRunning),
		"session_id": sessionID,
		// Replay projects the failure count from the latest event, so every
		// lifecycle event must carry it forward.
		"failure_count": task.ResumeFailureCount,
	})
	if err != nil {
		return nil, fmt.Errorf("record task start: %w", err)
	}

	task.Status = StatusRunning
	task.SessionID = sessionID
	task.UpdatedAt = event.Timestamp

	record, err := m.store.RecordSessionTracking(sessionID, taskID, profileID, string(StatusRunning), map[string]any{
		"returncode": result.ExitCode,
	})
	if err != nil {
		return nil, fmt.Errorf("record session tracking: %w", err)
	}
	m.sessions[sessionID] = record

	if path, ok := contextPackage["worktree_path"].(string); ok && path != "" {
		branch, _ := contextPackage["worktree_branch"].(string)
		worktree, err := m.store.RecordWorktree(taskID, path, branch, "active", nil)
		if err != nil {
			return nil, fmt.Errorf("record worktree: %w", err)
		}
		m.worktrees[taskID] = worktree
	}

	return task.snapshot(), nil
}

// spawnFlags injects the configured default model unless the caller already
// chose one.
func (m *Manager) spawnFlags(flags []string) []string {
	merged := append([]string{}, flags...)
	if m.cfg == nil || m.cfg.CodexDefaultModel == "" {
		return merged
	}
	for _, flag := range merged {
		if flag == "--model" || strings.HasPrefix(flag, "--model=") {
			return merged
		}
	}
	return append(merged, "--model", m.cfg.CodexDefaultModel)
}

// TaskStatus returns the current snapshot for a task. Pure read, no event.
func (m *Manager) TaskStatus(taskID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task.snapshot(), nil
}

// ListTasks returns every tracked task, sorted by id.
func (m *Manager) ListTasks() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task.snapshot())
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].TaskID < tasks[j].TaskID
	})
	return tasks
}

// CompleteTask records an explicit outcome for a task. Terminal statuses
// are irreversible; a further completion attempt returns ErrInvalidState.
func (m *Manager) CompleteTask(ctx context.Context, taskID, outcome, summary string) (*Task, error) {
	status, err := parseOutcome(outcome)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: task %s already %q", ErrInvalidState, taskID, task.Status)
	}

	event, err := m.store.Append(store.TaskStream(taskID), store.EventTaskCompleted, map[string]any{
		"task_id":    taskID,
		"status":     string(status),
		"session_id": task.SessionID,
		"summary":    summary,
	}, map[string]any{
		"task_id":       taskID,
		"status":        string(status),
		"failure_count": task.ResumeFailureCount,
	})
	if err != nil {
		return nil, fmt.Errorf("record task completion: %w", err)
	}

	task.Status = status
	task.UpdatedAt = event.Timestamp
	if summary != "" {
		if task.Metadata == nil {
			task.Metadata = make(map[string]any)
		}
		task.Metadata["summary"] = summary
	}

	if task.SessionID != "" {
		record, err := m.store.RecordSessionTracking(task.SessionID, taskID, task.ProfileID, string(status), nil)
		if err != nil {
			return nil, fmt.Errorf("record session tracking: %w", err)
		}
		m.sessions[task.SessionID] = record
	}

	if worktree, ok := m.worktrees[taskID]; ok {
		updated, err := m.store.RecordWorktree(taskID, worktree.Path, worktree.Branch, string(status), nil)
		if err != nil {
			return nil, fmt.Errorf("record worktree: %w", err)
		}
		m.worktrees[taskID] = updated
	}

	return task.snapshot(), nil
}

func sortSessionRecords(records []*store.SessionTrackingRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].StartedAt.Before(records[j].StartedAt)
		}
		return records[i].SessionID < records[j].SessionID
	})
}

func sortWorktreeRecords(records []*store.WorktreeRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].TaskID < records[j].TaskID
	})
}
