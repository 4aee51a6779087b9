package orchestrator

import (
	"context"
	"time"

	"github.com/woodwosj/hydra/internal/store"
)

// Resume action statuses.
const (
	ResumeStatusResumed = "resumed"
	ResumeStatusFailed  = "resume_failed"
	ResumeStatusError   = "resume_error"
	ResumeStatusPending = "resume_pending"
)

// ResumeAction records one resume attempt against a running task.
type ResumeAction struct {
	TaskID       string    `json:"task_id"`
	SessionID    string    `json:"session_id,omitempty"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	FailureCount int       `json:"failure_count"`
	AttemptedAt  time.Time `json:"attempted_at"`
}

// AlertRecord captures a threshold breach raised during a sweep.
type AlertRecord struct {
	TaskID       string    `json:"task_id"`
	SessionID    string    `json:"session_id,omitempty"`
	ResumeStatus string    `json:"resume_status"`
	FailureCount int       `json:"failure_count"`
	Threshold    int       `json:"threshold"`
	RaisedAt     time.Time `json:"raised_at"`
}

// ResumeSweep attempts to reattach every task projected as running. Call it
// once after Hydrate; it is safe to call again, and concurrent sweeps are
// mutually exclusive.
//
// A task whose session resumes cleanly stays running with its failure count
// reset. A failed or errored resume demotes the task to queued and increments
// the count; without a runner or a session id the task is demoted without a
// failure increment. Crossing the configured threshold raises a resume_alert
// on every sweep for as long as the condition holds. Nothing in the sweep is
// fatal: per-task bookkeeping failures are logged and skipped.
func (m *Manager) ResumeSweep(ctx context.Context) []ResumeAction {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	m.mu.RLock()
	running := make([]string, 0, len(m.tasks))
	for taskID, task := range m.tasks {
		if task.Status == StatusRunning {
			running = append(running, taskID)
		}
	}
	m.mu.RUnlock()

	actions := make([]ResumeAction, 0, len(running))
	for _, taskID := range running {
		action, ok := m.resumeTask(ctx, taskID)
		if ok {
			actions = append(actions, action)
		}
	}

	m.mu.Lock()
	m.resumeActions = append(m.resumeActions, actions...)
	m.mu.Unlock()
	return actions
}

// resumeTask performs one resume attempt. It returns false when the task
// left the running state before the attempt could be applied.
func (m *Manager) resumeTask(ctx context.Context, taskID string) (ResumeAction, bool) {
	m.mu.RLock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status != StatusRunning {
		m.mu.RUnlock()
		return ResumeAction{}, false
	}
	sessionID := task.SessionID
	failures := task.ResumeFailureCount
	m.mu.RUnlock()

	action := ResumeAction{
		TaskID:      taskID,
		SessionID:   sessionID,
		AttemptedAt: m.clock(),
	}
	nextStatus := StatusQueued

	switch {
	case m.runner == nil || sessionID == "":
		action.Status = ResumeStatusPending
		action.FailureCount = failures
	default:
		result, err := m.runner.Resume(ctx, sessionID)
		switch {
		case err != nil:
			action.Status = ResumeStatusError
			action.Error = err.Error()
			action.FailureCount = failures + 1
		case result.OK():
			action.Status = ResumeStatusResumed
			action.FailureCount = 0
			nextStatus = StatusRunning
		default:
			action.Status = ResumeStatusFailed
			action.FailureCount = failures + 1
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok = m.tasks[taskID]
	if !ok || task.Status != StatusRunning {
		return ResumeAction{}, false
	}

	task.Status = nextStatus
	task.ResumeFailureCount = action.FailureCount
	attemptedAt := action.AttemptedAt
	task.LastResumeAttempt = &attemptedAt
	task.UpdatedAt = attemptedAt

	if _, err := m.store.Append(store.TaskStream(taskID), store.EventTaskResume, map[string]any{
		"task_id":       taskID,
		"status":        string(nextStatus),
		"session_id":    sessionID,
		"resume_status": action.Status,
		"error":         action.Error,
	}, map[string]any{
		"task_id":       taskID,
		"status":        string(nextStatus),
		"resume_status": action.Status,
		"failure_count": action.FailureCount,
		"attempted_at":  attemptedAt.Format(time.RFC3339Nano),
	}); err != nil {
		m.logger.Printf("WARNING resume sweep: record attempt for task %s: %v", taskID, err)
	}

	threshold := m.alertThreshold()
	if action.FailureCount >= threshold {
		alert := &AlertRecord{
			TaskID:       taskID,
			SessionID:    sessionID,
			ResumeStatus: action.Status,
			FailureCount: action.FailureCount,
			Threshold:    threshold,
			RaisedAt:     attemptedAt,
		}
		if _, err := m.store.Append(store.TaskStream(taskID), store.EventResumeAlert, alert, map[string]any{
			"task_id":       taskID,
			"status":        string(nextStatus),
			"session_id":    sessionID,
			"resume_status": action.Status,
			"failure_count": action.FailureCount,
			"threshold":     threshold,
		}); err != nil {
			m.logger.Printf("WARNING resume sweep: record alert for task %s: %v", taskID, err)
		}
		m.lastAlert = alert
		m.logger.Printf("WARNING Resume failures exceeded threshold: task=%s failures=%d threshold=%d", taskID, action.FailureCount, threshold)
	}

	return action, true
}

// ResumeActions returns every resume attempt recorded by this process.
func (m *Manager) ResumeActions() []ResumeAction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ResumeAction{}, m.resumeActions...)
}

func (m *Manager) alertThreshold() int {
	if m.cfg == nil || m.cfg.ResumeAlertThreshold < 1 {
		return 3
	}
	return m.cfg.ResumeAlertThreshold
}
