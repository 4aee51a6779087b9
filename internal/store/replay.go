package store

import (
	"encoding/json"
	"sort"
	"time"
)

// TaskProjection is the current state of a task, reconstructed by folding
// its event stream. Brief, profile, context package, and metadata are
// immutable after creation and always come from the creation event; status
// and session come from the latest event.
type TaskProjection struct {
	TaskID             string         `json:"task_id"`
	ProfileID          string         `json:"profile_id"`
	TaskBrief          string         `json:"task_brief"`
	Status             string         `json:"status"`
	SessionID          string         `json:"session_id,omitempty"`
	ContextPackage     map[string]any `json:"context_package,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	ResumeFailureCount int            `json:"resume_failure_count"`
}

// SessionTrackingRecord is the latest snapshot for a tracked session,
// folded from session_tracking events. Later events overwrite status and
// timestamps; metadata maps are merged rather than replaced.
type SessionTrackingRecord struct {
	SessionID   string         `json:"session_id"`
	TaskID      string         `json:"task_id,omitempty"`
	ProfileID   string         `json:"profile_id"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// WorktreeRecord is the latest worktree snapshot for a task, folded from
// worktree_update events. One active worktree per task; later events win.
type WorktreeRecord struct {
	TaskID    string         `json:"task_id"`
	Path      string         `json:"path"`
	Branch    string         `json:"branch,omitempty"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Event body payloads, decoded once at fold time.

type taskCreatedPayload struct {
	TaskID         string         `json:"task_id"`
	ProfileID      string         `json:"profile_id"`
	TaskBrief      string         `json:"task_brief"`
	ContextPackage map[string]any `json:"context_package"`
	Metadata       map[string]any `json:"metadata"`
}

type taskEventPayload struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

type sessionTrackingPayload struct {
	SessionID string         `json:"session_id"`
	TaskID    string         `json:"task_id"`
	ProfileID string         `json:"profile_id"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata"`
}

type worktreePayload struct {
	TaskID   string         `json:"task_id"`
	Path     string         `json:"path"`
	Branch   string         `json:"branch"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata"`
}

// terminalSessionStatus reports whether a session status marks the session
// as finished.
func terminalSessionStatus(status string) bool {
	switch status {
	case "completed", "cancelled", "failed", "terminated":
		return true
	default:
		return false
	}
}

// ReplayTasks reconstructs task projections from the full event log.
//
// Each task_created event yields one candidate keyed by the task_id in its
// body; creation events with a missing task_id are malformed and skipped.
// The fold is idempotent and side-effect free: replaying an unchanged log
// twice yields identical projections.
func (s *Store) ReplayTasks() ([]*TaskProjection, error) {
	created, err := s.Query("", map[string]any{"event_type": EventTaskCreated}, 0)
	if err != nil {
		return nil, err
	}

	var projections []*TaskProjection
	for _, event := range created {
		var payload taskCreatedPayload
		if err := json.Unmarshal([]byte(event.Document), &payload); err != nil {
			continue // malformed creation body
		}
		if payload.TaskID == "" {
			continue
		}

		// Scope history to the task's own stream: session and worktree
		// events carry task_id metadata but must not drive task status.
		history, err := s.Query("", map[string]any{"stream_id": TaskStream(payload.TaskID)}, 0)
		if err != nil {
			return nil, err
		}
		if len(history) == 0 {
			history = []*Event{event}
		}
		latest := history[len(history)-1]

		projection := &TaskProjection{
			TaskID:             payload.TaskID,
			ProfileID:          payload.ProfileID,
			TaskBrief:          payload.TaskBrief,
			Status:             "pending",
			ContextPackage:     payload.ContextPackage,
			Metadata:           payload.Metadata,
			CreatedAt:          event.Timestamp,
			UpdatedAt:          latest.Timestamp,
			ResumeFailureCount: latest.MetaInt("failure_count"),
		}

		var latestBody taskEventPayload
		_ = json.Unmarshal([]byte(latest.Document), &latestBody)

		if status := latest.MetaString("status"); status != "" {
			projection.Status = status
		} else if latestBody.Status != "" {
			projection.Status = latestBody.Status
		}
		if latestBody.SessionID != "" {
			projection.SessionID = latestBody.SessionID
		}

		projections = append(projections, projection)
	}

	sort.Slice(projections, func(i, j int) bool {
		return projections[i].TaskID < projections[j].TaskID
	})
	return projections, nil
}

// ListSessionTracking folds session_tracking events into per-session
// snapshots, optionally scoped to a task. Pass "" for all sessions.
func (s *Store) ListSessionTracking(taskID string) ([]*SessionTrackingRecord, error) {
	filters := map[string]any{"event_type": EventSessionTracking}
	if taskID != "" {
		filters["task_id"] = taskID
	}

	events, err := s.Query("", filters, 0)
	if err != nil {
		return nil, err
	}

	records := make(map[string]*SessionTrackingRecord)
	for _, event := range events {
		var payload sessionTrackingPayload
		if err := json.Unmarshal([]byte(event.Document), &payload); err != nil {
			continue
		}
		if payload.SessionID == "" {
			continue
		}

		record, ok := records[payload.SessionID]
		if !ok {
			record = &SessionTrackingRecord{
				SessionID: payload.SessionID,
				StartedAt: event.Timestamp,
				Metadata:  make(map[string]any),
			}
			records[payload.SessionID] = record
		}

		if payload.TaskID != "" {
			record.TaskID = payload.TaskID
		}
		if payload.ProfileID != "" {
			record.ProfileID = payload.ProfileID
		}
		if payload.Status != "" {
			record.Status = payload.Status
			if terminalSessionStatus(payload.Status) {
				completedAt := event.Timestamp
				record.CompletedAt = &completedAt
			}
		}
		for key, value := range payload.Metadata {
			record.Metadata[key] = value
		}
	}

	result := make([]*SessionTrackingRecord, 0, len(records))
	for _, record := range records {
		result = append(result, record)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.Before(result[j].StartedAt)
		}
		return result[i].SessionID < result[j].SessionID
	})
	return result, nil
}

// ListWorktrees folds worktree_update events into per-task snapshots,
// optionally scoped to a task. Later events for the same task win.
func (s *Store) ListWorktrees(taskID string) ([]*WorktreeRecord, error) {
	filters := map[string]any{"event_type": EventWorktreeUpdate}
	if taskID != "" {
		filters["task_id"] = taskID
	}

	events, err := s.Query("", filters, 0)
	if err != nil {
		return nil, err
	}

	records := make(map[string]*WorktreeRecord)
	for _, event := range events {
		var payload worktreePayload
		if err := json.Unmarshal([]byte(event.Document), &payload); err != nil {
			continue
		}
		if payload.TaskID == "" {
			continue
		}

		record, ok := records[payload.TaskID]
		if !ok {
			record = &WorktreeRecord{
				TaskID:    payload.TaskID,
				CreatedAt: event.Timestamp,
				Metadata:  make(map[string]any),
			}
			records[payload.TaskID] = record
		}

		if payload.Path != "" {
			record.Path = payload.Path
		}
		if payload.Branch != "" {
			record.Branch = payload.Branch
		}
		if payload.Status != "" {
			record.Status = payload.Status
		}
		for key, value := range payload.Metadata {
			record.Metadata[key] = value
		}
	}

	result := make([]*WorktreeRecord, 0, len(records))
	for _, record := range records {
		result = append(result, record)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].TaskID < result[j].TaskID
	})
	return result, nil
}

// RecordSessionTracking appends a session_tracking event and returns the
// resulting snapshot fields.
func (s *Store) RecordSessionTracking(sessionID, taskID, profileID, status string, metadata map[string]any) (*SessionTrackingRecord, error) {
	payload := sessionTrackingPayload{
		SessionID: sessionID,
		TaskID:    taskID,
		ProfileID: profileID,
		Status:    status,
		Metadata:  metadata,
	}
	eventMeta := map[string]any{
		"session_id": sessionID,
		"profile_id": profileID,
		"status":     status,
	}
	if taskID != "" {
		eventMeta["task_id"] = taskID
	}

	event, err := s.Append(SessionStream(sessionID), EventSessionTracking, payload, eventMeta)
	if err != nil {
		return nil, err
	}

	record := &SessionTrackingRecord{
		SessionID: sessionID,
		TaskID:    taskID,
		ProfileID: profileID,
		Status:    status,
		StartedAt: event.Timestamp,
		Metadata:  metadata,
	}
	if terminalSessionStatus(status) {
		completedAt := event.Timestamp
		record.CompletedAt = &completedAt
	}
	return record, nil
}

// RecordWorktree appends a worktree_update event and returns the resulting
// snapshot fields.
func (s *Store) RecordWorktree(taskID, path, branch, status string, metadata map[string]any) (*WorktreeRecord, error) {
	payload := worktreePayload{
		TaskID:   taskID,
		Path:     path,
		Branch:   branch,
		Status:   status,
		Metadata: metadata,
	}
	eventMeta := map[string]any{
		"task_id": taskID,
		"path":    path,
		"status":  status,
	}
	if branch != "" {
		eventMeta["branch"] = branch
	}

	event, err := s.Append(WorktreeStream(taskID), EventWorktreeUpdate, payload, eventMeta)
	if err != nil {
		return nil, err
	}

	return &WorktreeRecord{
		TaskID:    taskID,
		Path:      path,
		Branch:    branch,
		Status:    status,
		CreatedAt: event.Timestamp,
		Metadata:  metadata,
	}, nil
}
