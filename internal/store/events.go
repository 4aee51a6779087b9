package store

// Event types recorded by Hydra.
const (
	EventTaskCreated      = "task_created"
	EventTaskStarted      = "task_started"
	EventTaskCompleted    = "task_completed"
	EventTaskResume       = "task_resume"
	EventResumeAlert      = "resume_alert"
	EventSessionTracking  = "session_tracking"
	EventWorktreeUpdate   = "worktree_update"
	EventSpawnAgent       = "spawn_agent"
	EventContextNote      = "context_note"
	EventTerminateSession = "terminate_session"
)

// TaskStream returns the stream id for a task's lifecycle events.
func TaskStream(taskID string) string {
	return "task::" + taskID
}

// SessionStream returns the stream id for a session's events.
func SessionStream(sessionID string) string {
	return "session::" + sessionID
}

// WorktreeStream returns the stream id for a task's worktree events.
func WorktreeStream(taskID string) string {
	return "worktree::" + taskID
}
