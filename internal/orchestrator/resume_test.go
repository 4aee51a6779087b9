package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/woodwosj/hydra/internal/codex"
	"github.com/woodwosj/hydra/internal/store"
)

// seedRunningTask writes a created+started+resume history directly into the
// store, leaving the task projected as running with the given failure count.
func seedRunningTask(t *testing.T, s *store.Store, taskID, sessionID string, failures int) {
	t.Helper()

	_, err := s.Append(store.TaskStream(taskID), store.EventTaskCreated, map[string]any{
		"task_id":    taskID,
		"profile_id": "generalist",
		"task_brief": "Investigate timeout flakes",
	}, map[string]any{
		"task_id": taskID,
		"status":  "pending",
	})
	if err != nil {
		t.Fatalf("seed created: %v", err)
	}

	_, err = s.Append(store.TaskStream(taskID), store.EventTaskStarted, map[string]any{
		"task_id":    taskID,
		"status":     "running",
		"session_id": sessionID,
	}, map[string]any{
		"task_id":    taskID,
		"status":     "running",
		"session_id": sessionID,
	})
	if err != nil {
		t.Fatalf("seed started: %v", err)
	}

	if failures > 0 {
		_, err = s.Append(store.TaskStream(taskID), store.EventTaskResume, map[string]any{
			"task_id":       taskID,
			"status":        "running",
			"session_id":    sessionID,
			"resume_status": ResumeStatusFailed,
		}, map[string]any{
			"task_id":       taskID,
			"status":        "running",
			"resume_status": ResumeStatusFailed,
			"failure_count": failures,
		})
		if err != nil {
			t.Fatalf("seed resume history: %v", err)
		}
	}
}

func countEvents(t *testing.T, s *store.Store, streamID, eventType string) int {
	t.Helper()
	count := 0
	for _, et := range eventTypes(t, s, streamID) {
		if et == eventType {
			count++
		}
	}
	return count
}

func TestResumeSweepSuccessKeepsRunning(t *testing.T) {
	f := newFixture(t, true)
	seedRunningTask(t, f.store, "task-ok", "generalist-20250101-abc123", 2)
	if err := f.manager.Hydrate(); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}

	actions := f.manager.ResumeSweep(context.Background())
	if len(actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(actions))
	}
	if actions[0].Status != ResumeStatusResumed {
		t.Fatalf("action status = %q", actions[0].Status)
	}
	if actions[0].FailureCount != 0 {
		t.Fatalf("failure count = %d, want 0 after success", actions[0].FailureCount)
	}

	task, err := f.manager.TaskStatus("task-ok")
	if err != nil {
		t.Fatalf("TaskStatus: %v", err)
	}
	if task.Status != StatusRunning {
		t.Fatalf("status = %q, want running", task.Status)
	}
	if task.ResumeFailureCount != 0 {
		t.Fatalf("failure count = %d, want 0", task.ResumeFailureCount)
	}
	if task.LastResumeAttempt == nil {
		t.Fatal("last resume attempt not stamped")
	}
	if n := countEvents(t, f.store, store.TaskStream("task-ok"), store.EventResumeAlert); n != 0 {
		t.Fatalf("alerts = %d, want 0", n)
	}
	if len(f.runner.resumeCalls) != 1 || f.runner.resumeCalls[0] != "generalist-20250101-abc123" {
		t.Fatalf("resume calls = %v", f.runner.resumeCalls)
	}
}

func TestResumeSweepFailureDemotesToQueued(t *testing.T) {
	f := newFixture(t, true)
	f.runner.resumeResult = &codex.ExecutionResult{ExitCode: 1, Stderr: "session not found"}
	seedRunningTask(t, f.store, "task-fail", "generalist-20250101-def456", 0)
	if err := f.manager.Hydrate(); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}

	actions := f.manager.ResumeSweep(context.Background())
	if len(actions) != 1 || actions[0].Status != ResumeStatusFailed {
		t.Fatalf("actions = %+v", actions)
	}
	if actions[0].FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", actions[0].FailureCount)
	}

	task, err := f.manager.TaskStatus("task-fail")
	if err != nil {
		t.Fatalf("TaskStatus: %v", err)
	}
	if task.Status != StatusQueued {
		t.Fatalf("status = %q, want queued", task.Status)
	}
	if n := countEvents(t, f.store, store.TaskStream("task-fail"), store.EventTaskResume); n != 1 {
		t.Fatalf("task_resume events = %d, want 1", n)
	}
	if n := countEvents(t, f.store, store.TaskStream("task-fail"), store.EventResumeAlert); n != 0 {
		t.Fatalf("alerts = %d, want 0 below threshold", n)
	}
}

func TestResumeSweepErrorCapturesMessage(t *testing.T) {
	f := newFixture(t, true)
	f.runner.resumeErr = errors.New("codex: connection refused")
	seedRunningTask(t, f.store, "task-err", "generalist-20250101-aaa111", 0)
	if err := f.manager.Hydrate(); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}

	actions := f.manager.ResumeSweep(context.Background())
	if len(actions) != 1 || actions[0].Status != ResumeStatusError {
		t.Fatalf("actions = %+v", actions)
	}
	if !strings.Contains(actions[0].Error, "connection refused") {
		t.Fatalf("error not captured: %q", actions[0].Error)
	}
	if actions[0].FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", actions[0].FailureCount)
	}
}

func TestResumeSweepWithoutRunner(t *testing.T) {
	f := newFixture(t, false)
	seedRunningTask(t, f.store, "task-norunner", "generalist-20250101-bbb222", 0)
	if err := f.manager.Hydrate(); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}

	actions := f.manager.ResumeSweep(context.Background())
	if len(actions) != 1 || actions[0].Status != ResumeStatusPending {
		t.Fatalf("actions = %+v", actions)
	}
	if actions[0].FailureCount != 0 {
		t.Fatalf("failure count = %d, want 0 without an attempt", actions[0].FailureCount)
	}

	task, err := f.manager.TaskStatus("task-norunner")
	if err != nil {
		t.Fatalf("TaskStatus: %v", err)
	}
	if task.Status != StatusQueued {
		t.Fatalf("status = %q, want queued", task.Status)
	}
}

func TestResumeSweepMissingSessionID(t *testing.T) {
	f := newFixture(t, true)
	seedRunningTask(t, f.store, "task-nosession", "", 0)
	if err := f.manager.Hydrate(); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}

	actions := f.manager.ResumeSweep(context.Background())
	if len(actions) != 1 || actions[0].Status != ResumeStatusPending {
		t.Fatalf("actions = %+v", actions)
	}
	if len(f.runner.resumeCalls) != 0 {
		t.Fatalf("runner called without a session id: %v", f.runner.resumeCalls)
	}
}

func TestResumeSweepThresholdRaisesAlert(t *testing.T) {
	f := newFixture(t, true)
	f.cfg.ResumeAlertThreshold = 3
	f.runner.resumeResult = &codex.ExecutionResult{ExitCode: 1, Stderr: "gone"}
	seedRunningTask(t, f.store, "task-alert", "generalist-20250101-ccc333", 2)
	if err := f.manager.Hydrate(); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}

	actions := f.manager.ResumeSweep(context.Background())
	if len(actions) != 1 || actions[0].FailureCount != 3 {
		t.Fatalf("actions = %+v", actions)
	}

	if n := countEvents(t, f.store, store.TaskStream("task-alert"), store.EventResumeAlert); n != 1 {
		t.Fatalf("alerts = %d, want exactly 1", n)
	}
	if !strings.Contains(f.logs.String(), "Resume failures exceeded threshold") {
		t.Fatalf("threshold warning not logged: %q", f.logs.String())
	}

	snapshot := f.manager.StatusSnapshot(context.Background())
	metrics := snapshot.Tasks.ResumeMetrics
	if metrics.ActiveAlerts != 1 {
		t.Fatalf("active alerts = %d, want 1", metrics.ActiveAlerts)
	}
	if metrics.MostRecentAlert == nil || metrics.MostRecentAlert.TaskID != "task-alert" {
		t.Fatalf("most recent alert = %+v", metrics.MostRecentAlert)
	}
}

func TestResumeSweepAlertSurvivesRestart(t *testing.T) {
	f := newFixture(t, true)
	f.cfg.ResumeAlertThreshold = 3
	f.runner.resumeResult = &codex.ExecutionResult{ExitCode: 1}
	seedRunningTask(t, f.store, "task-persist", "generalist-20250101-ddd444", 2)
	if err := f.manager.Hydrate(); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	f.manager.ResumeSweep(context.Background())

	// A fresh process hydrates the failure count from the log, so the
	// threshold condition still holds.
	rehydrated := NewManager(f.store, f.manager.profiles, f.cfg)
	if err := rehydrated.Hydrate(); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	task, err := rehydrated.TaskStatus("task-persist")
	if err != nil {
		t.Fatalf("TaskStatus: %v", err)
	}
	if task.ResumeFailureCount != 3 {
		t.Fatalf("restored failure count = %d, want 3", task.ResumeFailureCount)
	}
	if task.Status != StatusQueued {
		t.Fatalf("restored status = %q, want queued", task.Status)
	}
}

func TestStartAfterQueuedPreservesFailureCount(t *testing.T) {
	f := newFixture(t, true)
	f.runner.resumeResult = &codex.ExecutionResult{ExitCode: 1}
	seedRunningTask(t, f.store, "task-requeue", "generalist-20250101-fff555", 1)
	if err := f.manager.Hydrate(); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	ctx := context.Background()

	f.manager.ResumeSweep(ctx)
	queued, err := f.manager.TaskStatus("task-requeue")
	if err != nil {
		t.Fatalf("TaskStatus: %v", err)
	}
	if queued.Status != StatusQueued || queued.ResumeFailureCount != 2 {
		t.Fatalf("after sweep: status=%q failures=%d, want queued/2", queued.Status, queued.ResumeFailureCount)
	}

	started, err := f.manager.StartTask(ctx, "task-requeue", nil)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if started.ResumeFailureCount != 2 {
		t.Fatalf("live failure count after StartTask = %d, want 2", started.ResumeFailureCount)
	}

	// A fresh process must replay the same count the live manager holds.
	rehydrated := NewManager(f.store, f.manager.profiles, f.cfg)
	if err := rehydrated.Hydrate(); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	replayed, err := rehydrated.TaskStatus("task-requeue")
	if err != nil {
		t.Fatalf("TaskStatus after rehydrate: %v", err)
	}
	if replayed.ResumeFailureCount != 2 {
		t.Fatalf("replayed failure count = %d, want 2", replayed.ResumeFailureCount)
	}
	if replayed.Status != StatusRunning {
		t.Fatalf("replayed status = %q, want running", replayed.Status)
	}

	// Completion carries the count forward as well.
	if _, err := f.manager.CompleteTask(ctx, "task-requeue", "failed", "gave up"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	final := NewManager(f.store, f.manager.profiles, f.cfg)
	if err := final.Hydrate(); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	done, err := final.TaskStatus("task-requeue")
	if err != nil {
		t.Fatalf("TaskStatus after completion: %v", err)
	}
	if done.ResumeFailureCount != 2 {
		t.Fatalf("failure count after completion replay = %d, want 2", done.ResumeFailureCount)
	}
}

func TestResumeSweepIgnoresNonRunningTasks(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.createTask(t, nil) // pending, never started
	if err := f.manager.Hydrate(); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}

	actions := f.manager.ResumeSweep(ctx)
	if len(actions) != 0 {
		t.Fatalf("actions = %+v, want none", actions)
	}
	if len(f.runner.resumeCalls) != 0 {
		t.Fatalf("runner called for non-running tasks: %v", f.runner.resumeCalls)
	}
}
