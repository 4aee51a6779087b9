package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/woodwosj/hydra/internal/codex"
	"github.com/woodwosj/hydra/internal/config"
	"github.com/woodwosj/hydra/internal/profile"
	"github.com/woodwosj/hydra/internal/store"
)

const generalistProfile = `id: generalist
title: Generalist Engineer
persona: A pragmatic senior engineer who finishes what they start.
system_prompt: You are a pragmatic engineer. Work the task to completion.
goalset:
  - Understand the brief
  - Ship a working change
constraints:
  - Do not force-push
metadata:
  tags:
    - general
`

type spawnCall struct {
	prompt string
	flags  []string
}

// fakeRunner is a scripted codex.Runner.
type fakeRunner struct {
	mu sync.Mutex

	spawnResult  *codex.ExecutionResult
	spawnErr     error
	resumeResult *codex.ExecutionResult
	resumeErr    error

	spawnCalls  []spawnCall
	resumeCalls []string
}

func (r *fakeRunner) Spawn(_ context.Context, prompt string, flags []string) (*codex.ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawnCalls = append(r.spawnCalls, spawnCall{prompt: prompt, flags: append([]string{}, flags...)})
	if r.spawnErr != nil {
		return nil, r.spawnErr
	}
	if r.spawnResult != nil {
		return r.spawnResult, nil
	}
	return &codex.ExecutionResult{ExitCode: 0, Stdout: "spawned"}, nil
}

func (r *fakeRunner) Resume(_ context.Context, sessionID string) (*codex.ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumeCalls = append(r.resumeCalls, sessionID)
	if r.resumeErr != nil {
		return nil, r.resumeErr
	}
	if r.resumeResult != nil {
		return r.resumeResult, nil
	}
	return &codex.ExecutionResult{ExitCode: 0, Stdout: "resumed"}, nil
}

func (r *fakeRunner) Version(context.Context) (*codex.ExecutionResult, error) {
	return &codex.ExecutionResult{ExitCode: 0, Stdout: "codex 1.2.3\n"}, nil
}

type fixture struct {
	manager *Manager
	store   *store.Store
	runner  *fakeRunner
	cfg     *config.Config
	logs    *bytes.Buffer
}

func writeProfileDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "generalist.yaml"), []byte(generalistProfile), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return dir
}

func newFixture(t *testing.T, withRunner bool) *fixture {
	t.Helper()

	eventStore := store.New(filepath.Join(t.TempDir(), "events"))
	t.Cleanup(func() { eventStore.Close() })

	loader := profile.NewLoader([]string{writeProfileDir(t)})
	cfg := config.DefaultConfig()

	logs := &bytes.Buffer{}
	opts := []Option{WithLogger(log.New(logs, "", 0))}
	runner := &fakeRunner{}
	if withRunner {
		opts = append(opts, WithRunner(runner))
	}

	return &fixture{
		manager: NewManager(eventStore, loader, cfg, opts...),
		store:   eventStore,
		runner:  runner,
		cfg:     cfg,
		logs:    logs,
	}
}

func (f *fixture) createTask(t *testing.T, contextPackage map[string]any) *Task {
	t.Helper()
	task, err := f.manager.CreateTask(context.Background(), "generalist", "Fix the flaky login test", contextPackage, map[string]any{"origin": "test"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func eventTypes(t *testing.T, s *store.Store, streamID string) []string {
	t.Helper()
	events, err := s.Fetch(streamID, 0)
	if err != nil {
		t.Fatalf("Fetch %s: %v", streamID, err)
	}
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.EventType)
	}
	return types
}

func TestCreateTaskUnknownProfile(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.manager.CreateTask(context.Background(), "nonexistent", "brief", nil, nil)
	if !errors.Is(err, ErrUnknownProfile) {
		t.Fatalf("expected ErrUnknownProfile, got %v", err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	task := f.createTask(t, map[string]any{
		"worktree_path":   "/tmp/wt/login-fix",
		"worktree_branch": "task/login-fix",
	})
	if task.Status != StatusPending {
		t.Fatalf("new task status = %q, want pending", task.Status)
	}

	started, err := f.manager.StartTask(ctx, task.TaskID, nil)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if started.Status != StatusRunning {
		t.Fatalf("started status = %q, want running", started.Status)
	}
	if started.SessionID == "" || !strings.HasPrefix(started.SessionID, "generalist-") {
		t.Fatalf("unexpected session id %q", started.SessionID)
	}
	if len(f.runner.spawnCalls) != 1 {
		t.Fatalf("spawn calls = %d, want 1", len(f.runner.spawnCalls))
	}
	if prompt := f.runner.spawnCalls[0].prompt; !strings.Contains(prompt, "Fix the flaky login test") {
		t.Fatalf("prompt missing task brief: %q", prompt)
	}

	completed, err := f.manager.CompleteTask(ctx, task.TaskID, "Completed", "merged the fix")
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if completed.Status != StatusCompleted {
		t.Fatalf("completed status = %q", completed.Status)
	}
	if completed.Metadata["summary"] != "merged the fix" {
		t.Fatalf("summary not recorded: %v", completed.Metadata)
	}

	types := eventTypes(t, f.store, store.TaskStream(task.TaskID))
	want := []string{store.EventTaskCreated, store.EventTaskStarted, store.EventTaskCompleted}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types = %v, want %v", types, want)
		}
	}

	sessions := f.manager.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0].Status != "completed" {
		t.Fatalf("session status = %q, want completed", sessions[0].Status)
	}
	if sessions[0].CompletedAt == nil {
		t.Fatal("session CompletedAt not set")
	}

	worktrees := f.manager.Worktrees()
	if len(worktrees) != 1 {
		t.Fatalf("worktrees = %d, want 1", len(worktrees))
	}
	if worktrees[0].Status != "completed" {
		t.Fatalf("worktree status = %q, want completed", worktrees[0].Status)
	}
}

func TestStartTaskWithoutRunner(t *testing.T) {
	f := newFixture(t, false)

	task := f.createTask(t, nil)
	if _, err := f.manager.StartTask(context.Background(), task.TaskID, nil); !errors.Is(err, ErrRunnerUnavailable) {
		t.Fatalf("expected ErrRunnerUnavailable, got %v", err)
	}
}

func TestStartTaskNotFound(t *testing.T) {
	f := newFixture(t, true)

	if _, err := f.manager.StartTask(context.Background(), "task-missing", nil); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestStartTaskRejectsTerminal(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	task := f.createTask(t, nil)
	if _, err := f.manager.CompleteTask(ctx, task.TaskID, "cancelled", ""); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if _, err := f.manager.StartTask(ctx, task.TaskID, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestStartTaskInjectsDefaultModel(t *testing.T) {
	f := newFixture(t, true)
	f.cfg.CodexDefaultModel = "gpt-5-codex"
	ctx := context.Background()

	task := f.createTask(t, nil)
	if _, err := f.manager.StartTask(ctx, task.TaskID, nil); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	flags := f.runner.spawnCalls[0].flags
	if !containsPair(flags, "--model", "gpt-5-codex") {
		t.Fatalf("default model not injected: %v", flags)
	}

	other := f.createTask(t, nil)
	if _, err := f.manager.StartTask(ctx, other.TaskID, []string{"--model", "custom"}); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	flags = f.runner.spawnCalls[1].flags
	if !containsPair(flags, "--model", "custom") || countFlag(flags, "--model") != 1 {
		t.Fatalf("caller model overridden: %v", flags)
	}
}

func containsPair(flags []string, name, value string) bool {
	for i := 0; i+1 < len(flags); i++ {
		if flags[i] == name && flags[i+1] == value {
			return true
		}
	}
	return false
}

func countFlag(flags []string, name string) int {
	count := 0
	for _, flag := range flags {
		if flag == name || strings.HasPrefix(flag, name+"=") {
			count++
		}
	}
	return count
}

func TestCompleteTaskInvalidOutcome(t *testing.T) {
	f := newFixture(t, true)

	task := f.createTask(t, nil)
	if _, err := f.manager.CompleteTask(context.Background(), task.TaskID, "done", ""); !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestCompleteTaskTerminalIrreversible(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	task := f.createTask(t, nil)
	if _, err := f.manager.CompleteTask(ctx, task.TaskID, "failed", "gave up"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if _, err := f.manager.CompleteTask(ctx, task.TaskID, "completed", "never mind"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestHydrateRestoresProjection(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	task := f.createTask(t, map[string]any{"worktree_path": "/tmp/wt/a"})
	started, err := f.manager.StartTask(ctx, task.TaskID, nil)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	rehydrated := NewManager(f.store, profile.NewLoader(nil), f.cfg)
	if err := rehydrated.Hydrate(); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}

	restored, err := rehydrated.TaskStatus(task.TaskID)
	if err != nil {
		t.Fatalf("TaskStatus after hydrate: %v", err)
	}
	if restored.Status != StatusRunning {
		t.Fatalf("restored status = %q, want running", restored.Status)
	}
	if restored.SessionID != started.SessionID {
		t.Fatalf("restored session = %q, want %q", restored.SessionID, started.SessionID)
	}
	if restored.TaskBrief != "Fix the flaky login test" {
		t.Fatalf("restored brief = %q", restored.TaskBrief)
	}
	if len(rehydrated.Sessions()) != 1 {
		t.Fatalf("sessions = %d, want 1", len(rehydrated.Sessions()))
	}
	if len(rehydrated.Worktrees()) != 1 {
		t.Fatalf("worktrees = %d, want 1", len(rehydrated.Worktrees()))
	}
}

func TestStatusSnapshotHealthy(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	task := f.createTask(t, nil)
	if _, err := f.manager.StartTask(ctx, task.TaskID, nil); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	snapshot := f.manager.StatusSnapshot(ctx)
	if !snapshot.Storage.Available {
		t.Fatalf("storage unavailable: %s", snapshot.Storage.Error)
	}
	if !snapshot.Codex.Available || snapshot.Codex.Version != "codex 1.2.3" {
		t.Fatalf("codex status = %+v", snapshot.Codex)
	}
	if snapshot.Profiles.Count != 1 || snapshot.Profiles.IDs[0] != "generalist" {
		t.Fatalf("profiles status = %+v", snapshot.Profiles)
	}
	if snapshot.Tasks.Count != 1 || snapshot.Tasks.StatusCounts["running"] != 1 {
		t.Fatalf("tasks status = %+v", snapshot.Tasks)
	}
}

func TestStatusSnapshotDegrades(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, []byte("not a directory"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	badStore := store.New(filepath.Join(blocked, "events"))

	badProfiles := filepath.Join(dir, "profiles")
	if err := os.MkdirAll(badProfiles, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(badProfiles, "broken.yaml"), []byte(":\tnot yaml"), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	manager := NewManager(badStore, profile.NewLoader([]string{badProfiles}), config.DefaultConfig())
	snapshot := manager.StatusSnapshot(context.Background())

	if snapshot.Storage.Available || snapshot.Storage.Error == "" {
		t.Fatalf("storage should be degraded: %+v", snapshot.Storage)
	}
	if snapshot.Profiles.Error == "" {
		t.Fatalf("profile failure not surfaced: %+v", snapshot.Profiles)
	}
	if snapshot.Codex.Available {
		t.Fatal("codex should be unavailable without a runner")
	}
}

func TestStartTaskSpawnFailurePreservesState(t *testing.T) {
	f := newFixture(t, true)
	f.runner.spawnErr = fmt.Errorf("exec: binary vanished")

	task := f.createTask(t, nil)
	if _, err := f.manager.StartTask(context.Background(), task.TaskID, nil); err == nil {
		t.Fatal("expected spawn error")
	}

	current, err := f.manager.TaskStatus(task.TaskID)
	if err != nil {
		t.Fatalf("TaskStatus: %v", err)
	}
	if current.Status != StatusPending {
		t.Fatalf("status after failed spawn = %q, want pending", current.Status)
	}
}
