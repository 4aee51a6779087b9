// Package orchestrator owns Hydra's task lifecycle.
//
// The Manager is the single authority over the in-memory task, session, and
// worktree projections. Every mutating operation updates the projection and
// synchronously appends the corresponding event to the store, so the two
// never diverge. On process start, Hydrate rebuilds the projections by
// replaying the event log, after which the resume sweep runs over the
// hydrated task set.
package orchestrator

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/woodwosj/hydra/internal/codex"
	"github.com/woodwosj/hydra/internal/config"
	"github.com/woodwosj/hydra/internal/profile"
	"github.com/woodwosj/hydra/internal/store"
)

var (
	// ErrTaskNotFound indicates the task id is unknown
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidState indicates the operation is not valid for the task's
	// current status
	ErrInvalidState = errors.New("invalid task state")

	// ErrInvalidOutcome indicates a completion outcome outside the known set
	ErrInvalidOutcome = errors.New("invalid outcome")

	// ErrUnknownProfile indicates the profile id could not be resolved
	ErrUnknownProfile = errors.New("unknown profile")

	// ErrRunnerUnavailable indicates no codex runner is wired
	ErrRunnerUnavailable = errors.New("codex runner unavailable")

	// ErrUnsupportedFormat indicates an unknown export format
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

// EventStore is the persistence contract the orchestrator requires.
// *store.Store is the production implementation; tests may substitute
// failing variants.
type EventStore interface {
	Append(streamID, eventType string, body any, metadata map[string]any) (*store.Event, error)
	Fetch(streamID string, limit int) ([]*store.Event, error)
	Query(text string, filters map[string]any, limit int) ([]*store.Event, error)
	Ping() error

	ReplayTasks() ([]*store.TaskProjection, error)
	ListSessionTracking(taskID string) ([]*store.SessionTrackingRecord, error)
	ListWorktrees(taskID string) ([]*store.WorktreeRecord, error)
	RecordSessionTracking(sessionID, taskID, profileID, status string, metadata map[string]any) (*store.SessionTrackingRecord, error)
	RecordWorktree(taskID, path, branch, status string, metadata map[string]any) (*store.WorktreeRecord, error)
}

// ProfileResolver resolves agent profiles. *profile.Loader is the
// production implementation.
type ProfileResolver interface {
	LoadAll() (map[string]*profile.Profile, error)
	Get(id string) (*profile.Profile, error)
}

// Manager owns the task/session/worktree projections for one process.
// Construct it once at startup and pass it by handle; all state is
// instance-scoped, never global.
type Manager struct {
	store    EventStore
	profiles ProfileResolver
	runner   codex.Runner // nil when the codex CLI is unavailable
	cfg      *config.Config
	clock    func() time.Time
	logger   *log.Logger

	mu            sync.RWMutex
	tasks         map[string]*Task
	sessions      map[string]*store.SessionTrackingRecord
	worktrees     map[string]*store.WorktreeRecord
	resumeActions []ResumeAction
	lastAlert     *AlertRecord

	// sweepMu keeps concurrent resume sweeps mutually exclusive.
	sweepMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner wires the codex runner. Without it, task starts fail with
// ErrRunnerUnavailable and the resume sweep demotes running tasks to queued.
func WithRunner(runner codex.Runner) Option {
	return func(m *Manager) {
		m.runner = runner
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithLogger overrides the diagnostic logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager over the given collaborators.
func NewManager(eventStore EventStore, profiles ProfileResolver, cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		store:     eventStore,
		profiles:  profiles,
		cfg:       cfg,
		clock:     func() time.Time { return time.Now().UTC() },
		logger:    log.Default(),
		tasks:     make(map[string]*Task),
		sessions:  make(map[string]*store.SessionTrackingRecord),
		worktrees: make(map[string]*store.WorktreeRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Hydrate rebuilds the in-memory projections from the event log. Safe to
// call again: the projections are replaced wholesale.
func (m *Manager) Hydrate() error {
	projections, err := m.store.ReplayTasks()
	if err != nil {
		return err
	}
	sessionRecords, err := m.store.ListSessionTracking("")
	if err != nil {
		return err
	}
	worktreeRecords, err := m.store.ListWorktrees("")
	if err != nil {
		return err
	}

	tasks := make(map[string]*Task, len(projections))
	for _, p := range projections {
		tasks[p.TaskID] = taskFromProjection(p)
	}
	sessions := make(map[string]*store.SessionTrackingRecord, len(sessionRecords))
	for _, record := range sessionRecords {
		sessions[record.SessionID] = record
	}
	worktrees := make(map[string]*store.WorktreeRecord, len(worktreeRecords))
	for _, record := range worktreeRecords {
		worktrees[record.TaskID] = record
	}

	m.mu.Lock()
	m.tasks = tasks
	m.sessions = sessions
	m.worktrees = worktrees
	m.mu.Unlock()
	return nil
}

// Sessions returns the tracked session snapshots, most recently started last.
func (m *Manager) Sessions() []*store.SessionTrackingRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*store.SessionTrackingRecord, 0, len(m.sessions))
	for _, record := range m.sessions {
		records = append(records, record)
	}
	sortSessionRecords(records)
	return records
}

// Worktrees returns the tracked worktree snapshots, oldest first.
func (m *Manager) Worktrees() []*store.WorktreeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*store.WorktreeRecord, 0, len(m.worktrees))
	for _, record := range m.worktrees {
		records = append(records, record)
	}
	sortWorktreeRecords(records)
	return records
}

// newSessionID builds a session identifier in the original
// <profile>-<timestamp>-<suffix> shape.
func (m *Manager) newSessionID(profileID string) string {
	stamp := m.clock().Format("20060102150405")
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
	return profileID + "-" + stamp + "-" + suffix
}

// newTaskID builds a unique task identifier.
func newTaskID() string {
	return "task-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// resolveProfile maps a profile-not-found failure onto ErrUnknownProfile,
// leaving load errors (bad YAML) intact.
func (m *Manager) resolveProfile(profileID string) (*profile.Profile, error) {
	p, err := m.profiles.Get(profileID)
	if err != nil {
		if errors.Is(err, profile.ErrProfileNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, profileID)
		}
		return nil, err
	}
	return p, nil
}
