package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/woodwosj/hydra/internal/store"
)

// maxPreviewLength bounds the stdout preview and brief excerpts recorded in
// event metadata.
const maxPreviewLength = 2000

// SpawnResult describes a task-less agent spawn.
type SpawnResult struct {
	SessionID     string `json:"session_id"`
	ProfileID     string `json:"profile_id"`
	ExitCode      int    `json:"exit_code"`
	OutputPreview string `json:"output_preview,omitempty"`
	Stderr        string `json:"stderr,omitempty"`
}

// AgentSummary is a catalog entry for one loadable profile.
type AgentSummary struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Persona     string   `json:"persona"`
	Goalset     []string `json:"goalset,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// TimelineEntry is one event in a session summary.
type TimelineEntry struct {
	Sequence  int64  `json:"sequence"`
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"`
}

// SessionSummary condenses a session's event stream.
type SessionSummary struct {
	SessionID   string          `json:"session_id"`
	EventCount  int             `json:"event_count"`
	LatestEvent *TimelineEntry  `json:"latest_event,omitempty"`
	Timeline    []TimelineEntry `json:"timeline,omitempty"`
}

// SpawnAgent starts an agent session that is not bound to a task. The prompt
// is assembled from the profile with optional goal overrides, and the
// configured default model is injected unless the caller passed one.
func (m *Manager) SpawnAgent(ctx context.Context, profileID, taskBrief string, goalOverrides []string, inputs map[string]any, flags []string) (*SpawnResult, error) {
	if m.runner == nil {
		return nil, ErrRunnerUnavailable
	}
	p, err := m.resolveProfile(profileID)
	if err != nil {
		return nil, err
	}

	prompt := p.BuildPrompt(taskBrief, goalOverrides)
	sessionID := m.newSessionID(profileID)
	result, err := m.runner.Spawn(ctx, prompt, m.spawnFlags(flags))
	if err != nil {
		return nil, fmt.Errorf("spawn agent %s: %w", profileID, err)
	}

	if _, err := m.store.Append(store.SessionStream(sessionID), store.EventSpawnAgent, map[string]any{
		"session_id": sessionID,
		"profile_id": profileID,
		"task_brief": taskBrief,
		"inputs":     inputs,
		"flags":      flags,
		"returncode": result.ExitCode,
		"stdout":     result.Stdout,
		"stderr":     result.Stderr,
	}, map[string]any{
		"session_id": sessionID,
		"profile_id": profileID,
		"returncode": result.ExitCode,
		"task_brief": truncate(taskBrief, maxPreviewLength),
	}); err != nil {
		return nil, fmt.Errorf("record spawn: %w", err)
	}

	status := "running"
	if !result.OK() {
		status = "failed"
	}
	record, err := m.store.RecordSessionTracking(sessionID, "", profileID, status, nil)
	if err != nil {
		return nil, fmt.Errorf("record session tracking: %w", err)
	}

	m.mu.Lock()
	m.sessions[sessionID] = record
	m.mu.Unlock()

	return &SpawnResult{
		SessionID:     sessionID,
		ProfileID:     profileID,
		ExitCode:      result.ExitCode,
		OutputPreview: truncate(result.Stdout, maxPreviewLength),
		Stderr:        truncate(result.Stderr, maxPreviewLength),
	}, nil
}

// ListAgents returns the profile catalog, sorted by id.
func (m *Manager) ListAgents() ([]AgentSummary, error) {
	profiles, err := m.profiles.LoadAll()
	if err != nil {
		return nil, err
	}

	summaries := make([]AgentSummary, 0, len(profiles))
	for _, p := range profiles {
		summaries = append(summaries, AgentSummary{
			ID:          p.ID,
			Title:       p.Title,
			Persona:     p.Persona,
			Goalset:     p.Goalset,
			Constraints: p.Constraints,
			Tags:        p.Tags(),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ID < summaries[j].ID
	})
	return summaries, nil
}

// LogContext appends a context note to a session's stream.
func (m *Manager) LogContext(ctx context.Context, sessionID, title, notes string, tags []string, metadata map[string]any) (*store.Event, error) {
	eventMeta := map[string]any{
		"session_id": sessionID,
		"title":      title,
	}
	if len(tags) > 0 {
		eventMeta["tags"] = strings.Join(tags, ",")
	}
	for key, value := range metadata {
		eventMeta[key] = value
	}

	event, err := m.store.Append(store.SessionStream(sessionID), store.EventContextNote, map[string]any{
		"session_id": sessionID,
		"title":      title,
		"notes":      notes,
		"tags":       tags,
	}, eventMeta)
	if err != nil {
		return nil, fmt.Errorf("record context note: %w", err)
	}
	return event, nil
}

// SummarizeSession condenses a session's event stream. Detail level "full"
// includes the whole timeline; anything else previews the first five events.
func (m *Manager) SummarizeSession(ctx context.Context, sessionID, detailLevel string) (*SessionSummary, error) {
	events, err := m.store.Fetch(store.SessionStream(sessionID), 0)
	if err != nil {
		return nil, fmt.Errorf("summarize session %s: %w", sessionID, err)
	}

	summary := &SessionSummary{
		SessionID:  sessionID,
		EventCount: len(events),
	}
	if len(events) == 0 {
		return summary, nil
	}

	timeline := make([]TimelineEntry, 0, len(events))
	for _, event := range events {
		timeline = append(timeline, TimelineEntry{
			Sequence:  event.Sequence,
			EventType: event.EventType,
			Timestamp: event.Timestamp.Format(time.RFC3339Nano),
		})
	}

	latest := timeline[len(timeline)-1]
	summary.LatestEvent = &latest
	if strings.EqualFold(detailLevel, "full") {
		summary.Timeline = timeline
	} else if len(timeline) > 5 {
		summary.Timeline = timeline[:5]
	} else {
		summary.Timeline = timeline
	}
	return summary, nil
}

// QueryContext searches the event log. Text matching is a case-insensitive
// substring scan; filters match event metadata by stringified equality.
func (m *Manager) QueryContext(ctx context.Context, text string, filters map[string]any, limit int) ([]*store.Event, error) {
	return m.store.Query(text, filters, limit)
}

// TerminateSession marks a session as terminated. The owning task, if any,
// is left to explicit completion.
func (m *Manager) TerminateSession(ctx context.Context, sessionID, reason string) (*store.SessionTrackingRecord, error) {
	if _, err := m.store.Append(store.SessionStream(sessionID), store.EventTerminateSession, map[string]any{
		"session_id": sessionID,
		"reason":     reason,
	}, map[string]any{
		"session_id": sessionID,
		"status":     "terminated",
	}); err != nil {
		return nil, fmt.Errorf("record termination: %w", err)
	}

	m.mu.RLock()
	existing := m.sessions[sessionID]
	m.mu.RUnlock()

	taskID, profileID := "", ""
	if existing != nil {
		taskID = existing.TaskID
		profileID = existing.ProfileID
	}

	record, err := m.store.RecordSessionTracking(sessionID, taskID, profileID, "terminated", map[string]any{
		"reason": reason,
	})
	if err != nil {
		return nil, fmt.Errorf("record session tracking: %w", err)
	}

	m.mu.Lock()
	m.sessions[sessionID] = record
	m.mu.Unlock()
	return record, nil
}

// ExportSession renders a session's full event stream as "json" or
// "markdown".
func (m *Manager) ExportSession(ctx context.Context, sessionID, format string) (string, error) {
	switch strings.ToLower(format) {
	case "json", "markdown":
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	events, err := m.store.Fetch(store.SessionStream(sessionID), 0)
	if err != nil {
		return "", fmt.Errorf("export session %s: %w", sessionID, err)
	}

	if strings.EqualFold(format, "json") {
		encoded, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return "", fmt.Errorf("export session %s: %w", sessionID, err)
		}
		return string(encoded), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", sessionID)
	fmt.Fprintf(&b, "Events: %d\n", len(events))
	for _, event := range events {
		fmt.Fprintf(&b, "\n## %s (seq %d)\n\n", event.EventType, event.Sequence)
		fmt.Fprintf(&b, "- Timestamp: %s\n", event.Timestamp.Format("2006-01-02 15:04:05 MST"))
		fmt.Fprintf(&b, "- Event ID: %s\n\n", event.ID)
		fmt.Fprintf(&b, "```\n%s\n```\n", event.Document)
	}
	return b.String(), nil
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
