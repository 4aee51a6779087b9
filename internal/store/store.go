// Package store provides the append-only event store backing Hydra.
//
// Events are persisted as documents in a single SQLite table. The store
// assigns each event a per-stream monotonic sequence number and a timestamp,
// and supports equality-filtered retrieval plus substring search over the
// document body and metadata. Events are never mutated or deleted.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// ErrStoreUnavailable indicates the backing SQLite engine could not be
// reached or initialized. Every store operation fails with this error while
// the engine is unreachable; the connection is retried lazily on the next
// call.
var ErrStoreUnavailable = errors.New("event store unavailable")

// schemaDDL defines the SQLite schema for the Hydra event collection.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    stream_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    document TEXT NOT NULL,
    metadata TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    sequence INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_stream ON events(stream_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
`

// Event is a stored, immutable event.
type Event struct {
	// ID is the opaque unique identifier assigned at append time
	ID string `json:"id"`

	// StreamID is the grouping key (e.g. "task::<task_id>")
	StreamID string `json:"stream_id"`

	// EventType tags the event (e.g. "task_created", "session_tracking")
	EventType string `json:"event_type"`

	// Document is the serialized event body
	Document string `json:"document"`

	// Metadata holds the queryable key/value index for the event.
	// Always includes stream_id, event_type, timestamp, and sequence.
	Metadata map[string]any `json:"metadata"`

	// Timestamp is when the event was appended
	Timestamp time.Time `json:"timestamp"`

	// Sequence is the stream-scoped sequence number, starting at 1
	Sequence int64 `json:"sequence"`
}

// MetaString returns the string form of a metadata value, or "" if absent.
func (e *Event) MetaString(key string) string {
	value, ok := e.Metadata[key]
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

// MetaInt returns a metadata value as an int, or 0 if absent or non-numeric.
// JSON round-trips store numbers as float64.
func (e *Event) MetaInt(key string) int {
	switch v := e.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Store manages the append-only event collection.
//
// The connection is established lazily on first use and cached. Per-stream
// sequence counters are owned by the Store instance and seeded from the
// persisted maximum on connect, so sequences stay strictly increasing
// across restarts.
type Store struct {
	path  string
	clock func() time.Time

	mu       sync.Mutex
	db       *sql.DB
	counters map[string]int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source. Used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// New creates a Store persisting under the given directory.
// The backing database is not opened until the first operation.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:     path,
		clock:    func() time.Time { return time.Now().UTC() },
		counters: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping verifies that the backing engine can be reached.
func (s *Store) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn()
	return err
}

// Close releases the database connection. Safe to call multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// conn returns the cached database handle, opening it on first use.
// Callers must hold s.mu.
func (s *Store) conn() (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}

	if err := os.MkdirAll(s.path, 0755); err != nil {
		return nil, fmt.Errorf("%w: create store directory: %v", ErrStoreUnavailable, err)
	}

	dbPath := filepath.Join(s.path, "events.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStoreUnavailable, err)
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", ErrStoreUnavailable, err)
	}

	// Seed sequence counters from persisted state so sequences remain
	// strictly increasing within a stream across restarts.
	rows, err := db.Query(`SELECT stream_id, MAX(sequence) FROM events GROUP BY stream_id`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: load sequence counters: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var streamID string
		var max int64
		if err := rows.Scan(&streamID, &max); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: scan sequence counter: %v", ErrStoreUnavailable, err)
		}
		s.counters[streamID] = max
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: load sequence counters: %v", ErrStoreUnavailable, err)
	}

	s.db = db
	return db, nil
}

// Append persists a new event on the given stream.
//
// The body may be a string (stored as-is) or any JSON-serializable value.
// Base metadata (stream_id, event_type, timestamp, sequence) is written
// first; caller metadata is merged on top, so collisions on the reserved
// keys are the caller's responsibility to avoid.
func (s *Store) Append(streamID, eventType string, body any, metadata map[string]any) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	document, err := serializeBody(body)
	if err != nil {
		return nil, fmt.Errorf("serialize event body: %w", err)
	}

	sequence := s.counters[streamID] + 1
	timestamp := s.clock()

	merged := map[string]any{
		"stream_id":  streamID,
		"event_type": eventType,
		"timestamp":  timestamp.Format(time.RFC3339Nano),
		"sequence":   sequence,
	}
	for key, value := range metadata {
		merged[key] = value
	}

	metadataJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("serialize event metadata: %w", err)
	}

	event := &Event{
		ID:        streamID + ":" + uuid.New().String(),
		StreamID:  streamID,
		EventType: eventType,
		Document:  document,
		Metadata:  merged,
		Timestamp: timestamp,
		Sequence:  sequence,
	}

	_, err = db.Exec(
		`INSERT INTO events (id, stream_id, event_type, document, metadata, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.StreamID, event.EventType, event.Document,
		string(metadataJSON), timestamp.Format(time.RFC3339Nano), sequence,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert event: %v", ErrStoreUnavailable, err)
	}

	s.counters[streamID] = sequence
	return event, nil
}

// Fetch returns events for a stream, sorted ascending by sequence.
// A positive limit keeps the first limit events after sorting.
func (s *Store) Fetch(streamID string, limit int) ([]*Event, error) {
	events, err := s.scan(`SELECT id, stream_id, event_type, document, metadata, timestamp, sequence
		FROM events WHERE stream_id = ?`, streamID)
	if err != nil {
		return nil, err
	}

	sortEvents(events)
	return head(events, limit), nil
}

// Query returns events matching the given equality filters over metadata,
// optionally narrowed by a case-insensitive substring match against the
// document body and the string form of every metadata value. Results are
// sorted ascending by sequence; a positive limit keeps the first limit
// events after sorting.
func (s *Store) Query(text string, filters map[string]any, limit int) ([]*Event, error) {
	events, err := s.scan(`SELECT id, stream_id, event_type, document, metadata, timestamp, sequence FROM events`)
	if err != nil {
		return nil, err
	}

	filtered := events[:0]
	for _, event := range events {
		if !matchesFilters(event, filters) {
			continue
		}
		if text != "" && !matchesText(event, text) {
			continue
		}
		filtered = append(filtered, event)
	}

	sortEvents(filtered)
	return head(filtered, limit), nil
}

// scan runs a row query and decodes events. It takes the store lock for the
// duration of the read so the handle cannot be closed underneath it.
func (s *Store) scan(query string, args ...any) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query events: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var event Event
		var metadataJSON, timestampRaw string
		if err := rows.Scan(&event.ID, &event.StreamID, &event.EventType,
			&event.Document, &metadataJSON, &timestampRaw, &event.Sequence); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrStoreUnavailable, err)
		}

		if err := json.Unmarshal([]byte(metadataJSON), &event.Metadata); err != nil {
			return nil, fmt.Errorf("decode event metadata %s: %w", event.ID, err)
		}

		timestamp, err := time.Parse(time.RFC3339Nano, timestampRaw)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp %s: %w", event.ID, err)
		}
		event.Timestamp = timestamp

		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read events: %v", ErrStoreUnavailable, err)
	}

	return events, nil
}

// Tail returns the last n events of an ascending-sorted slice, preserving
// order. Alert and diagnostic listings keep the latest tail; generic fetch
// keeps the earliest head.
func Tail(events []*Event, n int) []*Event {
	if n <= 0 || n >= len(events) {
		return events
	}
	return events[len(events)-n:]
}

func serializeBody(body any) (string, error) {
	if s, ok := body.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func matchesFilters(event *Event, filters map[string]any) bool {
	for key, want := range filters {
		got, ok := event.Metadata[key]
		if !ok {
			return false
		}
		// Metadata round-trips through JSON, so numeric types are not
		// stable; compare string forms.
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func matchesText(event *Event, text string) bool {
	needle := strings.ToLower(text)
	if strings.Contains(strings.ToLower(event.Document), needle) {
		return true
	}
	for _, value := range event.Metadata {
		if strings.Contains(strings.ToLower(fmt.Sprint(value)), needle) {
			return true
		}
	}
	return false
}

// sortEvents orders events ascending by (timestamp, sequence). Retrieval
// order from SQLite is unspecified, so every read path re-sorts.
func sortEvents(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].Sequence < events[j].Sequence
	})
}

func head(events []*Event, limit int) []*Event {
	if limit > 0 && limit < len(events) {
		return events[:limit]
	}
	return events
}
