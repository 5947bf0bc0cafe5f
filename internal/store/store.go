package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cnrmurphy/sentinel/internal/events"

	_ "modernc.org/sqlite"
)

// timeLayout is RFC3339 with millisecond precision; for UTC values the
// lexicographic order matches chronological order, which ListAgents relies
// on when it sorts by last_seen_at.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Store persists events and agents in a single SQLite file. Writes go
// through a dedicated single-connection handle so seq assignment
// serializes; reads use a separate pooled handle.
type Store struct {
	w *sql.DB
	r *sql.DB
}

func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	w, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	w.SetMaxOpenConns(1)

	r, err := sql.Open("sqlite", dsn)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("open read handle: %w", err)
	}
	r.SetMaxOpenConns(4)

	s := &Store{w: w, r: r}
	if err := s.migrate(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	rerr := s.r.Close()
	werr := s.w.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// InsertEvent assigns the next seq, persists the event, and writes the
// assigned value back onto e. agent_activity payloads are rejected here:
// they are bus-only by contract.
func (s *Store) InsertEvent(ctx context.Context, e *events.Event) (int64, error) {
	if e.Payload.AgentActivity != nil {
		return 0, fmt.Errorf("insert event %s: agent_activity payloads are not persistable", e.ID)
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload for event %s: %w", e.ID, err)
	}

	var seq int64
	err = s.w.QueryRowContext(ctx, `
		INSERT INTO events (id, timestamp, session_id, agent, topic, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING seq
	`, e.ID, e.Timestamp.UTC().Format(timeLayout), nullable(e.SessionID), nullable(e.Agent), nullable(e.Topic), string(payload)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", e.ID, err)
	}

	e.Seq = seq
	return seq, nil
}

// RecentEvents returns up to limit events, newest first. typeFilter
// restricts to one payload type when non-empty.
func (s *Store) RecentEvents(ctx context.Context, limit int, typeFilter string) ([]events.Event, error) {
	q := `SELECT seq, id, timestamp, session_id, agent, topic, payload_json FROM events`
	args := []any{}
	if typeFilter != "" {
		q += ` WHERE json_extract(payload_json, '$.type') = ?`
		args = append(args, typeFilter)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.r.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsByAgent returns the agent's events in seq order.
func (s *Store) EventsByAgent(ctx context.Context, name string) ([]events.Event, error) {
	rows, err := s.r.QueryContext(ctx, `
		SELECT seq, id, timestamp, session_id, agent, topic, payload_json
		FROM events WHERE agent = ? ORDER BY seq ASC
	`, name)
	if err != nil {
		return nil, fmt.Errorf("query events for agent %s: %w", name, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsBySession returns a session's events in seq order.
func (s *Store) EventsBySession(ctx context.Context, sessionID string) ([]events.Event, error) {
	rows, err := s.r.QueryContext(ctx, `
		SELECT seq, id, timestamp, session_id, agent, topic, payload_json
		FROM events WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events for session %s: %w", sessionID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]events.Event, error) {
	var out []events.Event
	for rows.Next() {
		var (
			seq                       int64
			id, ts, payload           string
			sessionID, agent, topic   sql.NullString
		)
		if err := rows.Scan(&seq, &id, &ts, &sessionID, &agent, &topic, &payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}

		e, err := rowToEvent(seq, id, ts, sessionID.String, agent.String, topic.String, payload)
		if err != nil {
			slog.Warn("event row failed to deserialize", "seq", seq, "id", id, "error", err)
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func rowToEvent(seq int64, id, ts, sessionID, agent, topic, payload string) (events.Event, error) {
	t, err := time.Parse(timeLayout, ts)
	if err != nil {
		// Older rows may carry full RFC3339Nano timestamps.
		t, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return events.Event{}, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
	}

	e := events.Event{
		Seq:       seq,
		ID:        id,
		Timestamp: t.UTC(),
		SessionID: sessionID,
		Agent:     agent,
		Topic:     topic,
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return events.Event{}, fmt.Errorf("parse payload: %w", err)
	}
	return e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
