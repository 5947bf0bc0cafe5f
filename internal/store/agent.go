package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Agent statuses as stored; liveness-derived status lives in the registry.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Agent is the identity record for a logical client instance. An agent is
// created on first observation and updated in place; never deleted.
type Agent struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	SessionID        string    `json:"session_id"`
	WorkingDirectory string    `json:"working_directory,omitempty"`
	Topic            string    `json:"topic,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastSeenAt       time.Time `json:"last_seen_at"`
	Status           string    `json:"status"`
}

// UpsertAgent inserts the agent or, on id conflict, refreshes the mutable
// fields (last_seen_at, status, working_directory, topic).
func (s *Store) UpsertAgent(ctx context.Context, a *Agent) error {
	_, err := s.w.ExecContext(ctx, `
		INSERT INTO agents (id, name, session_id, working_directory, topic, created_at, last_seen_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			working_directory = COALESCE(excluded.working_directory, agents.working_directory),
			topic = COALESCE(excluded.topic, agents.topic),
			last_seen_at = excluded.last_seen_at,
			status = excluded.status
	`, a.ID, a.Name, a.SessionID, nullable(a.WorkingDirectory), nullable(a.Topic),
		a.CreatedAt.UTC().Format(timeLayout), a.LastSeenAt.UTC().Format(timeLayout), a.Status)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.Name, err)
	}
	return nil
}

// GetAgentBySession returns the agent owning the session, or nil.
func (s *Store) GetAgentBySession(ctx context.Context, sessionID string) (*Agent, error) {
	return s.getAgent(ctx, `session_id = ?`, sessionID)
}

// GetAgentByName returns the named agent, or nil.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	return s.getAgent(ctx, `name = ?`, name)
}

func (s *Store) getAgent(ctx context.Context, where string, arg any) (*Agent, error) {
	row := s.r.QueryRowContext(ctx, `
		SELECT id, name, session_id, working_directory, topic, created_at, last_seen_at, status
		FROM agents WHERE `+where, arg)

	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents, most recently seen first.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.r.QueryContext(ctx, `
		SELECT id, name, session_id, working_directory, topic, created_at, last_seen_at, status
		FROM agents ORDER BY last_seen_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// TouchAgent advances last_seen_at and marks the agent active.
func (s *Store) TouchAgent(ctx context.Context, id string, when time.Time) error {
	_, err := s.w.ExecContext(ctx, `
		UPDATE agents SET last_seen_at = ?, status = ? WHERE id = ?
	`, when.UTC().Format(timeLayout), StatusActive, id)
	if err != nil {
		return fmt.Errorf("touch agent %s: %w", id, err)
	}
	return nil
}

// SetAgentTopic records the agent's current topic label.
func (s *Store) SetAgentTopic(ctx context.Context, id, topic string) error {
	_, err := s.w.ExecContext(ctx, `UPDATE agents SET topic = ? WHERE id = ?`, topic, id)
	if err != nil {
		return fmt.Errorf("set topic for agent %s: %w", id, err)
	}
	return nil
}

func scanAgent(scan func(...any) error) (*Agent, error) {
	var (
		a                   Agent
		workingDir, topic   sql.NullString
		createdAt, lastSeen string
	)
	if err := scan(&a.ID, &a.Name, &a.SessionID, &workingDir, &topic, &createdAt, &lastSeen, &a.Status); err != nil {
		return nil, err
	}
	a.WorkingDirectory = workingDir.String
	a.Topic = topic.String

	var err error
	if a.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	if a.LastSeenAt, err = time.Parse(timeLayout, lastSeen); err != nil {
		return nil, fmt.Errorf("parse last_seen_at %q: %w", lastSeen, err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.LastSeenAt = a.LastSeenAt.UTC()
	return &a, nil
}
