package store

import (
	"context"
	"fmt"
	"log/slog"
)

// migrations are applied in order on startup; schema_version records the
// highest applied entry.
var migrations = []string{
	// 1: initial schema.
	`
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		timestamp TEXT NOT NULL,
		session_id TEXT,
		agent TEXT,
		topic TEXT,
		payload_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		session_id TEXT NOT NULL,
		working_directory TEXT,
		topic TEXT,
		created_at TEXT NOT NULL,
		last_seen_at TEXT NOT NULL,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_session ON agents(session_id);
	`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.w.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)
	`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var version int
	err := s.w.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.w.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
		slog.Info("applied schema migration", "version", i+1)
	}

	return nil
}
