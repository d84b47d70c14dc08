package storage

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// initSchema brings the database up to currentSchemaVersion.
func (s *SQLiteStore) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	migrations := []func() error{
		s.migrateToV1,
		s.migrateToV2,
	}
	for i, migrate := range migrations {
		target := i + 1
		if version >= target {
			continue
		}
		if err := migrate(); err != nil {
			return fmt.Errorf("migrate to v%d: %w", target, err)
		}
	}
	return nil
}

func (s *SQLiteStore) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// migrateToV1 creates the sessions history table.
func (s *SQLiteStore) migrateToV1() error {
	s.log.Info("applying migration", zap.Int("version", 1))

	// Session keys are stable per worktree, so one worktree has a row per
	// spawn. Timestamps are RFC3339 strings for readability and portability.
	const sessionsTable = `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT NOT NULL,
			worktree TEXT NOT NULL,
			workdir TEXT NOT NULL,
			shell TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			started_at TEXT NOT NULL,
			closed_at TEXT,
			close_reason TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (id, started_at)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	`
	if _, err := s.db.Exec(sessionsTable); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return s.recordMigration(1)
}

// migrateToV2 adds the tokens table for viewer authentication. Only the
// bcrypt hash is stored; the raw token is shown once when issued.
func (s *SQLiteStore) migrateToV2() error {
	s.log.Info("applying migration", zap.Int("version", 2))

	const tokensTable = `
		CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_used TEXT
		);
	`
	if _, err := s.db.Exec(tokensTable); err != nil {
		return fmt.Errorf("create tokens table: %w", err)
	}
	return s.recordMigration(2)
}
