package storage

// sessions.go contains SQLiteStore methods for session history. A row is
// written when a worktree's pty is spawned and updated when it closes.

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// maxSessionHistory is the number of sessions retained. Older rows are
// deleted when a new session is saved.
const maxSessionHistory = 200

// SessionStatus is the recorded state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"

	// SessionInterrupted marks sessions that were still active when the
	// host stopped without closing them.
	SessionInterrupted SessionStatus = "interrupted"
)

// SessionRecord is one row of session history.
type SessionRecord struct {
	ID          string
	Worktree    string
	WorkDir     string
	Shell       string
	Status      SessionStatus
	StartedAt   time.Time
	ClosedAt    time.Time // zero while active
	CloseReason string
}

// SaveSession persists one spawn of a session, replacing any row with the
// same ID and start time, and enforces retention.
func (s *SQLiteStore) SaveSession(rec *SessionRecord) error {
	if rec == nil {
		return errors.New("session cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug("saving session",
		zap.String("session_id", rec.ID),
		zap.String("worktree", rec.Worktree),
		zap.String("status", string(rec.Status)))

	var closedAt sql.NullString
	if !rec.ClosedAt.IsZero() {
		closedAt = sql.NullString{String: formatTime(rec.ClosedAt), Valid: true}
	}

	const query = `
		INSERT OR REPLACE INTO sessions
			(id, worktree, workdir, shell, status, started_at, closed_at, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		rec.ID,
		rec.Worktree,
		rec.WorkDir,
		rec.Shell,
		string(rec.Status),
		formatTime(rec.StartedAt),
		closedAt,
		rec.CloseReason,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	const cleanupQuery = `
		DELETE FROM sessions WHERE rowid IN (
			SELECT rowid FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)
	`
	if _, err := s.db.Exec(cleanupQuery, maxSessionHistory); err != nil {
		return fmt.Errorf("enforce session retention: %w", err)
	}
	return nil
}

// CloseSession marks the active spawn of a session closed. Returns
// ErrSessionNotFound if no active row matches.
func (s *SQLiteStore) CloseSession(id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		UPDATE sessions SET status = ?, closed_at = ?, close_reason = ?
		WHERE id = ? AND status = ?
	`
	res, err := s.db.Exec(query,
		string(SessionClosed),
		formatTime(at),
		reason,
		id,
		string(SessionActive),
	)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// MarkInterrupted flags every session still recorded as active. Called at
// startup: no pty survives a host restart.
func (s *SQLiteStore) MarkInterrupted(at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		UPDATE sessions SET status = ?, closed_at = ?, close_reason = 'host_stopped'
		WHERE status = ?
	`
	res, err := s.db.Exec(query,
		string(SessionInterrupted),
		formatTime(at),
		string(SessionActive),
	)
	if err != nil {
		return 0, fmt.Errorf("mark sessions interrupted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark sessions interrupted: %w", err)
	}
	if n > 0 {
		s.log.Info("marked stale sessions interrupted", zap.Int64("count", n))
	}
	return int(n), nil
}

// GetSession retrieves the most recent spawn of a session.
// Returns nil, nil if the session does not exist.
func (s *SQLiteStore) GetSession(id string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, worktree, workdir, shell, status, started_at, closed_at, close_reason
		FROM sessions
		WHERE id = ?
		ORDER BY started_at DESC
		LIMIT 1
	`
	rec, err := scanSession(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

// ListSessions returns recent sessions, newest first. A non-positive limit
// returns the full retained history.
func (s *SQLiteStore) ListSessions(limit int) ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = maxSessionHistory
	}

	const query = `
		SELECT id, worktree, workdir, shell, status, started_at, closed_at, close_reason
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	records := make([]*SessionRecord, 0)
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return records, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		rec       SessionRecord
		status    string
		startedAt string
		closedAt  sql.NullString
	)
	err := row.Scan(
		&rec.ID,
		&rec.Worktree,
		&rec.WorkDir,
		&rec.Shell,
		&status,
		&startedAt,
		&closedAt,
		&rec.CloseReason,
	)
	if err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	rec.StartedAt = t

	if closedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse closed_at: %w", err)
		}
		rec.ClosedAt = t
	}

	rec.Status = SessionStatus(status)
	return &rec, nil
}
