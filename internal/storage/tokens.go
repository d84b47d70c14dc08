package storage

// tokens.go contains SQLiteStore methods for viewer tokens.

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Token is a named credential a viewer presents when connecting. Hash is a
// bcrypt hash; the raw token is never stored.
type Token struct {
	ID        string
	Name      string
	Hash      string
	CreatedAt time.Time
	LastUsed  time.Time // zero if never used
}

// SaveToken persists a token, replacing any token with the same ID.
func (s *SQLiteStore) SaveToken(tok *Token) error {
	if tok == nil {
		return errors.New("token cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug("saving token", zap.String("token_id", tok.ID), zap.String("name", tok.Name))

	var lastUsed sql.NullString
	if !tok.LastUsed.IsZero() {
		lastUsed = sql.NullString{String: formatTime(tok.LastUsed), Valid: true}
	}

	const query = `
		INSERT OR REPLACE INTO tokens
			(id, name, token_hash, created_at, last_used)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		tok.ID,
		tok.Name,
		tok.Hash,
		formatTime(tok.CreatedAt),
		lastUsed,
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// GetToken retrieves a token by ID.
// Returns nil, nil if the token does not exist.
func (s *SQLiteStore) GetToken(id string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, name, token_hash, created_at, last_used
		FROM tokens
		WHERE id = ?
	`
	tok, err := scanToken(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return tok, nil
}

// ListTokens returns all tokens, oldest first.
func (s *SQLiteStore) ListTokens() ([]*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, name, token_hash, created_at, last_used
		FROM tokens
		ORDER BY created_at ASC
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token rows: %w", err)
	}
	return tokens, nil
}

// DeleteToken revokes a token. Deleting an unknown ID is not an error.
func (s *SQLiteStore) DeleteToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM tokens WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	s.log.Info("token revoked", zap.String("token_id", id))
	return nil
}

// TouchToken records a successful use. Returns ErrTokenNotFound if the
// token does not exist.
func (s *SQLiteStore) TouchToken(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE tokens SET last_used = ? WHERE id = ?`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func scanToken(row rowScanner) (*Token, error) {
	var (
		tok       Token
		createdAt string
		lastUsed  sql.NullString
	)
	if err := row.Scan(&tok.ID, &tok.Name, &tok.Hash, &createdAt, &lastUsed); err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	tok.CreatedAt = t

	if lastUsed.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastUsed.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_used: %w", err)
		}
		tok.LastUsed = t
	}
	return &tok, nil
}
