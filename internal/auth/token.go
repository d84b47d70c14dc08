// Package auth issues and validates the bearer tokens viewers present when
// connecting to the host. Tokens are hashed with bcrypt before storage and
// shown to the operator exactly once.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/orchestra/host/internal/logger"
	"github.com/orchestra/host/internal/storage"
)

// ErrInvalidToken is returned for malformed, unknown or revoked tokens.
var ErrInvalidToken = errors.New("invalid token")

// secretBytes is the entropy of the secret half of a token.
const secretBytes = 32

// Token is an alias for storage.Token.
type Token = storage.Token

// TokenStore persists tokens. Implemented by storage.SQLiteStore.
type TokenStore interface {
	SaveToken(tok *Token) error
	GetToken(id string) (*Token, error)
	ListTokens() ([]*Token, error)
	DeleteToken(id string) error
	TouchToken(id string, at time.Time) error
}

// Manager issues, validates and revokes tokens.
//
// A raw token has the form "<id>.<secret>". The id selects the row so
// validation costs a single bcrypt comparison.
type Manager struct {
	store   TokenStore
	log     *logger.Logger
	cost    int
	timeNow func() time.Time
}

// NewManager creates a token manager.
func NewManager(store TokenStore, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		store:   store,
		log:     log.Named("auth"),
		cost:    bcrypt.DefaultCost,
		timeNow: time.Now,
	}
}

// Issue creates a token named name and returns the stored record plus the
// raw token. The raw token cannot be recovered later.
func (m *Manager) Issue(name string) (*Token, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", errors.New("token name is required")
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), m.cost)
	if err != nil {
		return nil, "", fmt.Errorf("hash token: %w", err)
	}

	tok := &Token{
		ID:        uuid.NewString(),
		Name:      name,
		Hash:      string(hash),
		CreatedAt: m.timeNow(),
	}
	if err := m.store.SaveToken(tok); err != nil {
		return nil, "", err
	}

	m.log.Info("token issued", zap.String("token_id", tok.ID), zap.String("name", name))
	return tok, tok.ID + "." + secret, nil
}

// Validate checks a raw token. On success it returns the token record and
// updates its last-used time.
func (m *Manager) Validate(raw string) (*Token, error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || id == "" || secret == "" {
		return nil, ErrInvalidToken
	}

	tok, err := m.store.GetToken(id)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		m.log.Warn("token validation failed", zap.String("token_id", id), zap.String("reason", "unknown"))
		return nil, ErrInvalidToken
	}

	// bcrypt compares in constant time.
	if err := bcrypt.CompareHashAndPassword([]byte(tok.Hash), []byte(secret)); err != nil {
		m.log.Warn("token validation failed", zap.String("token_id", id), zap.String("reason", "mismatch"))
		return nil, ErrInvalidToken
	}

	now := m.timeNow()
	if err := m.store.TouchToken(tok.ID, now); err != nil {
		// Validation already succeeded.
		m.log.Warn("failed to update last_used", zap.String("token_id", id), zap.Error(err))
	} else {
		tok.LastUsed = now
	}
	return tok, nil
}

// List returns all tokens.
func (m *Manager) List() ([]*Token, error) {
	return m.store.ListTokens()
}

// Revoke deletes a token. Returns ErrInvalidToken if it does not exist.
func (m *Manager) Revoke(id string) error {
	tok, err := m.store.GetToken(id)
	if err != nil {
		return err
	}
	if tok == nil {
		return ErrInvalidToken
	}
	return m.store.DeleteToken(id)
}

// generateSecret returns a hex-encoded random secret.
func generateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
