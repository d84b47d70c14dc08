// Package storage persists host state in SQLite: the history of worktree
// sessions and the hashed tokens viewers authenticate with.
package storage

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	// Pure-Go SQLite driver, registered as "sqlite". No CGO needed.
	_ "modernc.org/sqlite"

	apperrors "github.com/orchestra/host/internal/errors"
	"github.com/orchestra/host/internal/logger"
)

// ErrTokenNotFound is returned when a token lookup fails.
var ErrTokenNotFound = errors.New("token not found")

// ErrSessionNotFound is returned when a session history lookup fails.
var ErrSessionNotFound = errors.New("session not found")

// SQLiteStore is the host's database. It creates the database and tables
// on first use and supports concurrent access through internal locking.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.RWMutex
	log *logger.Logger
}

// NewSQLiteStore opens or creates a SQLite database at the given path and
// applies any pending migrations. Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string, log *logger.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.Named("storage")
	log.Info("opening database", zap.String("path", path))

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "create database directory", err)
		}
	}

	// busy_timeout covers the CLI and a running host touching the file at once.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "open database", err)
	}

	// Each pooled connection to ":memory:" would be a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "open database", err)
	}

	store := &SQLiteStore{db: db, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "init schema", err)
	}

	log.Info("database ready", zap.Int("schema_version", currentSchemaVersion))
	return store, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	s.log.Debug("closing database")
	return s.db.Close()
}

// timeLayout is RFC3339 with fixed-width nanoseconds, so stored timestamps
// sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
