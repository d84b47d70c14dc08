package storage

import (
	"time"

	"github.com/orchestra/host/internal/pty"
)

// SessionRecorder writes pty session lifecycle events to the history table.
type SessionRecorder struct {
	store *SQLiteStore
	shell string
}

// NewSessionRecorder returns a pty.Recorder backed by store. shell is
// recorded with every session.
func NewSessionRecorder(store *SQLiteStore, shell string) *SessionRecorder {
	return &SessionRecorder{store: store, shell: shell}
}

var _ pty.Recorder = (*SessionRecorder)(nil)

// SessionOpened records a newly spawned session.
func (r *SessionRecorder) SessionOpened(info pty.SessionInfo) error {
	return r.store.SaveSession(&SessionRecord{
		ID:        info.ID,
		Worktree:  info.Seed,
		WorkDir:   info.WorkDir,
		Shell:     r.shell,
		Status:    SessionActive,
		StartedAt: info.CreatedAt,
	})
}

// SessionClosed records why and when a session ended.
func (r *SessionRecorder) SessionClosed(id string, reason pty.CloseReason, at time.Time) error {
	return r.store.CloseSession(id, string(reason), at)
}
