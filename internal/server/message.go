// Package server exposes the session registry over a local WebSocket so
// the desktop UI process can attach worktree sessions, host viewers and
// send input.
package server

import (
	"github.com/orchestra/host/internal/pty"
)

// MessageType identifies the kind of message being sent over WebSocket.
// Each type has a specific payload structure defined below.
type MessageType string

const (
	// MessageTypeSessionAttach is sent by clients to get or create the
	// session for a worktree.
	// Payload: SessionAttachPayload
	MessageTypeSessionAttach MessageType = "session.attach"

	// MessageTypeSessionAttached answers session.attach.
	// Payload: SessionAttachedPayload
	MessageTypeSessionAttached MessageType = "session.attached"

	// MessageTypeViewerRegister attaches a viewer to a session.
	// Payload: ViewerRegisterPayload
	MessageTypeViewerRegister MessageType = "viewer.register"

	// MessageTypeViewerRegistered answers viewer.register.
	// Payload: ViewerRegisteredPayload
	MessageTypeViewerRegistered MessageType = "viewer.registered"

	// MessageTypeViewerUnregister detaches a viewer. The session keeps running.
	// Payload: ViewerUnregisterPayload
	MessageTypeViewerUnregister MessageType = "viewer.unregister"

	// MessageTypeTerminalInput sends keystrokes to a session.
	// Payload: TerminalInputPayload
	MessageTypeTerminalInput MessageType = "terminal.input"

	// MessageTypeTerminalResize changes a session's window size.
	// Payload: TerminalResizePayload
	MessageTypeTerminalResize MessageType = "terminal.resize"

	// MessageTypeSessionClose terminates a session.
	// Payload: SessionClosePayload
	MessageTypeSessionClose MessageType = "session.close"

	// MessageTypeSessionList requests or carries the live sessions.
	// Payload: SessionListPayload (server to client only)
	MessageTypeSessionList MessageType = "session.list"

	// MessageTypeTerminalOutput carries raw pty output for one viewer.
	// Payload: TerminalOutputPayload
	MessageTypeTerminalOutput MessageType = "terminal.output"

	// MessageTypeTerminalClear tells one viewer to wipe its screen before a
	// catch-up replay.
	// Payload: ViewerEventPayload
	MessageTypeTerminalClear MessageType = "terminal.clear"

	// MessageTypeSessionClosed reports that a session ended.
	// Payload: SessionClosedPayload
	MessageTypeSessionClosed MessageType = "session.closed"

	// MessageTypeError sends error information to clients.
	// Payload: ErrorPayload
	MessageTypeError MessageType = "error"
)

// Message is the envelope for every frame in both directions.
type Message struct {
	// Type identifies what kind of message this is.
	Type MessageType `json:"type"`

	// ID is an optional client-chosen identifier. Replies echo it.
	ID string `json:"id,omitempty"`

	// Payload contains the message-specific data.
	Payload interface{} `json:"payload"`
}

// SessionAttachPayload names the worktree to attach. WorkDir defaults to
// Seed when empty.
type SessionAttachPayload struct {
	Seed    string `json:"seed"`
	WorkDir string `json:"workdir,omitempty"`
}

// SessionAttachedPayload is the result of an attach.
type SessionAttachedPayload struct {
	SessionID   string `json:"session_id"`
	WasExisting bool   `json:"was_existing"`
}

// ViewerRegisterPayload registers a viewer. An empty ViewerID asks the
// server to generate one. CatchUp replays buffered history right away.
type ViewerRegisterPayload struct {
	SessionID string `json:"session_id"`
	ViewerID  string `json:"viewer_id,omitempty"`
	CatchUp   bool   `json:"catch_up"`
}

// ViewerRegisteredPayload confirms a registration.
type ViewerRegisteredPayload struct {
	SessionID string `json:"session_id"`
	ViewerID  string `json:"viewer_id"`
}

// ViewerUnregisterPayload detaches one viewer.
type ViewerUnregisterPayload struct {
	SessionID string `json:"session_id"`
	ViewerID  string `json:"viewer_id"`
}

// TerminalInputPayload carries keystrokes. Data is sent to the pty as-is.
type TerminalInputPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// TerminalResizePayload carries new window dimensions.
type TerminalResizePayload struct {
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// SessionClosePayload names the session to terminate.
type SessionClosePayload struct {
	SessionID string `json:"session_id"`
}

// TerminalOutputPayload carries one chunk of output. Data is base64 in JSON
// because pty output is not guaranteed to be valid UTF-8.
type TerminalOutputPayload struct {
	SessionID string `json:"session_id"`
	ViewerID  string `json:"viewer_id"`
	Data      []byte `json:"data"`
}

// ViewerEventPayload addresses an event to one viewer.
type ViewerEventPayload struct {
	SessionID string `json:"session_id"`
	ViewerID  string `json:"viewer_id"`
}

// SessionClosedPayload reports a closed session. ViewerID is empty on the
// reply to session.close.
type SessionClosedPayload struct {
	SessionID string `json:"session_id"`
	ViewerID  string `json:"viewer_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SessionSummary describes one live session.
type SessionSummary struct {
	ID            string `json:"id"`
	Seed          string `json:"seed"`
	WorkDir       string `json:"workdir"`
	Pid           int    `json:"pid"`
	State         string `json:"state"`
	Viewers       int    `json:"viewers"`
	BufferedBytes int    `json:"buffered_bytes"`
	CreatedAt     int64  `json:"created_at"` // Unix milliseconds
}

// SessionListPayload carries the live sessions, oldest first, and the
// host's session limit.
type SessionListPayload struct {
	Sessions    []SessionSummary `json:"sessions"`
	MaxSessions int              `json:"max_sessions"`
}

// ErrorPayload carries a stable error code and a human-readable message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorMessage creates an error reply correlated with request id.
func NewErrorMessage(id, code, message string) Message {
	return Message{
		Type: MessageTypeError,
		ID:   id,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}

// NewSessionAttachedMessage creates the reply to session.attach.
func NewSessionAttachedMessage(id string, res pty.AttachResult) Message {
	return Message{
		Type: MessageTypeSessionAttached,
		ID:   id,
		Payload: SessionAttachedPayload{
			SessionID:   res.SessionID,
			WasExisting: res.WasExisting,
		},
	}
}

// NewViewerRegisteredMessage creates the reply to viewer.register.
func NewViewerRegisteredMessage(id, sessionID, viewerID string) Message {
	return Message{
		Type: MessageTypeViewerRegistered,
		ID:   id,
		Payload: ViewerRegisteredPayload{
			SessionID: sessionID,
			ViewerID:  viewerID,
		},
	}
}

// NewTerminalOutputMessage creates an output event for one viewer.
func NewTerminalOutputMessage(sessionID, viewerID string, data []byte) Message {
	return Message{
		Type: MessageTypeTerminalOutput,
		Payload: TerminalOutputPayload{
			SessionID: sessionID,
			ViewerID:  viewerID,
			Data:      data,
		},
	}
}

// NewTerminalClearMessage creates a clear event for one viewer.
func NewTerminalClearMessage(sessionID, viewerID string) Message {
	return Message{
		Type: MessageTypeTerminalClear,
		Payload: ViewerEventPayload{
			SessionID: sessionID,
			ViewerID:  viewerID,
		},
	}
}

// NewSessionClosedMessage creates a session.closed event or reply.
func NewSessionClosedMessage(id, sessionID, viewerID string, reason pty.CloseReason) Message {
	return Message{
		Type: MessageTypeSessionClosed,
		ID:   id,
		Payload: SessionClosedPayload{
			SessionID: sessionID,
			ViewerID:  viewerID,
			Reason:    string(reason),
		},
	}
}

// NewSessionListMessage creates a session.list reply.
func NewSessionListMessage(id string, infos []pty.SessionInfo, maxSessions int) Message {
	return Message{
		Type: MessageTypeSessionList,
		ID:   id,
		Payload: SessionListPayload{
			Sessions:    summarize(infos),
			MaxSessions: maxSessions,
		},
	}
}

func summarize(infos []pty.SessionInfo) []SessionSummary {
	out := make([]SessionSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, SessionSummary{
			ID:            info.ID,
			Seed:          info.Seed,
			WorkDir:       info.WorkDir,
			Pid:           info.Pid,
			State:         info.State.String(),
			Viewers:       info.Viewers,
			BufferedBytes: info.BufferedBytes,
			CreatedAt:     info.CreatedAt.UnixMilli(),
		})
	}
	return out
}
