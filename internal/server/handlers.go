package server

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/orchestra/host/internal/errors"
	"github.com/orchestra/host/internal/pty"
)

// decode unmarshals a payload, replying with server.invalid_message on
// failure.
func (c *Client) decode(id string, raw json.RawMessage, v interface{}) bool {
	if len(raw) == 0 {
		c.sendError(id, apperrors.InvalidMessage("payload is required"))
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.log.Debug("failed to parse payload", zap.Error(err))
		c.sendError(id, apperrors.InvalidMessage("invalid message format"))
		return false
	}
	return true
}

// handleSessionAttach gets or creates the session for a worktree.
func (c *Client) handleSessionAttach(id string, raw json.RawMessage) {
	var p SessionAttachPayload
	if !c.decode(id, raw, &p) {
		return
	}
	if strings.TrimSpace(p.Seed) == "" {
		c.sendError(id, apperrors.InvalidMessage("seed is required"))
		return
	}

	res, err := c.server.registry.GetOrCreate(c.ctx, p.Seed, p.WorkDir)
	if err != nil {
		c.log.Warn("session attach failed", zap.String("seed", p.Seed), zap.Error(err))
		c.sendError(id, err)
		return
	}
	c.log.Info("session attached",
		zap.String("session_id", res.SessionID),
		zap.Bool("was_existing", res.WasExisting))
	c.queue(NewSessionAttachedMessage(id, res))
}

// handleViewerRegister attaches a viewer backed by this connection and
// optionally replays the session's history to it. The registry launches
// the assistant when a new session gets its first viewer.
func (c *Client) handleViewerRegister(id string, raw json.RawMessage) {
	var p ViewerRegisterPayload
	if !c.decode(id, raw, &p) {
		return
	}
	if p.SessionID == "" {
		c.sendError(id, apperrors.InvalidMessage("session_id is required"))
		return
	}
	if p.ViewerID == "" {
		p.ViewerID = uuid.NewString()
	}

	reg := c.server.registry
	session := reg.Get(p.SessionID)
	if session == nil {
		c.sendError(id, apperrors.SessionNotFound(p.SessionID))
		return
	}

	sink := &wsSink{
		client:    c,
		session:   session,
		sessionID: p.SessionID,
		viewerID:  p.ViewerID,
	}
	c.trackViewer(sink)
	if err := reg.RegisterViewer(p.SessionID, p.ViewerID, sink); err != nil {
		c.untrackViewer(sink)
		c.sendError(id, err)
		return
	}
	c.queue(NewViewerRegisteredMessage(id, p.SessionID, p.ViewerID))

	if !p.CatchUp {
		return
	}
	if err := reg.CatchUp(p.SessionID, p.ViewerID); err != nil {
		c.sendError(id, err)
	}
}

// handleViewerUnregister detaches a viewer. Unknown viewers are ignored.
func (c *Client) handleViewerUnregister(id string, raw json.RawMessage) {
	var p ViewerUnregisterPayload
	if !c.decode(id, raw, &p) {
		return
	}

	c.mu.Lock()
	delete(c.viewers, viewerKey{p.SessionID, p.ViewerID})
	c.mu.Unlock()

	_ = c.server.registry.UnregisterViewer(p.SessionID, p.ViewerID)
}

// handleTerminalInput forwards keystrokes to a session's pty.
func (c *Client) handleTerminalInput(id string, raw json.RawMessage) {
	var p TerminalInputPayload
	if !c.decode(id, raw, &p) {
		return
	}

	if !c.inputLimiter.Allow() {
		c.log.Debug("terminal input rate limited", zap.String("session_id", p.SessionID))
		c.sendError(id, apperrors.New(apperrors.CodeInputRateLimited, "rate limit exceeded"))
		return
	}

	// Content is never logged.
	if err := c.server.registry.Write(p.SessionID, []byte(p.Data)); err != nil {
		c.log.Warn("terminal input failed", zap.String("session_id", p.SessionID), zap.Error(err))
		c.sendError(id, err)
	}
}

// handleTerminalResize applies new window dimensions.
func (c *Client) handleTerminalResize(id string, raw json.RawMessage) {
	var p TerminalResizePayload
	if !c.decode(id, raw, &p) {
		return
	}
	if p.SessionID == "" {
		c.sendError(id, apperrors.InvalidMessage("session_id is required"))
		return
	}
	if p.Cols <= 0 || p.Rows <= 0 {
		c.sendError(id, apperrors.InvalidMessage("cols and rows must be > 0"))
		return
	}

	if err := c.server.registry.Resize(p.SessionID, p.Cols, p.Rows); err != nil {
		c.sendError(id, err)
		return
	}
	c.log.Debug("terminal resized",
		zap.String("session_id", p.SessionID),
		zap.Int("cols", p.Cols),
		zap.Int("rows", p.Rows))
}

// handleSessionClose terminates a session and confirms once teardown is
// complete. Closing an unknown session is confirmed the same way.
func (c *Client) handleSessionClose(id string, raw json.RawMessage) {
	var p SessionClosePayload
	if !c.decode(id, raw, &p) {
		return
	}
	if p.SessionID == "" {
		c.sendError(id, apperrors.InvalidMessage("session_id is required"))
		return
	}

	if err := c.server.registry.Close(p.SessionID); err != nil {
		c.sendError(id, err)
		return
	}
	c.queue(NewSessionClosedMessage(id, p.SessionID, "", pty.CloseRequested))
}

// handleSessionList replies with the live sessions.
func (c *Client) handleSessionList(id string) {
	reg := c.server.registry
	c.queue(NewSessionListMessage(id, reg.List(), reg.MaxSessions()))
}
