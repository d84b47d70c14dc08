package server

import (
	"github.com/orchestra/host/internal/pty"
)

// wsSink delivers one viewer's events over its client's connection. Each
// call blocks until the frame is queued, so a slow connection only holds
// back its own viewers.
type wsSink struct {
	client    *Client
	session   *pty.Session
	sessionID string
	viewerID  string
}

var _ pty.Sink = (*wsSink)(nil)

func (s *wsSink) Write(p []byte) error {
	if !s.client.queue(NewTerminalOutputMessage(s.sessionID, s.viewerID, p)) {
		return pty.ErrSinkClosed
	}
	return nil
}

func (s *wsSink) Clear() error {
	if !s.client.queue(NewTerminalClearMessage(s.sessionID, s.viewerID)) {
		return pty.ErrSinkClosed
	}
	return nil
}

func (s *wsSink) SessionClosed() {
	s.client.untrackViewer(s)
	var reason pty.CloseReason
	if s.session != nil {
		reason = s.session.CloseReason()
	}
	s.client.queue(NewSessionClosedMessage("", s.sessionID, s.viewerID, reason))
}
