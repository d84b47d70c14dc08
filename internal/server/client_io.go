package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/orchestra/host/internal/errors"
	"github.com/orchestra/host/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
)

// viewerKey identifies one viewer hosted by a client.
type viewerKey struct {
	sessionID string
	viewerID  string
}

// Client represents a single WebSocket connection.
// Each client has its own goroutine for writing messages, which keeps a
// slow connection from blocking sessions or other clients.
type Client struct {
	conn   *websocket.Conn
	server *Server
	log    *logger.Logger

	// send is the outgoing queue drained by writePump.
	send chan Message

	// done is closed to signal the client should shut down. All senders
	// select on it so send itself is never closed.
	done     chan struct{}
	sendOnce sync.Once

	// ctx is cancelled with done. Blocking registry calls honor it.
	ctx    context.Context
	cancel context.CancelFunc

	// tokenID is the authenticated token, empty when auth is off.
	tokenID string

	// inputLimiter rate-limits terminal.input messages.
	inputLimiter *rate.Limiter

	// mu guards viewers. Sinks remove their viewer from the pump goroutine
	// when a session closes.
	mu      sync.Mutex
	viewers map[viewerKey]*wsSink
}

func newClient(s *Server, conn *websocket.Conn, tokenID string) *Client {
	log := s.log
	if tokenID != "" {
		log = log.WithFields(zap.String("token_id", tokenID))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ctx:          ctx,
		cancel:       cancel,
		conn:         conn,
		server:       s,
		log:          log.WithFields(zap.String("remote", conn.RemoteAddr().String())),
		send:         make(chan Message, channelBufferSize),
		done:         make(chan struct{}),
		tokenID:      tokenID,
		inputLimiter: s.newInputLimiter(),
		viewers:      make(map[viewerKey]*wsSink),
	}
}

// closeSend safely signals the client to shut down exactly once.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

// queue hands msg to writePump, blocking while the queue is full. It
// returns false once the client is shutting down.
func (c *Client) queue(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	}
}

// sendError replies with an error built from err's code and message.
func (c *Client) sendError(id string, err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	c.queue(NewErrorMessage(id, code, message))
}

// writePump sends queued messages to the WebSocket and pings periodically.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				c.log.Error("failed to marshal message", zap.String("type", string(msg.Type)), zap.Error(err))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.closeSend()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeSend()
				return
			}
		}
	}
}

// readPump reads and dispatches client messages until the connection ends,
// then detaches every viewer the client was hosting.
func (c *Client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.closeSend()
		c.detachAll()
		c.log.Info("client disconnected", zap.Int("clients", c.server.ClientCount()))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.log.Warn("read error", zap.Error(err))
			}
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one frame to its handler.
func (c *Client) dispatch(data []byte) {
	var env struct {
		Type    MessageType     `json:"type"`
		ID      string          `json:"id,omitempty"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Debug("failed to parse message", zap.Error(err))
		c.sendError("", apperrors.InvalidMessage("invalid message format"))
		return
	}

	switch env.Type {
	case MessageTypeSessionAttach:
		c.handleSessionAttach(env.ID, env.Payload)
	case MessageTypeViewerRegister:
		c.handleViewerRegister(env.ID, env.Payload)
	case MessageTypeViewerUnregister:
		c.handleViewerUnregister(env.ID, env.Payload)
	case MessageTypeTerminalInput:
		c.handleTerminalInput(env.ID, env.Payload)
	case MessageTypeTerminalResize:
		c.handleTerminalResize(env.ID, env.Payload)
	case MessageTypeSessionClose:
		c.handleSessionClose(env.ID, env.Payload)
	case MessageTypeSessionList:
		c.handleSessionList(env.ID)
	default:
		c.log.Debug("unhandled message", zap.String("type", string(env.Type)))
		c.sendError(env.ID, apperrors.New(apperrors.CodeServerHandlerMissing, "unknown message type "+string(env.Type)))
	}
}

// trackViewer records a viewer this client hosts. Viewer ids are chosen
// per connection; two connections sharing one id replace each other.
func (c *Client) trackViewer(sink *wsSink) {
	c.mu.Lock()
	c.viewers[viewerKey{sink.sessionID, sink.viewerID}] = sink
	c.mu.Unlock()
}

// untrackViewer forgets a viewer if sink is still the current one.
func (c *Client) untrackViewer(sink *wsSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := viewerKey{sink.sessionID, sink.viewerID}
	if c.viewers[key] == sink {
		delete(c.viewers, key)
	}
}

// detachAll unregisters every viewer on disconnect. Sessions keep running.
func (c *Client) detachAll() {
	c.mu.Lock()
	viewers := c.viewers
	c.viewers = make(map[viewerKey]*wsSink)
	c.mu.Unlock()

	for key := range viewers {
		_ = c.server.registry.UnregisterViewer(key.sessionID, key.viewerID)
	}
}
