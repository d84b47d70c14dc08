package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/orchestra/host/internal/errors"
	"github.com/orchestra/host/internal/logger"
	"github.com/orchestra/host/internal/pty"
)

// channelBufferSize is the per-client outgoing queue length. Replies and
// viewer events block on a full queue, so a slow client only slows itself.
const channelBufferSize = 256

// Input rate limit defaults, used when Options leave them unset.
const (
	DefaultInputRate  = 200
	DefaultInputBurst = 400
)

// TokenValidator validates authentication tokens for WebSocket connections.
// Returns the token ID if the token is valid, or an error if not.
type TokenValidator func(token string) (tokenID string, err error)

// Options configures a Server.
type Options struct {
	// Addr is the address to listen on, e.g. "127.0.0.1:7171".
	Addr string

	// Registry owns the sessions this server exposes. Required.
	Registry *pty.Registry

	// TokenValidator checks bearer tokens. Nil disables authentication.
	TokenValidator TokenValidator

	// RequireAuth rejects connections without a valid token. Ignored when
	// TokenValidator is nil.
	RequireAuth bool

	// InputRate and InputBurst configure the per-connection token bucket
	// on terminal.input.
	InputRate  float64
	InputBurst int

	Logger *logger.Logger
}

// Server manages WebSocket connections. Each connection is a Client that
// can attach sessions and host any number of viewers.
type Server struct {
	opts     Options
	registry *pty.Registry
	log      *logger.Logger

	// upgrader converts HTTP connections to WebSocket connections.
	upgrader websocket.Upgrader

	// mu protects clients, stopped and httpServer.
	mu         sync.RWMutex
	clients    map[*Client]bool
	stopped    bool
	httpServer *http.Server
	listenAddr string
}

// New creates a server. Call StartAsync to begin accepting connections, or
// mount Handler on an existing http.Server.
func New(opts Options) *Server {
	if opts.InputRate <= 0 {
		opts.InputRate = DefaultInputRate
	}
	if opts.InputBurst <= 0 {
		opts.InputBurst = DefaultInputBurst
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		opts:     opts,
		registry: opts.Registry,
		log:      log.Named("server"),
		clients:  make(map[*Client]bool),
		upgrader: websocket.Upgrader{
			// The desktop UI connects from a file:// or app:// origin.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the HTTP handler with all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Handle WebSocket connections at the /ws endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Health check endpoint for monitoring
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Live sessions, for `orchestra sessions --live`.
	mux.HandleFunc("/api/sessions", s.handleListSessions)

	return mux
}

// StartAsync starts the server in a goroutine and returns any startup errors.
//
// The returned channel receives nil if startup succeeded, or an error if
// the listener could not be created (e.g., port already in use).
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	// Create the listener first to detect port conflicts immediately.
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
		close(errCh)
		return errCh
	}

	httpServer := &http.Server{Handler: s.Handler()}

	s.mu.Lock()
	s.httpServer = httpServer
	s.listenAddr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		s.log.Info("websocket server listening", zap.String("addr", ln.Addr().String()))
		errCh <- nil
		close(errCh)

		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("websocket server error", zap.Error(err))
		}
	}()

	return errCh
}

// Addr returns the bound listener address once started, or the configured
// address before that.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listenAddr != "" {
		return s.listenAddr
	}
	return s.opts.Addr
}

// Stop disconnects every client and shuts the listener down. Sessions are
// left to the registry; callers close them with Registry.CloseAll.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true

	// writePump sends the close frame and closes the connection.
	for client := range s.clients {
		client.closeSend()
	}
	s.clients = make(map[*Client]bool)
	httpServer := s.httpServer
	s.mu.Unlock()

	if httpServer != nil {
		return httpServer.Shutdown(ctx)
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// handleWebSocket upgrades an HTTP connection to a WebSocket connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	tokenID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(s, conn, tokenID)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = true
	s.mu.Unlock()

	client.log.Info("client connected", zap.Int("clients", s.ClientCount()))

	go client.writePump()
	go client.readPump()
}

// authenticate enforces the token policy. It writes the HTTP error itself
// and reports false when the request must be rejected.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !s.opts.RequireAuth || s.opts.TokenValidator == nil {
		return "", true
	}

	token := extractBearerToken(r)
	if token == "" {
		s.log.Warn("websocket connection rejected", zap.String("reason", "missing token"))
		writeAuthError(w, apperrors.New(apperrors.CodeAuthRequired, "missing token"))
		return "", false
	}

	tokenID, err := s.opts.TokenValidator(token)
	if err != nil {
		s.log.Warn("websocket connection rejected", zap.String("reason", "invalid token"), zap.Error(err))
		writeAuthError(w, apperrors.New(apperrors.CodeAuthInvalid, "invalid or revoked token"))
		return "", false
	}
	return tokenID, true
}

// writeAuthError answers 401 with the same {code, message} body the
// WebSocket error message carries.
func writeAuthError(w http.ResponseWriter, err *apperrors.CodedError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(ErrorPayload{Code: err.Code, Message: err.Message})
}

// handleListSessions serves GET /api/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	payload := SessionListPayload{
		Sessions:    summarize(s.registry.List()),
		MaxSessions: s.registry.MaxSessions(),
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("failed to encode session list", zap.Error(err))
	}
}

// removeClient drops a client from the table.
func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// newInputLimiter returns the token bucket for one connection.
func (s *Server) newInputLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(s.opts.InputRate), s.opts.InputBurst)
}

// extractBearerToken extracts the token from an Authorization header.
// Supports both "Bearer <token>" header and "token" query parameter as fallback.
func extractBearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const bearerPrefix = "bearer "
		if len(auth) > len(bearerPrefix) && strings.EqualFold(auth[:len(bearerPrefix)], bearerPrefix) {
			return strings.TrimSpace(auth[len(bearerPrefix):])
		}
	}

	// Some WebSocket clients don't support custom headers.
	return r.URL.Query().Get("token")
}
