package pty

import (
	"errors"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	apperrors "github.com/orchestra/host/internal/errors"
	"github.com/orchestra/host/internal/logger"
)

// readChunkSize is the largest single read from the pty master.
const readChunkSize = 4096

// exitGrace is how long the read loop gets to drain output after the child
// exits before the session is closed anyway (a background job may still
// hold the slave open).
const exitGrace = 3 * time.Second

// DefaultDedupWindow is how close in time two identical chunks must arrive
// for the second to be treated as a redelivery. Only adjacent chunks are
// compared. Output that genuinely repeats within the window, such as two
// identical full reads from a fast producer, is dropped as well; set a
// negative window to disable suppression.
const DefaultDedupWindow = 2 * time.Millisecond

// State is a session's lifecycle state.
type State int

const (
	// StateUninitialized is the zero value. No listed session reports it.
	StateUninitialized State = iota

	// StateSpawning covers a registry slot whose pty is still starting.
	// It is only visible through Registry.List; Get skips such slots.
	StateSpawning

	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSpawning:
		return "spawning"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a session left Active.
type CloseReason string

const (
	CloseRequested CloseReason = "requested"
	CloseExited    CloseReason = "exited"
	CloseReadError CloseReason = "read_error"
	CloseShutdown  CloseReason = "shutdown"
)

// fingerprint identifies the last delivered chunk for redelivery suppression.
type fingerprint struct {
	sum   uint64
	size  int
	at    time.Time
	valid bool
}

// repeats reports whether next is the same payload arriving within window
// of f. Only the immediately previous chunk is compared.
func (f fingerprint) repeats(next fingerprint, window time.Duration) bool {
	if !f.valid || window < 0 {
		return false
	}
	if f.sum != next.sum || f.size != next.size {
		return false
	}
	gap := next.at.Sub(f.at)
	if gap < 0 {
		gap = -gap
	}
	return gap <= window
}

// Session is the record for one worktree's pty. It owns the Terminal and
// the ReplayBuffer; viewers are borrowed.
type Session struct {
	// ID is the resolved session key.
	ID string

	// Seed is the worktree identity the key was derived from.
	Seed string

	// WorkDir is the shell's starting directory.
	WorkDir string

	// CreatedAt is when the pty was spawned.
	CreatedAt time.Time

	term        Terminal
	buffer      *ReplayBuffer
	log         *logger.Logger
	now         func() time.Time
	dedupWindow time.Duration

	// launchCmd is typed once, launchDelay after the first viewer arrives
	// when autoLaunch is set, or on TriggerAutoLaunch.
	launchCmd   []byte
	launchDelay time.Duration
	autoLaunch  bool

	// onClosed runs once teardown completes, before closed is signalled.
	onClosed func(*Session, CloseReason)

	// mu serializes viewer-set changes, buffer appends and the
	// read-append-enqueue step.
	mu            sync.Mutex
	state         State
	viewers       map[string]*viewer
	delivering    bool
	readerStarted bool
	last          fingerprint
	launchArmed   bool
	launchTimer   *time.Timer
	closeReason   CloseReason

	closed chan struct{}
}

type sessionConfig struct {
	id, seed, workdir string
	term              Terminal
	buffer            *ReplayBuffer
	log               *logger.Logger
	now               func() time.Time
	dedupWindow       time.Duration
	launchCmd         []byte
	launchDelay       time.Duration
	autoLaunch        bool
	onClosed          func(*Session, CloseReason)
}

// newSession builds an Active session. The caller starts watchExit once
// the session is published.
func newSession(cfg sessionConfig) *Session {
	return &Session{
		ID:          cfg.id,
		Seed:        cfg.seed,
		WorkDir:     cfg.workdir,
		CreatedAt:   cfg.now(),
		term:        cfg.term,
		buffer:      cfg.buffer,
		log:         cfg.log,
		now:         cfg.now,
		dedupWindow: cfg.dedupWindow,
		launchCmd:   cfg.launchCmd,
		launchDelay: cfg.launchDelay,
		autoLaunch:  cfg.autoLaunch,
		onClosed:    cfg.onClosed,
		state:       StateActive,
		viewers:     make(map[string]*viewer),
		launchArmed: len(cfg.launchCmd) > 0,
		closed:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed is closed once the session reaches StateClosed.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// CloseReason returns why the session closed, or "" while active.
func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// ExitError reports how the child exited. It is nil while the child runs
// and after a clean exit.
func (s *Session) ExitError() error {
	return s.term.ExitError()
}

// Pid returns the child process id.
func (s *Session) Pid() int {
	return s.term.Pid()
}

// Buffer returns the session's replay buffer.
func (s *Session) Buffer() *ReplayBuffer {
	return s.buffer
}

// ViewerCount returns the number of attached viewers.
func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:            s.ID,
		Seed:          s.Seed,
		WorkDir:       s.WorkDir,
		Pid:           s.term.Pid(),
		State:         s.state,
		Viewers:       len(s.viewers),
		BufferedBytes: s.buffer.Len(),
		CreatedAt:     s.CreatedAt,
	}
}

// Delivering reports whether the broadcaster is fanning out output, which
// is true exactly when at least one viewer is attached.
func (s *Session) Delivering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivering
}

func (s *Session) addViewer(viewerID string, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return apperrors.SessionNotFound(s.ID)
	}

	if old, ok := s.viewers[viewerID]; ok {
		old.detach()
	}
	s.viewers[viewerID] = newViewer(s.ID, viewerID, sink, s.log)
	s.delivering = true

	// The read loop starts with the first-ever viewer and then runs for the
	// rest of the session, buffering even while nobody watches. The same
	// moment arms the assistant launch, whoever that viewer belongs to.
	if !s.readerStarted {
		s.readerStarted = true
		go s.readLoop()
		if s.autoLaunch {
			s.startLaunchLocked()
		}
	}

	s.log.Debug("viewer attached",
		zap.String("viewer_id", viewerID),
		zap.Int("viewers", len(s.viewers)))
	return nil
}

func (s *Session) removeViewer(viewerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.viewers[viewerID]
	if !ok {
		return
	}
	delete(s.viewers, viewerID)
	v.detach()
	if len(s.viewers) == 0 {
		s.delivering = false
	}

	s.log.Debug("viewer detached",
		zap.String("viewer_id", viewerID),
		zap.Int("viewers", len(s.viewers)))
}

// catchUp queues clear + full history for one viewer. Because it runs under
// the same lock as ingest, every live chunk lands after the snapshot.
func (s *Session) catchUp(viewerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return apperrors.SessionNotFound(s.ID)
	}
	v, ok := s.viewers[viewerID]
	if !ok {
		return apperrors.ViewerNotFound(s.ID, viewerID)
	}

	ds := []delivery{{kind: deliverClear}}
	if snap := s.buffer.Snapshot(); len(snap) > 0 {
		ds = append(ds, delivery{kind: deliverOutput, data: snap})
	}
	v.reset(ds...)
	return nil
}

// readLoop is the broadcaster: it blocks on the pty and hands each chunk
// to ingest until the pty reports EOF or an error.
func (s *Session) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.term.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.ingest(chunk, s.now())
		}
		if err != nil {
			reason := CloseExited
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) {
				reason = CloseReadError
			}
			if s.terminate(reason) {
				s.log.Debug("read loop ended", zap.Error(err))
			}
			return
		}
	}
}

// ingest appends one chunk to the buffer and queues it for every viewer.
func (s *Session) ingest(chunk []byte, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return
	}

	fp := fingerprint{
		sum:   xxhash.Sum64(chunk),
		size:  len(chunk),
		at:    at,
		valid: true,
	}
	if s.last.repeats(fp, s.dedupWindow) {
		s.log.Debug("suppressed repeated chunk", zap.Int("bytes", len(chunk)))
		return
	}
	s.last = fp

	s.buffer.Append(chunk)

	if !s.delivering {
		return
	}
	d := delivery{kind: deliverOutput, data: chunk}
	for _, v := range s.viewers {
		v.enqueue(d)
	}
}

// write forwards input to the pty without holding the session lock.
func (s *Session) write(p []byte) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state != StateActive {
		return apperrors.WriteFailed(s.ID, ErrTerminalClosed)
	}
	if _, err := s.term.Write(p); err != nil {
		return apperrors.WriteFailed(s.ID, err)
	}
	return nil
}

func (s *Session) resize(cols, rows int) error {
	if s.State() != StateActive {
		return apperrors.SessionNotFound(s.ID)
	}
	if err := s.term.Resize(cols, rows); err != nil {
		return apperrors.ResizeFailed(s.ID, err)
	}
	return nil
}

// scheduleLaunch writes the launch command after the launch delay, at most
// once per session.
func (s *Session) scheduleLaunch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLaunchLocked()
}

func (s *Session) startLaunchLocked() bool {
	if !s.launchArmed || s.state != StateActive {
		return false
	}
	s.launchArmed = false
	cmd := s.launchCmd
	s.log.Debug("auto-launch scheduled", zap.Duration("delay", s.launchDelay))
	s.launchTimer = time.AfterFunc(s.launchDelay, func() {
		if err := s.write(cmd); err != nil {
			s.log.Warn("auto-launch failed", zap.Error(err))
			return
		}
		s.log.Info("auto-launch command sent")
	})
	return true
}

// watchExit closes the session when the child exits. If the read loop is
// running it normally gets there first via EOF, after draining output.
func (s *Session) watchExit() {
	select {
	case <-s.term.Done():
	case <-s.closed:
		return
	}

	s.mu.Lock()
	reading := s.readerStarted
	s.mu.Unlock()

	if reading {
		select {
		case <-s.closed:
			return
		case <-time.After(exitGrace):
		}
	}
	s.terminate(CloseExited)
}

// terminate runs Active -> Closing -> Closed. It returns false if another
// caller already started teardown.
func (s *Session) terminate(reason CloseReason) bool {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosing
	s.closeReason = reason
	viewers := s.viewers
	s.viewers = make(map[string]*viewer)
	s.delivering = false
	s.launchArmed = false
	if s.launchTimer != nil {
		s.launchTimer.Stop()
	}
	// Each viewer gets its queued output followed by the closed event.
	for _, v := range viewers {
		v.finish()
	}
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("reason", string(reason)),
		zap.Int("viewers", len(viewers)),
	}
	if reason == CloseExited {
		if err := s.term.ExitError(); err != nil {
			fields = append(fields, zap.NamedError("exit_error", err))
		}
	}
	s.log.Info("session closing", fields...)

	// Closing the master unblocks the read loop.
	if err := s.term.Close(); err != nil {
		s.log.Warn("terminal close failed", zap.Error(err))
	}
	s.buffer.Reset()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	if s.onClosed != nil {
		s.onClosed(s, reason)
	}
	close(s.closed)
	return true
}
