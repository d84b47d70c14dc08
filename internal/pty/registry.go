// Package pty runs one pseudo-terminal per git worktree and multiplexes its
// output to any number of viewers. A Registry owns the sessions; each
// session buffers recent output so a late viewer can be caught up.
package pty

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/orchestra/host/internal/errors"
	"github.com/orchestra/host/internal/logger"
)

const (
	// DefaultMaxSessions bounds concurrent ptys to prevent resource exhaustion.
	DefaultMaxSessions = 20

	// DefaultLaunchCommand is written to a fresh session's shell.
	DefaultLaunchCommand = "claude\r"

	// DefaultLaunchDelay gives the shell time to print its prompt first.
	DefaultLaunchDelay = 500 * time.Millisecond
)

// AttachResult is returned by GetOrCreate.
type AttachResult struct {
	SessionID string

	// WasExisting is true when a live session was reused. Callers use it to
	// decide whether to auto-launch.
	WasExisting bool
}

// SessionInfo is a point-in-time description of one session.
type SessionInfo struct {
	ID            string
	Seed          string
	WorkDir       string
	Pid           int
	State         State
	Viewers       int
	BufferedBytes int
	CreatedAt     time.Time
}

// Recorder is notified of session lifecycle changes. Errors are logged and
// never affect the session.
type Recorder interface {
	SessionOpened(info SessionInfo) error
	SessionClosed(id string, reason CloseReason, at time.Time) error
}

// Options configures a Registry. Zero values select the defaults.
type Options struct {
	// Spawner starts terminals. Nil means a ShellSpawner for $SHELL.
	Spawner Spawner

	MaxSessions      int
	HistoryBytes     int
	HistoryTrimBytes int

	// DedupWindow bounds redelivery suppression. Zero selects
	// DefaultDedupWindow; negative disables suppression.
	DedupWindow time.Duration

	// AutoLaunch types LaunchCommand into every new session once, after
	// its first viewer registers. Without it only TriggerAutoLaunch does.
	AutoLaunch bool

	// LaunchCommand is the assistant's start command. Empty selects
	// DefaultLaunchCommand.
	LaunchCommand string
	LaunchDelay   time.Duration

	Recorder Recorder
	Logger   *logger.Logger

	// Now is the clock for chunk arrival times. Nil means time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Spawner == nil {
		o.Spawner = ShellSpawner{}
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = DefaultMaxSessions
	}
	if o.DedupWindow == 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	if o.LaunchCommand == "" {
		o.LaunchCommand = DefaultLaunchCommand
	}
	if o.LaunchDelay <= 0 {
		o.LaunchDelay = DefaultLaunchDelay
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// entry is a registry slot. It is inserted before the spawn starts so
// concurrent callers for the same key wait on ready instead of spawning.
type entry struct {
	seed    string
	workdir string
	started time.Time

	ready   chan struct{}
	session *Session
	err     error
}

// Registry maps session keys to live sessions.
//
// It is safe for concurrent use. The table lock is never held across a
// spawn, so creating one worktree's session does not block another's.
//
// Example usage:
//
//	reg := NewRegistry(Options{AutoLaunch: true, Logger: log})
//	defer reg.CloseAll()
//	res, err := reg.GetOrCreate(ctx, worktreePath, worktreePath)
//	if err != nil {
//	    return err
//	}
//	// The first viewer of a new session also schedules the launch.
//	_ = reg.RegisterViewer(res.SessionID, "pane-1", sink)
//	if res.WasExisting {
//	    _ = reg.CatchUp(res.SessionID, "pane-1")
//	}
type Registry struct {
	opts Options
	log  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		opts:     opts,
		log:      opts.Logger.Named("pty"),
		sessions: make(map[string]*entry),
	}
}

// MaxSessions returns the configured session limit.
func (r *Registry) MaxSessions() int {
	return r.opts.MaxSessions
}

// GetOrCreate returns the live session for seed, spawning a shell in
// workdir if there is none. An empty workdir means seed itself.
//
// Concurrent calls for the same seed spawn exactly once: the first caller
// spawns and the rest wait for its outcome, sharing its error if the spawn
// fails. A failed spawn leaves nothing behind.
func (r *Registry) GetOrCreate(ctx context.Context, seed, workdir string) (AttachResult, error) {
	id, err := SessionKey(seed)
	if err != nil {
		return AttachResult{}, apperrors.SpawnFailed(workdir, err)
	}
	if workdir == "" {
		workdir = seed
	}

	for {
		r.mu.Lock()
		e, ok := r.sessions[id]
		if !ok {
			if len(r.sessions) >= r.opts.MaxSessions {
				r.mu.Unlock()
				return AttachResult{}, apperrors.LimitReached(r.opts.MaxSessions)
			}
			e = &entry{
				seed:    seed,
				workdir: workdir,
				started: r.opts.Now(),
				ready:   make(chan struct{}),
			}
			r.sessions[id] = e
			r.mu.Unlock()
			return r.spawn(e, id, seed, workdir)
		}
		r.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return AttachResult{}, ctx.Err()
		}
		if e.err != nil {
			return AttachResult{}, e.err
		}
		if e.session.State() == StateActive {
			return AttachResult{SessionID: id, WasExisting: true}, nil
		}

		// The session is tearing down. Once it is gone the next pass
		// spawns a fresh one.
		select {
		case <-e.session.Closed():
		case <-ctx.Done():
			return AttachResult{}, ctx.Err()
		}
	}
}

func (r *Registry) spawn(e *entry, id, seed, workdir string) (AttachResult, error) {
	log := r.log.WithFields(zap.String("session_id", id))

	term, err := r.opts.Spawner.Spawn(workdir)
	if err != nil {
		e.err = apperrors.SpawnFailed(workdir, err)
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		close(e.ready)
		log.Error("spawn failed", zap.String("workdir", workdir), zap.Error(err))
		return AttachResult{}, e.err
	}

	s := newSession(sessionConfig{
		id:          id,
		seed:        seed,
		workdir:     workdir,
		term:        term,
		buffer:      NewReplayBuffer(r.opts.HistoryBytes, r.opts.HistoryTrimBytes),
		log:         log,
		now:         r.opts.Now,
		dedupWindow: r.opts.DedupWindow,
		launchCmd:   []byte(r.opts.LaunchCommand),
		launchDelay: r.opts.LaunchDelay,
		autoLaunch:  r.opts.AutoLaunch,
		onClosed:    r.forget,
	})
	if r.opts.Recorder != nil {
		if err := r.opts.Recorder.SessionOpened(s.info()); err != nil {
			log.Warn("record session open failed", zap.Error(err))
		}
	}

	e.session = s
	close(e.ready)
	go s.watchExit()

	log.Info("session created",
		zap.String("workdir", workdir),
		zap.Int("pid", term.Pid()))
	return AttachResult{SessionID: id, WasExisting: false}, nil
}

// forget removes a closed session. Only the exact record is removed; a
// newer session under the same key is left alone.
func (r *Registry) forget(s *Session, reason CloseReason) {
	r.mu.Lock()
	if e, ok := r.sessions[s.ID]; ok && e.session == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()

	if r.opts.Recorder != nil {
		if err := r.opts.Recorder.SessionClosed(s.ID, reason, r.opts.Now()); err != nil {
			s.log.Warn("record session close failed", zap.Error(err))
		}
	}
	s.log.Info("session closed", zap.String("reason", string(reason)))
}

// lookup returns the live session for id. Pending spawns count as absent.
func (r *Registry) lookup(id string) *Session {
	r.mu.Lock()
	e, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-e.ready:
	default:
		return nil
	}
	if e.session == nil || e.session.State() != StateActive {
		return nil
	}
	return e.session
}

// Get returns the live session for id, or nil.
func (r *Registry) Get(id string) *Session {
	return r.lookup(id)
}

// RegisterViewer attaches sink to a session under viewerID. The first
// viewer a session ever gets starts its read loop. Registering an existing
// viewerID replaces the previous sink.
func (r *Registry) RegisterViewer(id, viewerID string, sink Sink) error {
	s := r.lookup(id)
	if s == nil {
		return apperrors.SessionNotFound(id)
	}
	return s.addViewer(viewerID, sink)
}

// UnregisterViewer detaches one viewer. The process and its buffer are
// untouched. Unknown sessions or viewers are not an error.
func (r *Registry) UnregisterViewer(id, viewerID string) error {
	if s := r.lookup(id); s != nil {
		s.removeViewer(viewerID)
	}
	return nil
}

// CatchUp sends viewerID a clear followed by the session's buffered history,
// ahead of any live output still to come.
func (r *Registry) CatchUp(id, viewerID string) error {
	s := r.lookup(id)
	if s == nil {
		return apperrors.SessionNotFound(id)
	}
	return s.catchUp(viewerID)
}

// Write sends raw input bytes to a session's pty.
func (r *Registry) Write(id string, p []byte) error {
	s := r.lookup(id)
	if s == nil {
		return apperrors.SessionNotFound(id)
	}
	return s.write(p)
}

// Resize changes a session's window size.
func (r *Registry) Resize(id string, cols, rows int) error {
	s := r.lookup(id)
	if s == nil {
		return apperrors.SessionNotFound(id)
	}
	return s.resize(cols, rows)
}

// TriggerAutoLaunch schedules the launch command for a freshly created
// session without waiting for a viewer. The launch happens at most once per
// session, whichever of this call or the first viewer gets there first; it
// reports whether this call scheduled it.
func (r *Registry) TriggerAutoLaunch(id string) bool {
	s := r.lookup(id)
	if s == nil {
		return false
	}
	return s.scheduleLaunch()
}

// Close terminates a session and waits for teardown. Closing an unknown or
// already closed session is a no-op.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	<-e.ready
	if e.session == nil {
		return nil
	}
	e.session.terminate(CloseRequested)
	<-e.session.Closed()
	return nil
}

// CloseAll terminates every session concurrently. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			<-e.ready
			if e.session == nil {
				return
			}
			e.session.terminate(CloseShutdown)
			<-e.session.Closed()
		}(e)
	}
	wg.Wait()
}

// List returns a snapshot of all live sessions, oldest first. Sessions
// whose pty is still starting are included in StateSpawning.
func (r *Registry) List() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	infos := make([]SessionInfo, 0, len(r.sessions))
	for id, e := range r.sessions {
		select {
		case <-e.ready:
			if e.session != nil {
				sessions = append(sessions, e.session)
			}
		default:
			infos = append(infos, SessionInfo{
				ID:        id,
				Seed:      e.seed,
				WorkDir:   e.workdir,
				State:     StateSpawning,
				CreatedAt: e.started,
			})
		}
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if info := s.info(); info.State == StateActive {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count returns the number of sessions in the table, including ones still
// spawning.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
