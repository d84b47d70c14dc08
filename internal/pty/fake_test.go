package pty

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTerminal is a scripted Terminal. Output is pushed with emit; the
// child "exits" with exit.
type fakeTerminal struct {
	pid    int
	chunks chan []byte
	done   chan struct{}
	eof    chan struct{}

	exitOnce sync.Once
	eofOnce  sync.Once

	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	exitErr  error
	cols     int
	rows     int
	closed   bool
}

var nextFakePid atomic.Int32

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{
		pid:    int(nextFakePid.Add(1)) + 1000,
		chunks: make(chan []byte),
		done:   make(chan struct{}),
		eof:    make(chan struct{}),
	}
}

func (f *fakeTerminal) Read(p []byte) (int, error) {
	select {
	case c := <-f.chunks:
		return copy(p, c), nil
	case <-f.eof:
		return 0, io.EOF
	}
}

func (f *fakeTerminal) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.written.Write(p)
}

func (f *fakeTerminal) Resize(cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cols, f.rows = cols, rows
	return nil
}

func (f *fakeTerminal) Done() <-chan struct{} { return f.done }

func (f *fakeTerminal) Pid() int { return f.pid }

func (f *fakeTerminal) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.eofOnce.Do(func() { close(f.eof) })
	f.exitOnce.Do(func() { close(f.done) })
	return nil
}

// emit hands one chunk to the session's read loop. It blocks until the
// loop has picked it up.
func (f *fakeTerminal) emit(t *testing.T, s string) {
	t.Helper()
	select {
	case f.chunks <- []byte(s):
	case <-time.After(2 * time.Second):
		t.Fatalf("read loop did not consume %q", s)
	}
}

func (f *fakeTerminal) ExitError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitErr
}

// exitWith simulates the child ending with a non-zero status.
func (f *fakeTerminal) exitWith(err error) {
	f.mu.Lock()
	f.exitErr = err
	f.mu.Unlock()
	f.exit()
}

// exit simulates the child process ending.
func (f *fakeTerminal) exit() {
	f.exitOnce.Do(func() { close(f.done) })
	f.eofOnce.Do(func() { close(f.eof) })
}

func (f *fakeTerminal) input() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

func (f *fakeTerminal) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeSpawner hands out fakeTerminals and counts spawns.
type fakeSpawner struct {
	gate    chan struct{} // if set, Spawn blocks until it is closed
	gateDir string        // if set, only spawns in this dir wait on gate
	err     error

	spawns atomic.Int32

	mu    sync.Mutex
	terms []*fakeTerminal
	dirs  []string
}

func (f *fakeSpawner) Spawn(workdir string) (Terminal, error) {
	f.spawns.Add(1)
	if f.gate != nil && (f.gateDir == "" || f.gateDir == workdir) {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	term := newFakeTerminal()
	f.mu.Lock()
	f.terms = append(f.terms, term)
	f.dirs = append(f.dirs, workdir)
	f.mu.Unlock()
	return term, nil
}

func (f *fakeSpawner) term(t *testing.T, i int) *fakeTerminal {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.terms) {
		t.Fatalf("terminal %d was never spawned (have %d)", i, len(f.terms))
	}
	return f.terms[i]
}

// recordingSink captures everything delivered to one viewer.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Write(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Kind: EventOutput, Data: append([]byte(nil), p...)})
	return nil
}

func (r *recordingSink) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Kind: EventClear})
	return nil
}

func (r *recordingSink) SessionClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Kind: EventClosed})
}

func (r *recordingSink) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// output concatenates every output event.
func (r *recordingSink) output() string {
	var b strings.Builder
	for _, ev := range r.snapshot() {
		if ev.Kind == EventOutput {
			b.Write(ev.Data)
		}
	}
	return b.String()
}

// screen is what a terminal would show: output since the last clear.
func (r *recordingSink) screen() string {
	var b strings.Builder
	for _, ev := range r.snapshot() {
		switch ev.Kind {
		case EventClear:
			b.Reset()
		case EventOutput:
			b.Write(ev.Data)
		}
	}
	return b.String()
}

func (r *recordingSink) closedCount() int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Kind == EventClosed {
			n++
		}
	}
	return n
}

// blockingSink never returns from Write until released.
type blockingSink struct {
	release chan struct{}
	entered chan struct{}
	once    sync.Once
}

func newBlockingSink() *blockingSink {
	return &blockingSink{release: make(chan struct{}), entered: make(chan struct{})}
}

func (b *blockingSink) Write(p []byte) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return nil
}

func (b *blockingSink) Clear() error   { return nil }
func (b *blockingSink) SessionClosed() {}

// failingSink rejects or panics on every write.
type failingSink struct {
	panics bool
	calls  atomic.Int32
}

var errSinkBroken = errors.New("sink broken")

func (f *failingSink) Write(p []byte) error {
	f.calls.Add(1)
	if f.panics {
		panic("renderer gone")
	}
	return errSinkBroken
}

func (f *failingSink) Clear() error   { return errSinkBroken }
func (f *failingSink) SessionClosed() {}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
