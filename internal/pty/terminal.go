package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// ErrProcessExited is returned by Terminal.Write once the child has exited.
var ErrProcessExited = errors.New("process has exited")

// ErrTerminalClosed is returned by Terminal.Write after Close.
var ErrTerminalClosed = errors.New("terminal closed")

// killWait bounds how long Close waits for the child to be reaped after SIGKILL.
const killWait = 5 * time.Second

// Terminal is one pseudo-terminal with a child process attached to its
// slave side. Reads return process output, writes become process input.
type Terminal interface {
	io.ReadWriter

	// Resize changes the window size and signals SIGWINCH to the child.
	Resize(cols, rows int) error

	// Done is closed when the child process exits.
	Done() <-chan struct{}

	// Pid returns the child's process id, or 0 if unknown.
	Pid() int

	// ExitError reports how the child exited: nil while it runs or after a
	// zero exit status.
	ExitError() error

	// Close kills the child (if still running) and releases the pty.
	// Safe to call more than once.
	Close() error
}

// Spawner starts a Terminal rooted at a working directory. It is the
// boundary to the operating system; tests substitute a fake.
type Spawner interface {
	Spawn(workdir string) (Terminal, error)
}

// ShellSpawner starts the user's shell in a new pty.
type ShellSpawner struct {
	// Shell is the program to run. Empty means $SHELL, then /bin/sh.
	Shell string

	// Args are passed to Shell.
	Args []string

	// Env is appended to the host environment.
	Env []string
}

// ResolveShell returns the shell the spawner will run.
func (s ShellSpawner) ResolveShell() string {
	if s.Shell != "" {
		return s.Shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// Spawn allocates a pty and starts the shell with workdir as its cwd.
func (s ShellSpawner) Spawn(workdir string) (Terminal, error) {
	if workdir != "" {
		info, err := os.Stat(workdir)
		if err != nil {
			return nil, fmt.Errorf("stat working directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("working directory %s is not a directory", workdir)
		}
	}

	cmd := exec.Command(s.ResolveShell(), s.Args...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, s.Env...)

	// pty.Start creates the master/slave pair, wires the child's stdio to
	// the slave and starts it. We keep the master.
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	t := &ptyTerminal{
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}
	go t.waitForExit()
	return t, nil
}

// ptyTerminal is the creack/pty backed Terminal.
type ptyTerminal struct {
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	exitErr error
}

// waitForExit reaps the child and signals Done.
func (t *ptyTerminal) waitForExit() {
	err := t.cmd.Wait()
	t.mu.Lock()
	t.exitErr = err
	t.mu.Unlock()
	close(t.done)
}

func (t *ptyTerminal) Read(p []byte) (int, error) {
	return t.ptmx.Read(p)
}

// Write forwards input to the child. Writes after exit or Close fail
// instead of silently filling the kernel buffer.
func (t *ptyTerminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return 0, ErrTerminalClosed
	}

	select {
	case <-t.done:
		return 0, ErrProcessExited
	default:
	}
	return t.ptmx.Write(p)
}

func (t *ptyTerminal) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid dimensions: cols=%d, rows=%d", cols, rows)
	}

	// Hold the lock through Setsize so Close cannot release the fd under us.
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTerminalClosed
	}

	size := &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	}
	if err := pty.Setsize(t.ptmx, size); err != nil {
		return fmt.Errorf("resize failed: %w", err)
	}
	return nil
}

func (t *ptyTerminal) Done() <-chan struct{} {
	return t.done
}

func (t *ptyTerminal) Pid() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

func (t *ptyTerminal) ExitError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitErr
}

// Close closes the master (unblocking any reader) and kills the child.
func (t *ptyTerminal) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	closeErr := t.ptmx.Close()
	t.mu.Unlock()

	select {
	case <-t.done:
		return closeErr
	default:
	}

	// SIGKILL cannot be caught; the shell and its foreground job die.
	if t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill process: %w", err)
		}
	}

	select {
	case <-t.done:
	case <-time.After(killWait):
		return fmt.Errorf("process %d did not exit after kill", t.Pid())
	}
	return closeErr
}
