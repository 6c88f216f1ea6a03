// Package ptyproc owns a single OS pseudo-terminal and the child process
// attached to it, resolving the session mode (shell, node, readonly_tail,
// tmux) into the concrete command to spawn.
package ptyproc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Mode selects what command a Session's PTY runs.
type Mode string

const (
	ModeShell        Mode = "shell"
	ModeNode         Mode = "node"
	ModeReadonlyTail Mode = "readonly_tail"
	ModeTmux         Mode = "tmux"
)

var tmuxNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ErrModeDisabled is returned when a mode is requested that the gateway's
// configuration has not enabled.
var ErrModeDisabled = errors.New("ptyproc: mode disabled")

// ErrBadRequest is returned for malformed spawn parameters (bad cwd, invalid
// tmux session name, missing tail path, etc).
var ErrBadRequest = errors.New("ptyproc: bad request")

// Spec describes what to spawn.
type Spec struct {
	Mode      Mode
	Shell     string // used by ModeShell, default /bin/sh
	CWD       string
	TailPath  string // required for ModeReadonlyTail, must be absolute
	TmuxName  string // required for ModeTmux; already namespaced by prefix/scope
	TmuxMouse bool   // whether to enable tmux mouse mode for ModeTmux
	Cols      int
	Rows      int
	Env       []string

	// Enabled reports whether a mode is permitted by configuration. Nil means
	// all modes are enabled.
	Enabled func(Mode) bool
}

// Process owns a spawned PTY and its child.
type Process struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	ptmx   *os.File
	pid    int
	cols   int
	rows   int
	exited bool
	exitCh chan struct{}
	status ExitStatus
}

// ExitStatus captures how the child terminated.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Spawn resolves spec.Mode into a command and starts it attached to a new
// PTY sized cols x rows.
func Spawn(spec Spec) (*Process, error) {
	if spec.Enabled != nil && !spec.Enabled(spec.Mode) {
		return nil, fmt.Errorf("%w: %s", ErrModeDisabled, spec.Mode)
	}

	cmd, err := buildCommand(spec)
	if err != nil {
		return nil, err
	}
	cmd.Env = spec.Env
	if spec.CWD != "" {
		cmd.Dir = spec.CWD
	}

	cols, rows := spec.Cols, spec.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("ptyproc: spawn: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		ptmx:   ptmx,
		pid:    cmd.Process.Pid,
		cols:   cols,
		rows:   rows,
		exitCh: make(chan struct{}),
	}

	go p.wait()

	return p, nil
}

func buildCommand(spec Spec) (*exec.Cmd, error) {
	switch spec.Mode {
	case ModeShell:
		shell := spec.Shell
		if shell == "" {
			shell = "/bin/sh"
		}
		return exec.Command(shell, "-l"), nil

	case ModeNode:
		return exec.Command("node"), nil

	case ModeReadonlyTail:
		if spec.TailPath == "" || spec.TailPath[0] != '/' {
			return nil, fmt.Errorf("%w: readonly_tail requires an absolute path", ErrBadRequest)
		}
		return exec.Command("tail", "-n", "200", "-f", "--", spec.TailPath), nil

	case ModeTmux:
		if !tmuxNameRe.MatchString(spec.TmuxName) {
			return nil, fmt.Errorf("%w: invalid tmux session name %q", ErrBadRequest, spec.TmuxName)
		}
		cwd := spec.CWD
		if cwd == "" {
			cwd = "."
		}
		mouse := "off"
		if spec.TmuxMouse {
			mouse = "on"
		}
		// tmux's mouse mode is a global client setting, not per-session, so it's
		// applied right before attaching rather than passed as a new-session flag.
		script := fmt.Sprintf("tmux set-option -g mouse %s; exec tmux new-session -A -s %s -c %s",
			mouse, shellQuote(spec.TmuxName), shellQuote(cwd))
		return exec.Command("/bin/sh", "-c", script), nil

	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrBadRequest, spec.Mode)
	}
}

// shellQuote wraps s in single quotes for safe use inside a /bin/sh -c
// script, escaping any embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// wait blocks until the child exits and records its status.
func (p *Process) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	if err == nil {
		p.status = ExitStatus{Code: 0}
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		p.status = ExitStatus{Code: exitErr.ExitCode()}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			p.status.Signal = ws.Signal().String()
		}
	} else {
		p.status = ExitStatus{Code: -1, Err: err}
	}
	p.mu.Unlock()

	close(p.exitCh)
}

// Read reads available bytes from the PTY master. It returns an error once
// the child has exited and all buffered output is drained (on Linux an
// *os.PathError wrapping EIO, not io.EOF).
func (p *Process) Read(buf []byte) (int, error) {
	return p.ptmx.Read(buf)
}

// Write sends bytes to the PTY master (keystrokes / pasted input).
func (p *Process) Write(data []byte) (int, error) {
	return p.ptmx.Write(data)
}

// Resize changes the PTY window size. No-op if unchanged.
func (p *Process) Resize(cols, rows int) error {
	p.mu.Lock()
	if p.cols == cols && p.rows == rows {
		p.mu.Unlock()
		return nil
	}
	p.cols, p.rows = cols, rows
	p.mu.Unlock()

	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Kill sends a graceful termination signal, escalating to SIGKILL if the
// child hasn't exited within the grace period.
func (p *Process) Kill(grace time.Duration) {
	p.mu.Lock()
	exited := p.exited
	proc := p.cmd.Process
	p.mu.Unlock()
	if exited || proc == nil {
		return
	}

	proc.Signal(os.Interrupt)

	select {
	case <-p.exitCh:
		return
	case <-time.After(grace):
		proc.Kill()
	}
}

// Close releases the PTY master FD. Safe to call after the child has exited.
func (p *Process) Close() error {
	return p.ptmx.Close()
}

// Done returns a channel closed when the child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.exitCh
}

// Status returns the exit status; only valid after Done() is closed.
func (p *Process) Status() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// PID returns the child's process ID.
func (p *Process) PID() int {
	return p.pid
}
