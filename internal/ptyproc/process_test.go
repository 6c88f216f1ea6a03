package ptyproc

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBuildCommandReadonlyTailRequiresAbsolutePath(t *testing.T) {
	_, err := buildCommand(Spec{Mode: ModeReadonlyTail, TailPath: "relative/path"})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestBuildCommandTmuxRejectsBadName(t *testing.T) {
	_, err := buildCommand(Spec{Mode: ModeTmux, TmuxName: "not a valid name!"})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestBuildCommandTmuxAcceptsValidName(t *testing.T) {
	cmd, err := buildCommand(Spec{Mode: ModeTmux, TmuxName: "demo-1.2_3", CWD: "/tmp"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// tmux is wrapped in a shell script so mouse mode can be set before
	// attaching; the script itself execs tmux, so it still shows up in Args.
	if cmd.Args[0] != "/bin/sh" {
		t.Fatalf("expected a shell wrapper command, got %v", cmd.Args)
	}
	script := cmd.Args[len(cmd.Args)-1]
	if !strings.Contains(script, "tmux new-session -A -s 'demo-1.2_3' -c '/tmp'") {
		t.Fatalf("expected script to exec tmux with the requested name/cwd, got %q", script)
	}
}

func TestBuildCommandTmuxMouseModeToggled(t *testing.T) {
	on, err := buildCommand(Spec{Mode: ModeTmux, TmuxName: "demo", CWD: "/tmp", TmuxMouse: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(on.Args[len(on.Args)-1], "mouse on") {
		t.Fatalf("expected mouse on in script, got %q", on.Args[len(on.Args)-1])
	}

	off, err := buildCommand(Spec{Mode: ModeTmux, TmuxName: "demo", CWD: "/tmp"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(off.Args[len(off.Args)-1], "mouse off") {
		t.Fatalf("expected mouse off in script, got %q", off.Args[len(off.Args)-1])
	}
}

func TestSpawnRespectsEnabledGate(t *testing.T) {
	_, err := Spawn(Spec{
		Mode:    ModeShell,
		Enabled: func(Mode) bool { return false },
	})
	if !errors.Is(err, ErrModeDisabled) {
		t.Fatalf("expected ErrModeDisabled, got %v", err)
	}
}

func TestSpawnShellAndExit(t *testing.T) {
	p, err := Spawn(Spec{Mode: ModeShell, Shell: "/bin/sh", Cols: 80, Rows: 24})
	if err != nil {
		t.Skipf("no shell available in this environment: %v", err)
	}
	defer p.Close()

	if _, err := p.Write([]byte("exit\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit in time")
	}

	if p.Status().Code != 0 {
		t.Fatalf("expected clean exit, got %+v", p.Status())
	}
}

func TestResizeNoopWhenUnchanged(t *testing.T) {
	p, err := Spawn(Spec{Mode: ModeShell, Shell: "/bin/sh", Cols: 80, Rows: 24})
	if err != nil {
		t.Skipf("no shell available in this environment: %v", err)
	}
	defer func() {
		p.Kill(100 * time.Millisecond)
		p.Close()
	}()

	if err := p.Resize(80, 24); err != nil {
		t.Fatalf("resize to same size should be a no-op, got error: %v", err)
	}
}
