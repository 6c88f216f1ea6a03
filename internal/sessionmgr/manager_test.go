package sessionmgr

import (
	"errors"
	"testing"
	"time"

	"github.com/rustamtm/termgw/internal/gwerr"
	"github.com/rustamtm/termgw/internal/ptyproc"
	"github.com/rustamtm/termgw/internal/session"
)

func testPolicy() Policy {
	p := DefaultPolicy()
	p.SessionConfig = session.DefaultConfig()
	p.SessionConfig.DetachGrace = 50 * time.Millisecond
	p.SessionConfig.IdleTimeout = 2 * time.Second
	return p
}

func TestCreateEnforcesMaxSessionsPerUser(t *testing.T) {
	p := testPolicy()
	p.MaxSessionsPerUser = 1
	m := New(p)

	s1, _, err := m.Create("u1", CreateRequest{Mode: ptyproc.ModeShell, Shell: "/bin/sh", Cols: 80, Rows: 24})
	if err != nil {
		t.Skipf("no shell available: %v", err)
	}
	defer s1.Close("test")

	_, _, err = m.Create("u1", CreateRequest{Mode: ptyproc.ModeShell, Shell: "/bin/sh", Cols: 80, Rows: 24})
	var gerr *gwerr.Error
	if !errors.As(err, &gerr) || gerr.Kind != gwerr.KindCapExceeded {
		t.Fatalf("expected CapExceeded, got %v", err)
	}
}

func TestAttachOrCreateReusesSessionByResumeKey(t *testing.T) {
	p := testPolicy()
	m := New(p)

	s1, _, err := m.AttachOrCreate("u1", CreateRequest{Mode: ptyproc.ModeShell, Shell: "/bin/sh", ResumeKey: "k", Cols: 80, Rows: 24})
	if err != nil {
		t.Skipf("no shell available: %v", err)
	}
	defer s1.Close("test")

	s2, _, err := m.AttachOrCreate("u1", CreateRequest{Mode: ptyproc.ModeShell, Shell: "/bin/sh", ResumeKey: "k", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("second attach-or-create: %v", err)
	}
	if s2.ID() != s1.ID() {
		t.Fatalf("expected same session id, got %s vs %s", s2.ID(), s1.ID())
	}
}

func TestOwnershipEnforced(t *testing.T) {
	p := testPolicy()
	m := New(p)

	s1, _, err := m.Create("u1", CreateRequest{Mode: ptyproc.ModeShell, Shell: "/bin/sh", Cols: 80, Rows: 24})
	if err != nil {
		t.Skipf("no shell available: %v", err)
	}
	defer s1.Close("test")

	_, _, err = m.Attach("u2", s1.ID(), 80, 24)
	var gerr *gwerr.Error
	if !errors.As(err, &gerr) || gerr.Kind != gwerr.KindAuth {
		t.Fatalf("expected AuthError for cross-user attach, got %v", err)
	}
}

func TestTmuxSessionNameScopedByUserByDefault(t *testing.T) {
	p := DefaultPolicy()
	p.TmuxPrefix = "gw"

	a := p.tmuxSessionName("u1", "demo")
	b := p.tmuxSessionName("u2", "demo")
	if a == b {
		t.Fatalf("expected per-user tmux names to differ, both got %q", a)
	}
	if a != "gw-u1-demo" {
		t.Fatalf("expected gw-u1-demo, got %q", a)
	}
}

func TestTmuxSessionNameGlobalScopeShared(t *testing.T) {
	p := DefaultPolicy()
	p.TmuxPrefix = "gw"
	p.TmuxScope = "global"

	a := p.tmuxSessionName("u1", "demo")
	b := p.tmuxSessionName("u2", "demo")
	if a != b {
		t.Fatalf("expected shared tmux name under global scope, got %q vs %q", a, b)
	}
	if a != "gw-demo" {
		t.Fatalf("expected gw-demo, got %q", a)
	}
}

func TestResolveTokenRejectsWrongView(t *testing.T) {
	p := testPolicy()
	m := New(p)

	s1, token, err := m.Create("u1", CreateRequest{Mode: ptyproc.ModeShell, Shell: "/bin/sh", Cols: 80, Rows: 24})
	if err != nil {
		t.Skipf("no shell available: %v", err)
	}
	defer s1.Close("test")

	_, _, err = m.ResolveToken(token, s1.ID(), ViewChat)
	if err == nil {
		t.Fatal("expected error resolving a raw token as a chat view")
	}
}
