// Package sessionmgr implements the SessionManager and AttachTokenRegistry
// components: creation, lookup, caps, resume-key reuse, and ownership
// enforcement layered on top of the session package's per-session runtime.
package sessionmgr

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rustamtm/termgw/internal/gwerr"
	"github.com/rustamtm/termgw/internal/ptyproc"
	"github.com/rustamtm/termgw/internal/session"
)

// Policy carries the operator-configurable caps enforced by the manager.
type Policy struct {
	MaxSessionsPerUser int
	SessionConfig      session.Config
	// SessionConfigFunc, when set, is consulted at Create time instead of
	// SessionConfig, so a hot-reloaded tunable (see gwconfig.Watcher) only
	// affects sessions created after the reload — a live Session's config
	// stays fixed for its lifetime either way.
	SessionConfigFunc func() session.Config
	// MaxSessionsPerUserFunc, when set, is consulted on every Create instead
	// of MaxSessionsPerUser, so the cap tracks a hot-reloaded tunable.
	MaxSessionsPerUserFunc func() int
	ModeEnabled            func(ptyproc.Mode) bool

	// TmuxPrefix namespaces every tmux session name this gateway creates, so
	// it never collides with a tmux session the host's own user started by
	// hand. TmuxScope is "user" (prefix+userID+name, the default — tmux
	// sharing is scoped to one account) or "global" (prefix+name, so any two
	// users naming the same tmuxName land in the same tmux session).
	TmuxPrefix string
	TmuxScope  string
	TmuxMouse  bool
}

// tmuxSessionName composes the actual tmux session name from the client's
// requested name per the policy's prefix/scope.
func (p Policy) tmuxSessionName(userID, requested string) string {
	prefix := p.TmuxPrefix
	if prefix == "" {
		prefix = "gw"
	}
	if p.TmuxScope == "global" {
		return prefix + "-" + requested
	}
	return prefix + "-" + userID + "-" + requested
}

func (p Policy) sessionConfig() session.Config {
	if p.SessionConfigFunc != nil {
		return p.SessionConfigFunc()
	}
	return p.SessionConfig
}

func (p Policy) maxSessionsPerUser() int {
	if p.MaxSessionsPerUserFunc != nil {
		return p.MaxSessionsPerUserFunc()
	}
	return p.MaxSessionsPerUser
}

// DefaultPolicy matches the gateway's documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxSessionsPerUser: 12,
		SessionConfig:      session.DefaultConfig(),
	}
}

// CreateRequest is the body of attach-or-create / create.
type CreateRequest struct {
	Mode      ptyproc.Mode
	ResumeKey string
	CWD       string
	TailPath  string
	TmuxName  string
	Shell     string
	Env       []string
	Cols, Rows int
}

// AttachResult pairs a session id with its tmux name. The Manager's
// attach operations do not return it; they return the Session and the
// attach token directly.
type AttachResult struct {
	SessionID string
	TmuxName  string
}

type resumeKey struct {
	userID string
	key    string
}

// Manager is the SessionManager: it owns the registry of live Sessions,
// the AttachTokenRegistry, and enforces per-user caps.
type Manager struct {
	policy Policy
	tokens *AttachTokenRegistry

	mu       sync.Mutex
	sessions map[string]*session.Session
	byResume map[resumeKey]string
	byUser   map[string]int
}

// New creates a Manager.
func New(policy Policy) *Manager {
	return &Manager{
		policy:   policy,
		tokens:   NewAttachTokenRegistry(),
		sessions: make(map[string]*session.Session),
		byResume: make(map[resumeKey]string),
		byUser:   make(map[string]int),
	}
}

// Tokens exposes the AttachTokenRegistry for the gateway's WS upgrade path.
func (m *Manager) Tokens() *AttachTokenRegistry { return m.tokens }

// AttachOrCreate reuses a session matching (userID, req.ResumeKey) if one
// exists and issues a new raw attach token for it; otherwise it enforces
// the per-user cap and spawns a new one. Reuse does not touch a pending
// detach-grace timer: that timer is cancelled only when a viewer actually
// attaches to the Session.
func (m *Manager) AttachOrCreate(userID string, req CreateRequest) (*session.Session, string, error) {
	if req.ResumeKey != "" {
		m.mu.Lock()
		if sid, ok := m.byResume[resumeKey{userID, req.ResumeKey}]; ok {
			s := m.sessions[sid]
			m.mu.Unlock()
			if s != nil {
				token, err := m.issueRaw(s, req.Cols, req.Rows)
				return s, token, err
			}
		} else {
			m.mu.Unlock()
		}
	}
	return m.Create(userID, req)
}

// Create always spawns a new session, enforcing the per-user cap.
func (m *Manager) Create(userID string, req CreateRequest) (*session.Session, string, error) {
	maxPerUser := m.policy.maxSessionsPerUser()
	m.mu.Lock()
	if maxPerUser > 0 && m.byUser[userID] >= maxPerUser {
		m.mu.Unlock()
		return nil, "", gwerr.New(gwerr.KindCapExceeded, "max sessions per user exceeded")
	}
	m.mu.Unlock()

	id := uuid.New().String()
	tmuxName := req.TmuxName
	if req.Mode == ptyproc.ModeTmux {
		tmuxName = m.policy.tmuxSessionName(userID, req.TmuxName)
	}
	spec := ptyproc.Spec{
		Mode:      req.Mode,
		Shell:     req.Shell,
		CWD:       req.CWD,
		TailPath:  req.TailPath,
		TmuxName:  tmuxName,
		TmuxMouse: m.policy.TmuxMouse,
		Cols:      req.Cols,
		Rows:      req.Rows,
		Env:       req.Env,
		Enabled:   m.policy.ModeEnabled,
	}

	s, err := session.New(id, userID, spec, req.ResumeKey, req.TmuxName, m.policy.sessionConfig(), func(reason string) {
		m.remove(id)
	})
	if err != nil {
		return nil, "", err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.byUser[userID]++
	if req.ResumeKey != "" {
		m.byResume[resumeKey{userID, req.ResumeKey}] = id
	}
	m.mu.Unlock()

	token, err := m.issueRaw(s, req.Cols, req.Rows)
	return s, token, err
}

// Attach looks up an existing session owned by userID and issues a raw
// attach token for it.
func (m *Manager) Attach(userID, sessionID string, cols, rows int) (*session.Session, string, error) {
	s, err := m.lookupOwned(userID, sessionID)
	if err != nil {
		return nil, "", err
	}
	token, err := m.issueRaw(s, cols, rows)
	return s, token, err
}

// AttachChat looks up an existing session owned by userID and issues a
// chat attach token for it.
func (m *Manager) AttachChat(userID, sessionID string, cols, rows int) (*session.Session, string, error) {
	s, err := m.lookupOwned(userID, sessionID)
	if err != nil {
		return nil, "", err
	}
	token, err := m.tokens.Issue(Binding{SessionID: sessionID, UserID: userID, View: ViewChat, Cols: cols, Rows: rows})
	if err != nil {
		return nil, "", err
	}
	return s, token, nil
}

// List returns info for every session owned by userID.
func (m *Manager) List(userID string) []session.Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]session.Info, 0)
	for _, s := range m.sessions {
		if s.OwnerUserID() == userID {
			out = append(out, s.Info())
		}
	}
	return out
}

// CloseSession terminates a session owned by userID.
func (m *Manager) CloseSession(userID, sessionID string) error {
	s, err := m.lookupOwned(userID, sessionID)
	if err != nil {
		return err
	}
	s.Close("requested")
	return nil
}

// ResolveToken consumes an attach token and returns the bound Session,
// verifying the token's sessionID matches the one being attached to.
func (m *Manager) ResolveToken(token, sessionID string, want ViewKind) (*session.Session, Binding, error) {
	b, err := m.tokens.Consume(token)
	if err != nil {
		return nil, Binding{}, err
	}
	if b.SessionID != sessionID || b.View != want {
		return nil, Binding{}, gwerr.New(gwerr.KindAuth, "attach token does not match session/view")
	}

	m.mu.Lock()
	s, ok := m.sessions[b.SessionID]
	m.mu.Unlock()
	if !ok {
		return nil, Binding{}, gwerr.New(gwerr.KindNotFound, "session no longer exists")
	}
	return s, b, nil
}

func (m *Manager) issueRaw(s *session.Session, cols, rows int) (string, error) {
	return m.tokens.Issue(Binding{SessionID: s.ID(), UserID: s.OwnerUserID(), View: ViewRaw, Cols: cols, Rows: rows})
}

func (m *Manager) lookupOwned(userID, sessionID string) (*session.Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, gwerr.New(gwerr.KindNotFound, "unknown session")
	}
	if s.OwnerUserID() != userID {
		return nil, gwerr.New(gwerr.KindAuth, "session not owned by caller")
	}
	return s, nil
}

// remove deletes a terminated session from all indices. Called from a
// Session's onTerminal callback.
func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	if m.byUser[s.OwnerUserID()] > 0 {
		m.byUser[s.OwnerUserID()]--
	}
	for k, sid := range m.byResume {
		if sid == id {
			delete(m.byResume, k)
		}
	}
}
