// Package session implements the gateway's central component: a Session
// binds one PtyProcess to a ScrollbackBuffer and a StreamShaper, and fans
// out both the raw byte stream and the shaped chat events to any number of
// concurrently attached viewers.
package session

import (
	"sync"
	"time"

	"github.com/rustamtm/termgw/internal/chatevent"
	"github.com/rustamtm/termgw/internal/gwerr"
	"github.com/rustamtm/termgw/internal/ptyproc"
	"github.com/rustamtm/termgw/internal/ringbuf"
	"github.com/rustamtm/termgw/internal/scrollback"
	"github.com/rustamtm/termgw/internal/shaper"
)

// inboundQueueDepth bounds how many pending keystroke writes a Session will
// hold for the PTY before surfacing a BackpressureError to the caller
// instead of blocking on (or silently dropping) the write.
const inboundQueueDepth = 256

// Config tunes a Session's resource policy and is fixed at creation time;
// an operator changing tunables affects only sessions created afterward,
// keeping a live Session's behavior immutable for its lifetime.
type Config struct {
	DetachGrace     time.Duration
	IdleTimeout     time.Duration
	ScrollbackCap   int
	RingCap         int
	Shaper          shaper.Config
	ProcKillGrace   time.Duration
}

// DefaultConfig matches the gateway's documented defaults.
func DefaultConfig() Config {
	return Config{
		DetachGrace:   5 * time.Minute,
		IdleTimeout:   60 * time.Minute,
		ScrollbackCap: scrollback.DefaultCap,
		RingCap:       1000,
		Shaper:        shaper.DefaultConfig(),
		ProcKillGrace: 3 * time.Second,
	}
}

// Info is a read-only snapshot of a Session's identity, used for listings.
type Info struct {
	ID             string
	UserID         string
	Mode           ptyproc.Mode
	ResumeKey      string
	CWD            string
	TmuxName       string
	Cols, Rows     int
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Session is the unit of sharing: one PTY, one scrollback, one shaper,
// any number of raw and chat viewers.
type Session struct {
	id        string
	userID    string
	mode      ptyproc.Mode
	resumeKey string
	cwd       string
	tmuxName  string
	createdAt time.Time
	cfg       Config

	proc       *ptyproc.Process
	scrollback *scrollback.Buffer
	ring       *ringbuf.Buffer
	shaper     *shaper.Shaper

	mu             sync.Mutex
	cols, rows     int
	rawViewers     map[string]*RawViewer
	chatViewers    map[string]*ChatViewer
	seq            int64
	lastActivityAt time.Time
	closed         bool
	detachTimer    *time.Timer
	idleTimer      *time.Timer

	writeCh   chan []byte
	stopWrite chan struct{}

	// onTerminal fires exactly once, when the Session transitions to closed
	// for any reason (PTY exit, detach-grace expiry, idle timeout, explicit
	// close). The owning SessionManager uses it to remove the Session from
	// its registries.
	onTerminal func(reason string)
}

// New spawns a PtyProcess per spec and returns a running Session.
func New(id, userID string, spec ptyproc.Spec, resumeKey, tmuxName string, cfg Config, onTerminal func(reason string)) (*Session, error) {
	proc, err := ptyproc.Spawn(spec)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:             id,
		userID:         userID,
		mode:           spec.Mode,
		resumeKey:      resumeKey,
		cwd:            spec.CWD,
		tmuxName:       tmuxName,
		createdAt:      time.Now(),
		cfg:            cfg,
		proc:           proc,
		scrollback:     scrollback.New(cfg.ScrollbackCap),
		ring:           ringbuf.New(cfg.RingCap),
		rawViewers:     make(map[string]*RawViewer),
		chatViewers:    make(map[string]*ChatViewer),
		cols:           spec.Cols,
		rows:           spec.Rows,
		lastActivityAt: time.Now(),
		writeCh:        make(chan []byte, inboundQueueDepth),
		stopWrite:      make(chan struct{}),
		onTerminal:     onTerminal,
	}
	s.shaper = shaper.New(cfg.Shaper, s.emit)

	go s.readLoop()
	go s.waitExit()
	go s.writeLoop()

	s.armIdleTimerLocked()

	return s, nil
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Info returns a read-only snapshot for listings.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:             s.id,
		UserID:         s.userID,
		Mode:           s.mode,
		ResumeKey:      s.resumeKey,
		CWD:            s.cwd,
		TmuxName:       s.tmuxName,
		Cols:           s.cols,
		Rows:           s.rows,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
	}
}

// OwnerUserID returns the id of the user who created this session.
func (s *Session) OwnerUserID() string { return s.userID }

// ResumeKey returns the client-chosen key used to find this session again.
func (s *Session) ResumeKey() string { return s.resumeKey }

// Write queues bytes for the PTY (user keystrokes / pasted input) on a
// bounded per-session queue. It never blocks: if the queue is full, it
// returns a Backpressure error instead of stalling the caller on a slow
// or wedged child process.
func (s *Session) Write(data []byte) error {
	s.touchActivity()
	buf := append([]byte(nil), data...)
	select {
	case s.writeCh <- buf:
		return nil
	default:
		return gwerr.New(gwerr.KindBackpressure, "inbound write queue full")
	}
}

// writeLoop drains writeCh into the PTY one write at a time, so a slow
// child process backs up the bounded queue (and eventually Write's
// backpressure error) rather than blocking every caller directly on the
// kernel write.
func (s *Session) writeLoop() {
	for {
		select {
		case data := <-s.writeCh:
			s.proc.Write(data)
		case <-s.stopWrite:
			return
		}
	}
}

// Resize changes the PTY window size.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return s.proc.Resize(cols, rows)
}

// SendUserInput synthesizes a user_input chat event for display purposes;
// it does not itself write to the PTY (callers send raw keystrokes via
// Write separately).
func (s *Session) SendUserInput(text, messageID string) {
	s.emit(chatevent.TypeUserInput, chatevent.UserInputPayload{Text: text, MessageID: messageID})
}

// AttachRaw registers a raw viewer and enqueues its snapshot frame inside
// the same critical section that handlePtyOutput uses to fan out live
// bytes. Registration and the snapshot send must not be split across two
// lock acquisitions: otherwise a live write could land on the viewer's
// queue in the gap between "now in rawViewers" and "snapshot enqueued",
// delivering that byte both in the snapshot and again live. enqueue is a
// non-blocking channel send, so holding mu across it costs nothing.
func (s *Session) AttachRaw(v *RawViewer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.scrollback.Snapshot()
	s.rawViewers[v.ID] = v
	s.cancelDetachTimerLocked()
	v.enqueue(RawFrame{Kind: RawFrameSnapshot, Data: snapshot})
}

// DetachRaw removes a raw viewer. If this drops both viewer sets to zero,
// the detach-grace timer is armed.
func (s *Session) DetachRaw(id string) {
	s.mu.Lock()
	delete(s.rawViewers, id)
	s.armDetachTimerIfIdleLocked()
	s.mu.Unlock()
}

// AttachChat registers a chat viewer and enqueues hello, then the
// rangeAfter replay, then snapshot_ready, all inside the same critical
// section emit uses to fan out live events — see AttachRaw's doc comment
// for why registration and the initial send must share one lock
// acquisition rather than two.
func (s *Session) AttachChat(v *ChatViewer, afterSeq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	replay := s.ring.RangeAfter(afterSeq)
	oldest, newest, ok := s.ring.Bounds()
	s.chatViewers[v.ID] = v
	s.cancelDetachTimerLocked()

	v.enqueue(chatevent.Event{Type: chatevent.TypeHello, Ts: time.Now(), SessionID: s.id,
		Payload: chatevent.HelloPayload{Version: "1", Capabilities: []string{"chat"}}})

	for _, e := range replay {
		v.enqueue(e.Data.(chatevent.Event))
	}

	ready := chatevent.SnapshotReadyPayload{ReplayEventCount: len(replay)}
	if ok {
		ready.OldestSeq, ready.NewestSeq = oldest, newest
	}
	v.enqueue(chatevent.Event{Type: chatevent.TypeSnapshotReady, Ts: time.Now(), SessionID: s.id, Payload: ready})
}

// DetachChat removes a chat viewer.
func (s *Session) DetachChat(id string) {
	s.mu.Lock()
	delete(s.chatViewers, id)
	s.armDetachTimerIfIdleLocked()
	s.mu.Unlock()
}

// Close terminates the session: kills the PTY, drops all viewers, and
// fires onTerminal exactly once.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimersLocked()
	for _, v := range s.rawViewers {
		v.closeWithReason(reason)
	}
	for _, v := range s.chatViewers {
		v.closeWithReason(reason)
	}
	s.rawViewers = map[string]*RawViewer{}
	s.chatViewers = map[string]*ChatViewer{}
	close(s.stopWrite)
	s.mu.Unlock()

	s.proc.Kill(s.cfg.ProcKillGrace)
	s.proc.Close()

	if s.onTerminal != nil {
		s.onTerminal(reason)
	}
}

func (s *Session) touchActivity() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.resetIdleTimerLocked()
	s.mu.Unlock()
}

// readLoop is the Session's single PTY reader: it writes every chunk into
// the scrollback buffer (fanning out to raw viewers atomically) and feeds
// the same bytes to the shaper (stdout channel — PTYs don't separate
// stdout/stderr once behind a terminal).
func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			s.handlePtyOutput(data)
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handlePtyOutput(data []byte) {
	s.mu.Lock()
	s.scrollback.Write(data)
	s.lastActivityAt = time.Now()
	s.resetIdleTimerLocked()
	for id, v := range s.rawViewers {
		if !v.enqueue(RawFrame{Kind: RawFrameData, Data: data}) {
			v.closeWithReason(EvictionReason)
			delete(s.rawViewers, id)
			s.armDetachTimerIfIdleLocked()
		}
	}
	s.mu.Unlock()

	s.shaper.Write(chatevent.ChannelStdout, data)
}

func (s *Session) waitExit() {
	<-s.proc.Done()
	status := s.proc.Status()
	s.shaper.Exit(status.Code, status.Signal)

	s.mu.Lock()
	for id, v := range s.rawViewers {
		v.enqueue(RawFrame{Kind: RawFrameExit})
		v.closeWithReason("pty_exit")
		delete(s.rawViewers, id)
	}
	s.mu.Unlock()

	s.Close("pty_exit")
}

// emit is the shaper's EmitFunc: it stamps Seq/Ts, appends non-meta events
// to the ring, and fans out to chat viewers, all under the same lock used
// by AttachChat so a newly attached viewer never sees an event twice or
// misses one (see AttachChat's doc comment).
func (s *Session) emit(typ chatevent.Type, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq int64
	if !isMeta(typ) {
		s.seq++
		seq = s.seq
	}
	ev := chatevent.Event{Type: typ, Ts: time.Now(), SessionID: s.id, Seq: seq, Payload: payload}

	if seq != 0 {
		s.ring.Append(seq, ev)
	}
	for id, v := range s.chatViewers {
		if !v.enqueue(ev) {
			v.closeWithReason(EvictionReason)
			delete(s.chatViewers, id)
			s.armDetachTimerIfIdleLocked()
		}
	}
	s.lastActivityAt = time.Now()
	s.resetIdleTimerLocked()
}

func isMeta(typ chatevent.Type) bool {
	return typ == chatevent.TypeHello || typ == chatevent.TypeSnapshotReady
}

// armDetachTimerIfIdleLocked starts the detach-grace timer when both
// viewer sets are empty. Must be called with mu held.
func (s *Session) armDetachTimerIfIdleLocked() {
	if len(s.rawViewers) > 0 || len(s.chatViewers) > 0 {
		return
	}
	if s.detachTimer != nil {
		return
	}
	s.detachTimer = time.AfterFunc(s.cfg.DetachGrace, func() {
		s.mu.Lock()
		stillIdle := len(s.rawViewers) == 0 && len(s.chatViewers) == 0
		s.detachTimer = nil
		s.mu.Unlock()
		if stillIdle {
			s.Close("detach_grace_expired")
		}
	})
}

// cancelDetachTimerLocked cancels a pending detach-grace timer. Must be
// called with mu held.
func (s *Session) cancelDetachTimerLocked() {
	if s.detachTimer != nil {
		s.detachTimer.Stop()
		s.detachTimer = nil
	}
}

func (s *Session) armIdleTimerLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetIdleTimerLocked()
}

// resetIdleTimerLocked re-arms the idle-timeout timer on any activity.
// Must be called with mu held.
func (s *Session) resetIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, func() {
		s.mu.Lock()
		idle := len(s.rawViewers) == 0 && len(s.chatViewers) == 0
		s.mu.Unlock()
		// An actively viewed session never idle-times-out, even if it's
		// been quiet: idleTimeout only closes a session nobody is watching.
		if idle {
			s.Close("idle_timeout")
		}
	})
}

func (s *Session) stopTimersLocked() {
	if s.detachTimer != nil {
		s.detachTimer.Stop()
		s.detachTimer = nil
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}
