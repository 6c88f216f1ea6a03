// Package gateway wires the HTTP attach API and the raw/chat WebSocket
// endpoints together: it authenticates requests, delegates session
// lifecycle to sessionmgr.Manager, and pumps bytes/events between a
// Session's viewer channels and the wire.
package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/rustamtm/termgw/internal/auditlog"
	"github.com/rustamtm/termgw/internal/gwauth"
	"github.com/rustamtm/termgw/internal/gwconfig"
	"github.com/rustamtm/termgw/internal/sessionmgr"

	"golang.org/x/time/rate"
)

// Server is the gateway's HTTP+WS surface.
type Server struct {
	cfg   *gwconfig.Config
	auth  gwauth.Authenticator
	mgr   *sessionmgr.Manager
	audit *auditlog.Sink
	mux   *http.ServeMux

	bwMu sync.Mutex
	bw   map[string]*rawLimiter // per-user outbound write-queue shaping
}

// rawLimiter wraps a token-bucket limiter so a burst larger than the
// bucket itself is chunked rather than rejected outright, mirroring how a
// sustained PTY write burst (e.g. `cat largefile`) should be smoothed
// rather than dropped.
type rawLimiter struct {
	lim   *rate.Limiter
	burst int
}

func newRawLimiter(bytesPerSec, burst int) *rawLimiter {
	return &rawLimiter{lim: rate.NewLimiter(rate.Limit(bytesPerSec), burst), burst: burst}
}

func (l *rawLimiter) wait(ctx context.Context, n int) error {
	if n <= l.burst {
		return l.lim.WaitN(ctx, n)
	}
	for n > 0 {
		chunk := n
		if chunk > l.burst {
			chunk = l.burst
		}
		if err := l.lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// New builds a Server and registers its routes.
func New(cfg *gwconfig.Config, auth gwauth.Authenticator, mgr *sessionmgr.Manager, audit *auditlog.Sink) *Server {
	s := &Server{
		cfg:   cfg,
		auth:  auth,
		mgr:   mgr,
		audit: audit,
		mux:   http.NewServeMux(),
		bw:    make(map[string]*rawLimiter),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/sessions/attach-or-create", s.handleAttachOrCreate)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreate)
	s.mux.HandleFunc("POST /api/sessions/{id}/attach", s.handleAttach)
	s.mux.HandleFunc("POST /api/sessions/{id}/attach-chat", s.handleAttachChat)
	s.mux.HandleFunc("POST /api/sessions/{id}/close", s.handleClose)
	s.mux.HandleFunc("GET /api/sessions", s.handleList)

	s.mux.HandleFunc("GET /ws/sessions/{id}", s.handleRawWS)
	s.mux.HandleFunc("GET /ws/chat/sessions/{id}", s.handleChatWS)

	return s
}

// Handler returns the root http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// limiterFor returns (creating if needed) the per-user outbound rate
// limiter used to shape writes into a WS connection's send queue, so a
// single slow viewer can't let unbounded memory pile up server-side.
func (s *Server) limiterFor(userID string) *rawLimiter {
	s.bwMu.Lock()
	defer s.bwMu.Unlock()
	lim, ok := s.bw[userID]
	if !ok {
		// 4 MiB/s sustained, 512 KiB burst — generous for a terminal's byte
		// rate, just enough to keep one runaway producer from queuing
		// unbounded memory against a stalled reader.
		lim = newRawLimiter(4<<20, 512<<10)
		s.bw[userID] = lim
	}
	return lim
}
