package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/rustamtm/termgw/internal/auditlog"
	"github.com/rustamtm/termgw/internal/gwerr"
	"github.com/rustamtm/termgw/internal/logger"
	"github.com/rustamtm/termgw/internal/session"
	"github.com/rustamtm/termgw/internal/sessionmgr"
)

// rawControlMsg is a client→server JSON control frame on the raw-view
// socket (resize, hello, ping). Anything else on the wire is raw terminal
// bytes the server writes directly to the PTY.
type rawControlMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// handleRawWS upgrades to a raw (xterm-compatible) view. Per SPEC_FULL.md
// §4.8, the raw socket's one-time attach token travels in the
// Sec-WebSocket-Protocol header rather than a query parameter (afterSeq,
// meaningful only for the chat view, is ignored here even if present).
// Text frames holding JSON with a "type" field are control messages (a
// "resize" resizes the PTY; others such as "hello" and "ping" are consumed
// without effect); every other frame is written verbatim to the PTY as
// keystrokes.
func (s *Server) handleRawWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	token := r.Header.Get("Sec-WebSocket-Protocol")
	if token == "" {
		http.Error(w, "missing attach token subprotocol", http.StatusUnauthorized)
		return
	}

	sess, binding, err := s.mgr.ResolveToken(token, id, sessionmgr.ViewRaw)
	if err != nil {
		http.Error(w, err.Error(), gwerr.KindAuth.HTTPStatus())
		return
	}

	// Echoing the token back as the chosen subprotocol is what makes
	// websocket.Accept complete the handshake — per RFC 6455 a server that
	// accepts a connection with a Sec-WebSocket-Protocol header must select
	// one of the offered values.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		Subprotocols:       []string{token},
	})
	if err != nil {
		logger.Log.Warn("gateway: raw ws accept failed", "session", id, "err", err)
		return
	}
	defer conn.CloseNow()

	if binding.Cols > 0 && binding.Rows > 0 {
		sess.Resize(binding.Cols, binding.Rows)
	}

	viewer := session.NewRawViewer(uuid.New().String())
	sess.AttachRaw(viewer)
	defer sess.DetachRaw(viewer.ID)

	s.audit.Log(auditlog.Event{Type: auditlog.KindSessionAttach, UserID: binding.UserID, SessionID: id, Detail: "raw ws connected"})
	defer s.audit.Log(auditlog.Event{Type: auditlog.KindSessionDetach, UserID: binding.UserID, SessionID: id, Detail: "raw ws disconnected"})

	ctx := r.Context()
	readerDone := make(chan struct{})
	go s.pumpRawInbound(ctx, conn, sess, binding.UserID, readerDone)

	lim := s.limiterFor(binding.UserID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-readerDone:
			return
		case <-viewer.Done:
			s.closeEvictedViewer(conn, viewer.Reason(), binding.UserID, id)
			return
		case frame := <-viewer.Out:
			if err := s.writeRawFrame(ctx, conn, lim, frame); err != nil {
				return
			}
		}
	}
}

// closeEvictedViewer maps a viewer's eviction reason onto the WS close
// code spec.md names (1013 for a slow-consumer backpressure drop, normal
// closure otherwise) and, for backpressure, logs the audit trail entry
// spec.md requires alongside it.
func (s *Server) closeEvictedViewer(conn *websocket.Conn, reason, userID, sessionID string) {
	if reason == session.EvictionReason {
		s.audit.Log(auditlog.Event{Type: auditlog.KindBackpressureDrop, UserID: userID, SessionID: sessionID, Detail: "viewer evicted: outbound queue full"})
		conn.Close(websocket.StatusCode(gwerr.KindBackpressure.WSCloseCode()), "backpressure: slow consumer")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "session closed")
}

func (s *Server) writeRawFrame(ctx context.Context, conn *websocket.Conn, lim *rawLimiter, frame session.RawFrame) error {
	if frame.Kind == session.RawFrameExit {
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		env, _ := json.Marshal(map[string]string{"type": "exit"})
		return conn.Write(wctx, websocket.MessageText, env)
	}
	if frame.Kind == session.RawFrameSnapshot {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		env, _ := json.Marshal(map[string]string{"type": "snapshot", "data": string(frame.Data)})
		return conn.Write(wctx, websocket.MessageText, env)
	}

	if err := lim.wait(ctx, len(frame.Data)); err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageBinary, frame.Data)
}

func (s *Server) pumpRawInbound(ctx context.Context, conn *websocket.Conn, sess *session.Session, userID string, done chan struct{}) {
	defer close(done)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageText {
			var ctrl rawControlMsg
			if json.Unmarshal(data, &ctrl) == nil && ctrl.Type != "" {
				if ctrl.Type == "resize" {
					sess.Resize(ctrl.Cols, ctrl.Rows)
				}
				continue
			}
		}
		if werr := sess.Write(data); werr != nil {
			var gerr *gwerr.Error
			if asGWErr(werr, &gerr) && gerr.Kind == gwerr.KindBackpressure {
				s.audit.Log(auditlog.Event{Type: auditlog.KindBackpressureDrop, UserID: userID, SessionID: sess.ID(), Detail: "inbound write queue full"})
				conn.Close(websocket.StatusCode(gwerr.KindBackpressure.WSCloseCode()), "backpressure: inbound queue full")
				return
			}
		}
	}
}
