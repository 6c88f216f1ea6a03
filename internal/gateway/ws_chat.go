package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/rustamtm/termgw/internal/auditlog"
	"github.com/rustamtm/termgw/internal/chatevent"
	"github.com/rustamtm/termgw/internal/gwerr"
	"github.com/rustamtm/termgw/internal/logger"
	"github.com/rustamtm/termgw/internal/session"
	"github.com/rustamtm/termgw/internal/sessionmgr"
)

// chatInboundMsg is a client→server frame on the chat socket: shaped
// keystroke echoes the client wants recorded as a user_input event, plus
// the raw bytes to actually forward to the PTY.
type chatInboundMsg struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	MessageID string `json:"messageId,omitempty"`
	Enter     *bool  `json:"enter,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// handleChatWS upgrades to the shaped chat view. afterSeq lets a
// reconnecting client resume a replay from its last seen sequence number;
// omitted or zero replays everything currently retained.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	token := r.URL.Query().Get("attachToken")
	if token == "" {
		http.Error(w, "missing attachToken", http.StatusUnauthorized)
		return
	}
	afterSeq := int64(0)
	if raw := r.URL.Query().Get("afterSeq"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			afterSeq = v
		}
	}

	sess, binding, err := s.mgr.ResolveToken(token, id, sessionmgr.ViewChat)
	if err != nil {
		http.Error(w, err.Error(), gwerr.KindAuth.HTTPStatus())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Log.Warn("gateway: chat ws accept failed", "session", id, "err", err)
		return
	}
	defer conn.CloseNow()

	viewer := session.NewChatViewer(uuid.New().String())
	sess.AttachChat(viewer, afterSeq)
	defer sess.DetachChat(viewer.ID)

	s.audit.Log(auditlog.Event{Type: auditlog.KindChatAttach, UserID: binding.UserID, SessionID: id, Detail: "chat ws connected"})
	defer s.audit.Log(auditlog.Event{Type: auditlog.KindChatDetach, UserID: binding.UserID, SessionID: id, Detail: "chat ws disconnected"})

	ctx := r.Context()
	readerDone := make(chan struct{})
	go s.pumpChatInbound(ctx, conn, sess, binding.UserID, readerDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-readerDone:
			return
		case <-viewer.Done:
			s.closeEvictedViewer(conn, viewer.Reason(), binding.UserID, id)
			return
		case ev := <-viewer.Out:
			if err := s.writeChatEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeChatEvent(ctx context.Context, conn *websocket.Conn, ev chatevent.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil // malformed event payload, drop rather than kill the connection
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (s *Server) pumpChatInbound(ctx context.Context, conn *websocket.Conn, sess *session.Session, userID string, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg chatInboundMsg
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "resize":
			sess.Resize(msg.Cols, msg.Rows)
		case string(chatevent.TypeUserInput):
			messageID := msg.MessageID
			if messageID == "" {
				messageID = chatevent.NewMessageID()
			}
			sess.SendUserInput(msg.Text, messageID)
			payload := msg.Text
			if msg.Enter == nil || *msg.Enter {
				payload += "\n"
			}
			if werr := sess.Write([]byte(payload)); werr != nil {
				var gerr *gwerr.Error
				if asGWErr(werr, &gerr) && gerr.Kind == gwerr.KindBackpressure {
					s.audit.Log(auditlog.Event{Type: auditlog.KindBackpressureDrop, UserID: userID, SessionID: sess.ID(), Detail: "inbound write queue full"})
					conn.Close(websocket.StatusCode(gwerr.KindBackpressure.WSCloseCode()), "backpressure: inbound queue full")
					return
				}
			}
		}
	}
}
