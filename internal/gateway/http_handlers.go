package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rustamtm/termgw/internal/auditlog"
	"github.com/rustamtm/termgw/internal/gwerr"
	"github.com/rustamtm/termgw/internal/ptyproc"
	"github.com/rustamtm/termgw/internal/sessionmgr"
)

type createRequestBody struct {
	Mode      string   `json:"mode"`
	ResumeKey string   `json:"resumeKey"`
	CWD       string   `json:"cwd"`
	TailPath  string   `json:"tailPath"`
	TmuxName  string   `json:"tmuxName"`
	Shell     string   `json:"shell"`
	Env       []string `json:"env"`
	Cols      int      `json:"cols"`
	Rows      int      `json:"rows"`
}

type createResponseBody struct {
	SessionID   string `json:"sessionId"`
	AttachToken string `json:"attachToken"`
}

func (b createRequestBody) toRequest(s *Server) sessionmgr.CreateRequest {
	shell := b.Shell
	if shell == "" {
		shell = s.cfg.DefaultShell
	}
	cwd := b.CWD
	if cwd == "" {
		cwd = s.cfg.DefaultCWD
	}
	cols, rows := b.Cols, b.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	return sessionmgr.CreateRequest{
		Mode:      ptyproc.Mode(b.Mode),
		ResumeKey: b.ResumeKey,
		CWD:       cwd,
		TailPath:  b.TailPath,
		TmuxName:  b.TmuxName,
		Shell:     shell,
		Env:       b.Env,
		Cols:      cols,
		Rows:      rows,
	}
}

func (s *Server) handleAttachOrCreate(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.writeAuthErr(w, userID, err)
		return
	}

	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, gwerr.New(gwerr.KindBadRequest, "malformed json body"))
		return
	}

	sess, token, err := s.mgr.AttachOrCreate(userID, body.toRequest(s))
	if err != nil {
		s.auditSpawnFailure(userID, err)
		writeErr(w, err)
		return
	}

	s.audit.Log(auditlog.Event{Type: auditlog.KindSessionCreate, UserID: userID, SessionID: sess.ID()})
	writeJSON(w, http.StatusOK, createResponseBody{SessionID: sess.ID(), AttachToken: token})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.writeAuthErr(w, userID, err)
		return
	}

	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, gwerr.New(gwerr.KindBadRequest, "malformed json body"))
		return
	}

	sess, token, err := s.mgr.Create(userID, body.toRequest(s))
	if err != nil {
		s.auditSpawnFailure(userID, err)
		writeErr(w, err)
		return
	}

	s.audit.Log(auditlog.Event{Type: auditlog.KindSessionCreate, UserID: userID, SessionID: sess.ID()})
	writeJSON(w, http.StatusCreated, createResponseBody{SessionID: sess.ID(), AttachToken: token})
}

type attachRequestBody struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type attachResponseBody struct {
	AttachToken string `json:"attachToken"`
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.writeAuthErr(w, userID, err)
		return
	}
	id := r.PathValue("id")

	var body attachRequestBody
	json.NewDecoder(r.Body).Decode(&body) // body optional; zero cols/rows keeps current size

	_, token, err := s.mgr.Attach(userID, id, body.Cols, body.Rows)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.audit.Log(auditlog.Event{Type: auditlog.KindSessionAttach, UserID: userID, SessionID: id})
	writeJSON(w, http.StatusOK, attachResponseBody{AttachToken: token})
}

func (s *Server) handleAttachChat(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.writeAuthErr(w, userID, err)
		return
	}
	id := r.PathValue("id")

	var body attachRequestBody
	json.NewDecoder(r.Body).Decode(&body)

	_, token, err := s.mgr.AttachChat(userID, id, body.Cols, body.Rows)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.audit.Log(auditlog.Event{Type: auditlog.KindChatAttach, UserID: userID, SessionID: id})
	writeJSON(w, http.StatusOK, attachResponseBody{AttachToken: token})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.writeAuthErr(w, userID, err)
		return
	}
	id := r.PathValue("id")

	if err := s.mgr.CloseSession(userID, id); err != nil {
		writeErr(w, err)
		return
	}
	s.audit.Log(auditlog.Event{Type: auditlog.KindSessionClose, UserID: userID, SessionID: id, Detail: "requested"})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type listEntry struct {
	SessionID      string `json:"sessionId"`
	Mode           string `json:"mode"`
	ResumeKey      string `json:"resumeKey,omitempty"`
	CWD            string `json:"cwd,omitempty"`
	TmuxName       string `json:"tmuxName,omitempty"`
	Cols           int    `json:"cols"`
	Rows           int    `json:"rows"`
	CreatedAt      string `json:"createdAt"`
	LastActivityAt string `json:"lastActivityAt"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.writeAuthErr(w, userID, err)
		return
	}

	infos := s.mgr.List(userID)
	out := make([]listEntry, 0, len(infos))
	for _, info := range infos {
		out = append(out, listEntry{
			SessionID:      info.ID,
			Mode:           string(info.Mode),
			ResumeKey:      info.ResumeKey,
			CWD:            info.CWD,
			TmuxName:       info.TmuxName,
			Cols:           info.Cols,
			Rows:           info.Rows,
			CreatedAt:      info.CreatedAt.Format(timeFormat),
			LastActivityAt: info.LastActivityAt.Format(timeFormat),
		})
	}
	writeJSON(w, http.StatusOK, map[string][]listEntry{"sessions": out})
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func (s *Server) writeAuthErr(w http.ResponseWriter, userID string, err error) {
	s.audit.Log(auditlog.Event{Type: auditlog.KindAuthFail, UserID: userID, Detail: err.Error()})
	writeErr(w, err)
}

func (s *Server) auditSpawnFailure(userID string, err error) {
	s.audit.Log(auditlog.Event{Type: auditlog.KindSpawnFailed, UserID: userID, Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeErr(w http.ResponseWriter, err error) {
	var ge *gwerr.Error
	kind := gwerr.KindBadRequest
	status := http.StatusBadRequest
	if asGWErr(err, &ge) {
		kind = ge.Kind
		status = ge.Kind.HTTPStatus()
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: string(kind)})
}

func asGWErr(err error, target **gwerr.Error) bool {
	for err != nil {
		if ge, ok := err.(*gwerr.Error); ok {
			*target = ge
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
