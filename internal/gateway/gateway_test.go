package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/rustamtm/termgw/internal/auditlog"
	"github.com/rustamtm/termgw/internal/chatevent"
	"github.com/rustamtm/termgw/internal/gwauth"
	"github.com/rustamtm/termgw/internal/gwconfig"
	"github.com/rustamtm/termgw/internal/sessionmgr"
)

func newTestServer(t *testing.T) (*httptest.Server, *sessionmgr.Manager) {
	t.Helper()

	cfg := &gwconfig.Config{
		AuthMode:           gwconfig.AuthNone,
		DefaultShell:       "/bin/sh",
		DefaultCWD:         ".",
		MaxSessionsPerUser: 10,
	}
	auth, err := gwauth.New(cfg)
	if err != nil {
		t.Fatalf("gwauth.New: %v", err)
	}

	policy := sessionmgr.DefaultPolicy()
	policy.SessionConfig.DetachGrace = 50 * time.Millisecond
	policy.SessionConfig.IdleTimeout = 5 * time.Second
	mgr := sessionmgr.New(policy)

	audit := auditlog.NewWriter(&bytes.Buffer{})
	gw := New(cfg, auth, mgr, audit)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv, mgr
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAttachOrCreateThenRawWS(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"mode":"shell","shell":"/bin/sh","cols":80,"rows":24}`
	resp, err := http.Post(srv.URL+"/api/sessions/attach-or-create", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST attach-or-create: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Skipf("no shell available, status=%d", resp.StatusCode)
	}

	var created createResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.SessionID == "" || created.AttachToken == "" {
		t.Fatalf("expected sessionId and attachToken, got %+v", created)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + created.SessionID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{created.AttachToken},
	})
	if err != nil {
		t.Fatalf("dial raw ws: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read snapshot frame: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("expected text JSON snapshot frame, got type %v data %q", typ, data)
	}

	if err := conn.Write(ctx, websocket.MessageBinary, []byte("echo hi\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	var sawEcho bool
	for time.Now().Before(deadline) {
		rctx, rcancel := context.WithTimeout(ctx, 500*time.Millisecond)
		_, out, err := conn.Read(rctx)
		rcancel()
		if err != nil {
			continue
		}
		if strings.Contains(string(out), "hi") {
			sawEcho = true
			break
		}
	}
	if !sawEcho {
		t.Fatalf("did not observe echoed output within timeout")
	}
}

func TestAttachChatThenChatWS(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"mode":"shell","shell":"/bin/sh","cols":80,"rows":24}`
	resp, err := http.Post(srv.URL+"/api/sessions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST create: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Skipf("no shell available, status=%d", resp.StatusCode)
	}
	var created createResponseBody
	json.NewDecoder(resp.Body).Decode(&created)

	chatResp, err := http.Post(srv.URL+"/api/sessions/"+created.SessionID+"/attach-chat", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST attach-chat: %v", err)
	}
	defer chatResp.Body.Close()
	var chatAttach attachResponseBody
	json.NewDecoder(chatResp.Body).Decode(&chatAttach)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat/sessions/" + created.SessionID + "?attachToken=" + chatAttach.AttachToken

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial chat ws: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read hello event: %v", err)
	}
	var ev chatevent.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal hello: %v", err)
	}
	if ev.Type != chatevent.TypeHello {
		t.Fatalf("expected hello event, got %v", ev.Type)
	}

	// Output the shell has already produced is replayed from the ring
	// between hello and snapshot_ready; those events all carry a seq.
	for {
		_, data, err = conn.Read(ctx)
		if err != nil {
			t.Fatalf("read snapshot_ready event: %v", err)
		}
		ev = chatevent.Event{}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal snapshot_ready: %v", err)
		}
		if ev.Type == chatevent.TypeSnapshotReady {
			break
		}
		if ev.Seq == 0 {
			t.Fatalf("expected replayed events then snapshot_ready event, got %v", ev.Type)
		}
	}
}

func TestCloseOwnSession(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"mode":"shell","shell":"/bin/sh","cols":80,"rows":24}`
	resp, err := http.Post(srv.URL+"/api/sessions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST create: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Skipf("no shell available, status=%d", resp.StatusCode)
	}
	var created createResponseBody
	json.NewDecoder(resp.Body).Decode(&created)

	closeResp, err := http.Post(srv.URL+"/api/sessions/"+created.SessionID+"/close", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST close: %v", err)
	}
	defer closeResp.Body.Close()
	if closeResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", closeResp.StatusCode)
	}
}
