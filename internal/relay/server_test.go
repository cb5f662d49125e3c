package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/sessync/internal/logs"
	"github.com/danmuck/sessync/internal/observability"
	"github.com/danmuck/sessync/internal/protocol/wire"
	"github.com/danmuck/sessync/internal/testutil/testlog"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WriteTimeout = 2 * time.Second
	s := New(cfg, observability.InitLogger("relay-test", io.Discard))
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return s, hs
}

func dial(t *testing.T, hs *httptest.Server, sessionID, device string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws/" + sessionID + "?device=" + device
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	kind, msg := read(t, ws)
	if kind != websocket.TextMessage || !strings.Contains(string(msg), `"connected"`) {
		t.Fatalf("expected connected greeting, got kind=%d msg=%s", kind, msg)
	}
	return ws
}

func read(t *testing.T, ws *websocket.Conn) (int, []byte) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return kind, msg
}

func TestSessionLifecycleHTTP(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/session/create", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	var created map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	id, _ := created["session_id"].(string)
	if id == "" || !strings.HasSuffix(created["ws_url"].(string), "/ws/"+id) {
		t.Fatalf("unexpected create body: %#v", created)
	}
	logs.Logf("relay/http: created session=%s", id)

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/session/"+id+"/info", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("info status=%d", rr.Code)
	}
	var info SessionInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.ID != id || info.Connected || info.TimeRemaining <= 0 {
		t.Fatalf("unexpected info: %+v", info)
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/session/"+id, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/session/"+id+"/info", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
	logs.Logf("relay/http: deleted session=%s", id)
}

func TestSessionsExpireAndSweep(t *testing.T) {
	testlog.Start(t)
	sessions := NewSessions(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	sessions.now = func() time.Time { return now }

	info := sessions.Create()
	if _, err := sessions.Info(info.ID); err != nil {
		t.Fatalf("fresh session missing: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := sessions.Info(info.ID); err != ErrSessionNotFound {
		t.Fatalf("expected expired session to be hidden, got %v", err)
	}
	sessions.Sweep()
	if _, err := sessions.Delete(info.ID); err != ErrSessionNotFound {
		t.Fatalf("expected swept session to be gone, got %v", err)
	}
}

func TestSocketRejectsUnknownSession(t *testing.T) {
	testlog.Start(t)
	_, hs := newTestServer(t)
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to unknown session to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake response, got %+v", resp)
	}
}

func TestForwardsBinaryFramesToOtherPeers(t *testing.T) {
	testlog.Start(t)
	s, hs := newTestServer(t)
	id := s.Sessions().Create().ID

	a := dial(t, hs, id, "a")
	b := dial(t, hs, id, "b")

	frame, err := wire.Encode(wire.NewPatch(wire.PackPatch([]byte("change"), wire.CompressionThreshold)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := a.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	kind, got := read(t, b)
	if kind != websocket.BinaryMessage || string(got) != string(frame) {
		t.Fatalf("expected verbatim forward, kind=%d len=%d", kind, len(got))
	}
	logs.Logf("relay/socket: forwarded bytes=%d", len(got))

	// Sender does not get its own frame back; the next thing it sees is the pong.
	ping, _ := wire.Encode(wire.NewPing(1234))
	if err := a.WriteMessage(websocket.BinaryMessage, ping); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	_, msg := read(t, a)
	env, err := wire.Decode(msg)
	if err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if env.Kind != wire.KindPong || env.Timestamp != 1234 || env.ServerTime == 0 {
		t.Fatalf("unexpected pong: %+v", env)
	}
}

func TestMalformedFrameGetsErrorAndIsNotForwarded(t *testing.T) {
	testlog.Start(t)
	s, hs := newTestServer(t)
	id := s.Sessions().Create().ID

	a := dial(t, hs, id, "a")
	b := dial(t, hs, id, "b")

	if err := a.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0x00, 0x13}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, msg := read(t, a)
	env, err := wire.Decode(msg)
	if err != nil || env.Kind != wire.KindError {
		t.Fatalf("expected error envelope, got %+v err=%v", env, err)
	}

	if n := s.Notify(id, map[string]any{"type": "device_stats"}); n != 2 {
		t.Fatalf("expected notify to reach 2 sockets, got %d", n)
	}
	kind, got := read(t, b)
	if kind != websocket.TextMessage || !strings.Contains(string(got), "device_stats") {
		t.Fatalf("expected b to see only the notification, kind=%d msg=%s", kind, got)
	}
}

func TestTextPingAndDisconnect(t *testing.T) {
	testlog.Start(t)
	s, hs := newTestServer(t)
	id := s.Sessions().Create().ID
	a := dial(t, hs, id, "a")

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","timestamp":42}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, msg := read(t, a)
	var pong struct {
		Type            string `json:"type"`
		ClientTimestamp int64  `json:"client_timestamp"`
	}
	if err := json.Unmarshal(msg, &pong); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pong.Type != "pong" || pong.ClientTimestamp != 42 {
		t.Fatalf("unexpected pong: %s", msg)
	}

	if n := s.Disconnect(id, "a"); n != 1 {
		t.Fatalf("expected one socket closed, got %d", n)
	}
	_ = a.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := a.ReadMessage(); err == nil {
		t.Fatalf("expected read error after disconnect")
	}
}
