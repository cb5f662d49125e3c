package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/danmuck/sessync/internal/logs"
	"github.com/danmuck/sessync/internal/observability"
	"github.com/danmuck/sessync/internal/protocol/wire"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

type peer struct {
	wsID      string
	sessionID string
	deviceID  string
	ws        *websocket.Conn

	mu sync.Mutex
}

func newPeer(ws *websocket.Conn, sessionID, deviceID string) *peer {
	return &peer{
		wsID:      ulid.Make().String(),
		sessionID: sessionID,
		deviceID:  deviceID,
		ws:        ws,
	}
}

func (p *peer) write(kind int, b []byte, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return p.ws.WriteMessage(kind, b)
}

func (p *peer) writeJSON(v any, timeout time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.write(websocket.TextMessage, b, timeout)
}

func (p *peer) close() {
	_ = p.ws.Close()
}

// serve runs the socket until the client leaves. Binary frames are decoded only
// to answer pings and reject garbage; everything else is forwarded verbatim.
func (s *Server) serve(p *peer) {
	defer func() {
		s.sessions.detach(p.sessionID, p)
		p.close()
		observability.AddRelaySockets(-1)
		logs.Debugf("relay.Server socket closed session=%q device=%q ws=%s", p.sessionID, p.deviceID, p.wsID)
	}()

	_ = p.writeJSON(map[string]any{
		"type":       "connected",
		"ws_id":      p.wsID,
		"session_id": p.sessionID,
		"timestamp":  s.now().UnixMilli(),
	}, s.cfg.WriteTimeout)

	for {
		kind, msg, err := p.ws.ReadMessage()
		if err != nil {
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			s.handleBinary(p, msg)
		case websocket.TextMessage:
			s.handleText(p, msg)
		}
	}
}

func (s *Server) handleBinary(p *peer, msg []byte) {
	if len(msg) == 0 {
		return
	}
	env, err := wire.Decode(msg)
	if err != nil {
		logs.Debugf("relay.Server undecodable frame session=%q bytes=%d err=%v", p.sessionID, len(msg), err)
		if frame, ferr := wire.Encode(wire.NewError("malformed frame")); ferr == nil {
			_ = p.write(websocket.BinaryMessage, frame, s.cfg.WriteTimeout)
		}
		return
	}
	if env.Kind == wire.KindPing {
		pong, err := wire.Encode(wire.NewPong(env.Timestamp, s.now().UnixMilli()))
		if err == nil {
			_ = p.write(websocket.BinaryMessage, pong, s.cfg.WriteTimeout)
		}
		return
	}
	for _, other := range s.sessions.peers(p.sessionID, p) {
		if err := other.write(websocket.BinaryMessage, msg, s.cfg.WriteTimeout); err != nil {
			logs.Debugf("relay.Server forward failed ws=%s err=%v", other.wsID, err)
			continue
		}
		observability.RecordRelayForward(string(env.Kind))
	}
}

func (s *Server) handleText(p *peer, msg []byte) {
	var in struct {
		Type      string `json:"type"`
		Timestamp *int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(msg, &in); err != nil {
		return
	}
	switch in.Type {
	case "ping", "heartbeat":
		_ = p.writeJSON(map[string]any{
			"type":             "pong",
			"timestamp":        s.now().UnixMilli(),
			"client_timestamp": in.Timestamp,
		}, s.cfg.WriteTimeout)
	case "subscribe":
		_ = p.writeJSON(map[string]any{
			"type":       "subscribed",
			"session_id": p.sessionID,
			"timestamp":  s.now().UnixMilli(),
		}, s.cfg.WriteTimeout)
	}
}
