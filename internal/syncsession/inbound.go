package syncsession

import (
	"time"

	"github.com/danmuck/sessync/internal/crdt"
	"github.com/danmuck/sessync/internal/doc"
	"github.com/danmuck/sessync/internal/events"
	"github.com/danmuck/sessync/internal/logs"
	"github.com/danmuck/sessync/internal/observability"
	"github.com/danmuck/sessync/internal/protocol/wire"
	"github.com/danmuck/sessync/internal/registry"
)

// inbound adapts a Session to transport.Handler without exporting the callbacks.
type inbound struct {
	s *Session
}

func (h *inbound) OnOpen() {
	s := h.s
	s.mu.Lock()
	ctrl, mon, channel := s.ctrl, s.mon, s.channel
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return
	}

	ctrl.Connected()
	mon.Start()
	s.sendSyncRequest()
	s.updateStatus(func(st *ConnectionStatus) { st.Pending = channel.Pending() })
}

func (h *inbound) OnClose(err error) {
	s := h.s
	s.mu.Lock()
	ctrl, mon := s.ctrl, s.mon
	s.mu.Unlock()

	mon.Stop()
	logs.Warnf("syncsession.Session disconnected device=%q err=%v", s.deviceID, err)
	ctrl.Disconnected(err)
}

func (h *inbound) OnBinary(frame []byte) {
	s := h.s
	s.touch()
	if len(frame) == 0 {
		return
	}
	env, err := wire.Decode(frame)
	if err != nil {
		logs.Debugf("syncsession.Session dropped frame bytes=%d err=%v", len(frame), err)
		observability.RecordDroppedFrame("decode")
		return
	}
	observability.RecordFrame("in", string(env.Kind))
	store, _, err := s.parts()
	if err != nil {
		return
	}

	switch env.Kind {
	case wire.KindPatch:
		applied, err := store.ApplyRemote(env.Patch)
		if err != nil {
			logs.Warnf("syncsession.Session dropped patch err=%v", err)
			observability.RecordDroppedFrame("merge")
			return
		}
		if applied {
			s.afterRemote()
		}
	case wire.KindSyncRequest:
		s.answerSyncRequest(store, env.LastSeen)
	case wire.KindSyncResponse:
		n, err := store.ApplyRemoteBatch(env.Patches)
		if err != nil {
			logs.Warnf("syncsession.Session sync response partially dropped applied=%d err=%v", n, err)
			observability.RecordDroppedFrame("merge")
		}
		if n > 0 {
			logs.Debugf("syncsession.Session sync applied=%d", n)
			s.afterRemote()
		}
	case wire.KindPing:
		s.sendControl(wire.NewPong(env.Timestamp, s.now().UnixMilli()))
	case wire.KindPong:
		s.recordPong(env.Timestamp)
	case wire.KindError:
		logs.Warnf("syncsession.Session relay error=%q", env.Error)
	}
}

func (h *inbound) OnText(msg []byte) {
	s := h.s
	s.touch()
	ev, err := events.Parse(msg)
	if err != nil {
		logs.Debugf("syncsession.Session dropped text frame err=%v", err)
		observability.RecordDroppedFrame("event")
		return
	}
	if ev.Type == events.TypePong && ev.ClientTimestamp != nil {
		s.recordPong(*ev.ClientTimestamp)
		return
	}
	s.mu.Lock()
	translator := s.translator
	s.mu.Unlock()
	mutation, err := translator.Translate(ev)
	if err != nil {
		logs.Debugf("syncsession.Session ignored event type=%q err=%v", ev.Type, err)
		return
	}
	if mutation == nil {
		return
	}
	if err := s.commit(mutation, false); err != nil {
		logs.Warnf("syncsession.Session event %q not applied err=%v", ev.Type, err)
	}
}

// answerSyncRequest sends the changes the requester lacks and, when the
// requester holds changes we lack, asks for them in turn.
func (s *Session) answerSyncRequest(store *crdt.Store, lastSeen []byte) {
	peer, err := crdt.DecodeHeads(lastSeen)
	if err != nil {
		logs.Debugf("syncsession.Session bad sync request err=%v", err)
		observability.RecordDroppedFrame("decode")
		return
	}
	if missing := store.ChangesSince(peer); len(missing) > 0 {
		s.sendControl(wire.NewSyncResponse(missing))
	}
	if store.Behind(peer) {
		s.sendSyncRequest()
	}
}

func (s *Session) afterRemote() {
	s.updateStatus(func(st *ConnectionStatus) { st.LastSyncAt = s.now() })
	err := s.commit(func(d *doc.SessionDocument) error {
		registry.Reconcile(d)
		return nil
	}, false)
	if err != nil {
		logs.Warnf("syncsession.Session reconcile failed err=%v", err)
	}
}

func (s *Session) sendSyncRequest() {
	store, _, err := s.parts()
	if err != nil {
		return
	}
	s.sendControl(wire.NewSyncRequest(crdt.EncodeHeads(store.Heads())))
}

// sendControl writes frames that are meaningless once stale; they are never
// queued while offline.
func (s *Session) sendControl(env wire.Envelope) {
	_, channel, err := s.parts()
	if err != nil || !channel.IsOpen() {
		return
	}
	frame, err := wire.Encode(env)
	if err != nil {
		logs.Errorf("syncsession.Session encode %s err=%v", env.Kind, err)
		return
	}
	channel.Send(frame)
	observability.RecordFrame("out", string(env.Kind))
}

func (s *Session) sendPing(ts int64) {
	s.sendControl(wire.NewPing(ts))
}

func (s *Session) onStale(idle time.Duration) {
	_, channel, err := s.parts()
	if err != nil {
		return
	}
	logs.Warnf("syncsession.Session no traffic for %s; dropping connection", idle)
	channel.Drop(errStale)
}

func (s *Session) recordPong(echo int64) {
	s.mu.Lock()
	mon := s.mon
	s.mu.Unlock()
	if mon == nil {
		return
	}
	latency := mon.RecordPong(echo)
	observability.SetLatency(latency)
	s.updateStatus(func(st *ConnectionStatus) { st.LatencyMS = latency })
}

func (s *Session) touch() {
	s.mu.Lock()
	mon := s.mon
	s.mu.Unlock()
	if mon != nil {
		mon.Touch()
	}
}
