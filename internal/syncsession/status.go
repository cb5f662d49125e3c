package syncsession

import (
	"time"

	"github.com/danmuck/sessync/internal/observability"
	"github.com/danmuck/sessync/internal/protocol/session"
)

// ConnectionStatus is process-local and never replicated.
type ConnectionStatus struct {
	Connected bool
	State     string
	// Attempt is the reconnect attempt in flight, or the count made when failed.
	Attempt   int
	LatencyMS float64
	// LastSyncAt is when a remote change was last applied.
	LastSyncAt time.Time
	Pending    int
	Error      string
}

func (s *Session) updateStatus(fn func(st *ConnectionStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	fn(&s.current)
	s.status.Publish(s.current)
}

func (s *Session) onTransition(tr session.Transition) {
	observability.RecordReconnect(tr.State.String())
	observability.SetConnected(tr.State == session.StateConnected)
	s.updateStatus(func(st *ConnectionStatus) {
		st.State = tr.State.String()
		st.Attempt = tr.Attempt
		st.Connected = tr.State == session.StateConnected
		switch tr.State {
		case session.StateConnected:
			st.Error = ""
		case session.StateFailed:
			if tr.Err != nil {
				st.Error = tr.Err.Error()
			}
		}
	})
}
