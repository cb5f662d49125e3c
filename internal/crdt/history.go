package crdt

import (
	"time"

	"github.com/danmuck/sessync/internal/doc"
)

// ChangeInfo summarizes one applied change.
type ChangeInfo struct {
	Actor string
	Seq   uint64
	Time  time.Time
	Paths []string
}

// History lists applied changes in the order this replica applied them.
func (s *Store) History() []ChangeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChangeInfo, 0, len(s.history))
	for _, ch := range s.history {
		paths := make([]string, 0, len(ch.Ops))
		for _, op := range ch.Ops {
			paths = append(paths, op.Path)
		}
		out = append(out, ChangeInfo{
			Actor: ch.Actor,
			Seq:   ch.Seq,
			Time:  time.UnixMilli(ch.Time),
			Paths: paths,
		})
	}
	return out
}

// TravelTo materializes the document as it stood with only the changes authored
// at or before at. Author clocks are not synchronized, so this is a best-effort
// view for debugging.
func (s *Store) TravelTo(at time.Time) (doc.SessionDocument, error) {
	s.mu.Lock()
	regs := cloneRegs(s.genesis)
	cutoff := at.UnixMilli()
	for _, ch := range s.history {
		if ch.Time <= cutoff {
			applyOps(regs, ch)
		}
	}
	s.mu.Unlock()
	return materialize(liveLeaves(regs))
}
