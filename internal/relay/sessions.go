package relay

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("relay: session not found or expired")

// SessionInfo mirrors the backend session info payload.
type SessionInfo struct {
	ID            string `json:"id"`
	CreatedAt     string `json:"created_at"`
	ExpiresAt     string `json:"expires_at"`
	Connected     bool   `json:"connected"`
	FilesCount    int    `json:"files_count"`
	TimeRemaining int    `json:"time_remaining"`
}

type sessionEntry struct {
	id        string
	createdAt time.Time
	expiresAt time.Time
	peers     map[*peer]struct{}
}

// Sessions is the relay's in-memory session table.
type Sessions struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[string]*sessionEntry
}

func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Sessions{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]*sessionEntry),
	}
}

func (s *Sessions) Create() SessionInfo {
	now := s.now()
	e := &sessionEntry{
		id:        uuid.NewString(),
		createdAt: now,
		expiresAt: now.Add(s.ttl),
		peers:     make(map[*peer]struct{}),
	}
	s.mu.Lock()
	s.items[e.id] = e
	s.mu.Unlock()
	return s.info(e, now)
}

func (s *Sessions) Info(id string) (SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(id)
	if !ok {
		return SessionInfo{}, ErrSessionNotFound
	}
	return s.info(e, s.now()), nil
}

// Delete removes the session and returns its peers so the caller can close them.
func (s *Sessions) Delete(id string) ([]*peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	delete(s.items, id)
	return peerList(e), nil
}

// Sweep drops expired sessions and returns their peers.
func (s *Sessions) Sweep() []*peer {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*peer
	for id, e := range s.items {
		if !now.Before(e.expiresAt) {
			out = append(out, peerList(e)...)
			delete(s.items, id)
		}
	}
	return out
}

func (s *Sessions) attach(id string, p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(id)
	if !ok {
		return false
	}
	e.peers[p] = struct{}{}
	return true
}

func (s *Sessions) detach(id string, p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[id]; ok {
		delete(e.peers, p)
	}
}

// peers returns the session's sockets except skip.
func (s *Sessions) peers(id string, skip *peer) []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return nil
	}
	out := make([]*peer, 0, len(e.peers))
	for p := range e.peers {
		if p != skip {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].wsID < out[j].wsID })
	return out
}

func (s *Sessions) liveLocked(id string) (*sessionEntry, bool) {
	e, ok := s.items[id]
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expiresAt) {
		return nil, false
	}
	return e, true
}

func (s *Sessions) info(e *sessionEntry, now time.Time) SessionInfo {
	remaining := int(e.expiresAt.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return SessionInfo{
		ID:            e.id,
		CreatedAt:     e.createdAt.Format("2006-01-02T15:04:05.000000"),
		ExpiresAt:     e.expiresAt.Format("2006-01-02T15:04:05.000000"),
		Connected:     len(e.peers) > 0,
		TimeRemaining: remaining,
	}
}

func peerList(e *sessionEntry) []*peer {
	out := make([]*peer, 0, len(e.peers))
	for p := range e.peers {
		out = append(out, p)
	}
	return out
}
