package crdt

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/sessync/internal/doc"
	"github.com/danmuck/sessync/internal/logs"
	"github.com/danmuck/sessync/internal/protocol/wire"
	"github.com/oklog/ulid/v2"
)

type register struct {
	stamp   Stamp
	value   []byte
	deleted bool
}

type changeID struct {
	actor string
	seq   uint64
}

// Listener receives a read-only snapshot and the leaf deltas after every change
// that altered the document. Listeners run on the mutating goroutine in commit
// order and must not call Mutate or ApplyRemote.
type Listener func(snapshot doc.SessionDocument, deltas []FieldDelta)

type Option func(*Store)

// WithActor fixes the actor id instead of generating one.
func WithActor(actor string) Option {
	return func(s *Store) { s.actor = actor }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithDiffer(d Differ) Option {
	return func(s *Store) { s.differ = d }
}

func WithCompressionThreshold(n int) Option {
	return func(s *Store) { s.threshold = n }
}

// Store is one replica of a session document.
type Store struct {
	sessionID string
	actor     string
	threshold int
	differ    Differ
	now       func() time.Time
	genesis   map[string]register

	// emit serializes commit+notify so listeners observe changes in commit order.
	emit sync.Mutex

	mu        sync.Mutex
	regs      map[string]register
	current   doc.SessionDocument
	counter   uint64
	seq       uint64
	heads     Heads
	seen      map[changeID]struct{}
	history   []Change
	listeners map[int]Listener
	nextID    int
}

// New initializes a replica at the genesis state for sessionID.
func New(sessionID string, opts ...Option) *Store {
	s := &Store{
		sessionID: sessionID,
		threshold: wire.CompressionThreshold,
		differ:    Diff,
		now:       time.Now,
		heads:     Heads{},
		seen:      make(map[changeID]struct{}),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.actor == "" {
		s.actor = ulid.Make().String()
	}
	genesis := doc.Defaults(sessionID)
	base, err := flatten(genesis)
	if err != nil {
		// doc.Defaults is a fixed struct; flatten cannot fail on it.
		panic(fmt.Sprintf("crdt: flatten genesis: %v", err))
	}
	s.genesis = make(map[string]register, len(base))
	for p, v := range base {
		s.genesis[p] = register{value: v}
	}
	s.regs = cloneRegs(s.genesis)
	s.current = genesis
	return s
}

func (s *Store) SessionID() string { return s.sessionID }
func (s *Store) Actor() string     { return s.actor }

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() doc.SessionDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Subscribe registers l and returns its removal func.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Mutate applies fn to a draft of the current document and commits the leaf
// changes as one Change. It returns the packed change for broadcast, or nil when
// fn left the document unchanged. An error from fn aborts without side effects.
func (s *Store) Mutate(fn func(d *doc.SessionDocument) error) ([]byte, error) {
	s.emit.Lock()
	defer s.emit.Unlock()

	s.mu.Lock()
	draft := s.current.Clone()
	if err := fn(&draft); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	draft.SessionID = s.sessionID
	draft.Transcription.ClampProgress()

	post, err := flatten(draft)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ops := s.opsLocked(post)
	if len(ops) == 0 {
		s.mu.Unlock()
		return nil, nil
	}
	ch := Change{
		Actor:   s.actor,
		Seq:     s.seq + 1,
		Counter: s.counter + 1,
		Time:    s.now().UnixMilli(),
		Ops:     ops,
	}
	raw := encodeChange(ch)
	if len(raw) > wire.MaxPatchSize {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d bytes", wire.ErrPatchTooLarge, len(raw))
	}
	before := s.current
	fresh, err := s.integrateLocked([]Change{ch})
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.seq = ch.Seq
	after := s.current
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if len(fresh) > 0 {
		s.notify(before, after, listeners)
	}
	return wire.PackPatch(raw, s.threshold), nil
}

// ApplyRemote merges one packed change from a peer. It reports whether the change
// was new. On any error the document is unchanged.
func (s *Store) ApplyRemote(blob []byte) (bool, error) {
	n, err := s.ApplyRemoteBatch([][]byte{blob})
	return n > 0, err
}

// ApplyRemoteBatch merges several packed changes and notifies listeners once.
// Undecodable blobs are skipped; the first such error is returned alongside the
// count of newly applied changes.
func (s *Store) ApplyRemoteBatch(blobs [][]byte) (applied int, err error) {
	var firstErr error
	changes := make([]Change, 0, len(blobs))
	for _, blob := range blobs {
		ch, derr := decodePacked(blob)
		if derr != nil {
			if firstErr == nil {
				firstErr = derr
			}
			continue
		}
		changes = append(changes, ch)
	}
	if len(changes) == 0 {
		return 0, firstErr
	}

	s.emit.Lock()
	defer s.emit.Unlock()

	s.mu.Lock()
	before := s.current
	fresh, ierr := s.safeIntegrateLocked(changes)
	after := s.current
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if ierr != nil {
		return 0, ierr
	}
	if len(fresh) > 0 {
		s.notify(before, after, listeners)
	}
	return len(fresh), firstErr
}

func decodePacked(blob []byte) (Change, error) {
	raw, err := wire.UnpackPatch(blob)
	if err != nil {
		return Change{}, err
	}
	return decodeChange(raw)
}

// Heads returns a copy of the version vector.
func (s *Store) Heads() Heads {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads.Clone()
}

// ChangesSince returns packed changes not covered by peer, in application order.
func (s *Store) ChangesSince(peer Heads) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, ch := range s.history {
		if peer.Covers(ch.Actor, ch.Seq) {
			continue
		}
		out = append(out, wire.PackPatch(encodeChange(ch), s.threshold))
	}
	return out
}

// Behind reports whether peer holds changes this replica lacks.
func (s *Store) Behind(peer Heads) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads.Ahead(peer)
}

func (s *Store) opsLocked(post leaves) []Op {
	var ops []Op
	for p, v := range post {
		reg, ok := s.regs[p]
		if ok && !reg.deleted && bytes.Equal(reg.value, v) {
			continue
		}
		ops = append(ops, Op{Path: p, Value: v})
	}
	for p, reg := range s.regs {
		if reg.deleted {
			continue
		}
		if _, ok := post[p]; !ok {
			ops = append(ops, Op{Path: p, Delete: true})
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Path < ops[j].Path })
	return ops
}

func (s *Store) safeIntegrateLocked(changes []Change) (fresh []Change, err error) {
	defer func() {
		if r := recover(); r != nil {
			fresh = nil
			err = fmt.Errorf("%w: panic: %v", ErrMergeConflict, r)
		}
	}()
	return s.integrateLocked(changes)
}

// integrateLocked applies unseen changes to a copy of the registers and commits
// only if the result materializes.
func (s *Store) integrateLocked(changes []Change) ([]Change, error) {
	regs := cloneRegs(s.regs)
	var fresh []Change
	batch := make(map[changeID]struct{})
	for _, ch := range changes {
		id := changeID{actor: ch.Actor, seq: ch.Seq}
		if _, ok := s.seen[id]; ok {
			continue
		}
		if _, ok := batch[id]; ok {
			continue
		}
		batch[id] = struct{}{}
		applyOps(regs, ch)
		fresh = append(fresh, ch)
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	next, err := materialize(liveLeaves(regs))
	if err != nil {
		return nil, err
	}

	s.regs = regs
	s.current = next
	for _, ch := range fresh {
		s.seen[changeID{actor: ch.Actor, seq: ch.Seq}] = struct{}{}
		s.history = append(s.history, ch)
		if ch.Counter > s.counter {
			s.counter = ch.Counter
		}
		s.advanceHeadLocked(ch.Actor)
	}
	return fresh, nil
}

func (s *Store) advanceHeadLocked(actor string) {
	seq := s.heads[actor]
	for {
		if _, ok := s.seen[changeID{actor: actor, seq: seq + 1}]; !ok {
			break
		}
		seq++
	}
	s.heads[actor] = seq
}

func (s *Store) listenersLocked() []Listener {
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}

func (s *Store) notify(before, after doc.SessionDocument, listeners []Listener) {
	if len(listeners) == 0 {
		return
	}
	deltas, err := s.differ(before, after)
	if err != nil {
		logs.Warnf("crdt.Store diff failed session=%q err=%v; skipping observer notification", s.sessionID, err)
		return
	}
	if len(deltas) == 0 {
		return
	}
	snapshot := after.Clone()
	for _, l := range listeners {
		l(snapshot, deltas)
	}
}

func applyOps(regs map[string]register, ch Change) {
	stamp := ch.Stamp()
	for _, op := range ch.Ops {
		if cur, ok := regs[op.Path]; ok && !stamp.After(cur.stamp) {
			continue
		}
		regs[op.Path] = register{stamp: stamp, value: op.Value, deleted: op.Delete}
	}
}

func liveLeaves(regs map[string]register) leaves {
	out := make(leaves, len(regs))
	for p, reg := range regs {
		if !reg.deleted {
			out[p] = reg.value
		}
	}
	return out
}

func cloneRegs(in map[string]register) map[string]register {
	out := make(map[string]register, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
