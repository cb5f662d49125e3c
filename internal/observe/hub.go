package observe

import (
	"sort"
	"sync"

	"github.com/danmuck/sessync/internal/logs"
)

type projection[S any] interface {
	update(S)
	complete()
}

type selected[S, T any] struct {
	selector func(S) T
	subject  *Subject[T]
}

func (p *selected[S, T]) update(state S) { p.subject.Publish(p.selector(state)) }
func (p *selected[S, T]) complete()      { p.subject.Complete() }

// Hub fans document states out to keyed projections. Every subscriber of a key
// shares one selector evaluation per state.
type Hub[S any] struct {
	mu          sync.Mutex
	state       S
	projections map[string]projection[S]
	private     []projection[S]
	closed      bool
}

func NewHub[S any](initial S) *Hub[S] {
	return &Hub[S]{
		state:       initial,
		projections: make(map[string]projection[S]),
	}
}

// Publish evaluates every projection against state.
func (h *Hub[S]) Publish(state S) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.state = state
	keys := make([]string, 0, len(h.projections))
	for k := range h.projections {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ps := make([]projection[S], 0, len(keys))
	for _, k := range keys {
		ps = append(ps, h.projections[k])
	}
	ps = append(ps, h.private...)
	h.mu.Unlock()

	for _, p := range ps {
		p.update(state)
	}
}

// Complete ends every projection; later Select calls return completed subjects
// holding the final state's projection.
func (h *Hub[S]) Complete() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	ps := make([]projection[S], 0, len(h.projections))
	for _, p := range h.projections {
		ps = append(ps, p)
	}
	ps = append(ps, h.private...)
	h.mu.Unlock()

	for _, p := range ps {
		p.complete()
	}
}

// Select returns the shared projection for key, creating it from selector on first
// use. A key first registered with a different result type gets a private,
// unshared projection.
func Select[S, T any](h *Hub[S], key string, selector func(S) T) *Subject[T] {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.projections[key]; ok {
		if p, ok := existing.(*selected[S, T]); ok {
			return p.subject
		}
		logs.Warnf("observe.Hub projection key=%q reused with a different type; not shared", key)
		p := &selected[S, T]{selector: selector, subject: NewDistinct[T]()}
		p.subject.Publish(selector(h.state))
		if h.closed {
			p.subject.Complete()
		} else {
			h.private = append(h.private, p)
		}
		return p.subject
	}

	p := &selected[S, T]{selector: selector, subject: NewDistinct[T]()}
	p.subject.Publish(selector(h.state))
	if h.closed {
		p.subject.Complete()
		return p.subject
	}
	h.projections[key] = p
	return p.subject
}
