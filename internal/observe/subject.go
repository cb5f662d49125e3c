// Package observe provides replay-last-value streams over a replicated document.
//
// A Subject delivers its current value to each new subscriber immediately, then
// every later value in publish order. Subscribers run on the publishing goroutine
// and must not publish to the subject they observe.
package observe

import (
	"reflect"
	"sort"
	"sync"
)

type Subject[T any] struct {
	// deliver serializes publication, replay and completion.
	deliver sync.Mutex

	mu         sync.Mutex
	value      T
	has        bool
	distinct   bool
	subs       map[int]func(T)
	next       int
	onComplete []func()
	done       chan struct{}
}

func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{
		subs: make(map[int]func(T)),
		done: make(chan struct{}),
	}
}

// NewDistinct returns a subject that drops values deep-equal to the current one.
func NewDistinct[T any]() *Subject[T] {
	s := NewSubject[T]()
	s.distinct = true
	return s
}

// Publish sets the current value and delivers it. It reports false when the
// subject is complete or the value was suppressed as unchanged.
func (s *Subject[T]) Publish(v T) bool {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.completedLocked() {
		s.mu.Unlock()
		return false
	}
	if s.distinct && s.has && reflect.DeepEqual(s.value, v) {
		s.mu.Unlock()
		return false
	}
	s.value = v
	s.has = true
	subs := s.subscribersLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
	return true
}

// Subscribe replays the current value, if any, and registers fn for later
// values. Subscribing to a completed subject replays the last value and returns a
// no-op unsubscribe.
func (s *Subject[T]) Subscribe(fn func(T)) func() {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	v, has := s.value, s.has
	completed := s.completedLocked()
	id := s.next
	if !completed {
		s.next++
		s.subs[id] = fn
	}
	s.mu.Unlock()

	if has {
		fn(v)
	}
	if completed {
		return func() {}
	}
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Value returns the current value.
func (s *Subject[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.has
}

// OnComplete registers fn to run at completion; it runs immediately if the
// subject already completed.
func (s *Subject[T]) OnComplete(fn func()) {
	s.mu.Lock()
	if s.completedLocked() {
		s.mu.Unlock()
		fn()
		return
	}
	s.onComplete = append(s.onComplete, fn)
	s.mu.Unlock()
}

// Complete ends the stream. Idempotent.
func (s *Subject[T]) Complete() {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.completedLocked() {
		s.mu.Unlock()
		return
	}
	close(s.done)
	s.subs = make(map[int]func(T))
	fns := s.onComplete
	s.onComplete = nil
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Done is closed when the subject completes.
func (s *Subject[T]) Done() <-chan struct{} {
	return s.done
}

// Updates adapts the subject to a channel that always holds the latest value. A
// slow reader skips intermediate values. The channel closes on completion or
// when stop is called.
func (s *Subject[T]) Updates() (<-chan T, func()) {
	ch := make(chan T, 1)
	var once sync.Once
	closeCh := func() { once.Do(func() { close(ch) }) }

	unsubscribe := s.Subscribe(func(v T) {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	})
	s.OnComplete(closeCh)

	stop := func() {
		unsubscribe()
		s.deliver.Lock()
		closeCh()
		s.deliver.Unlock()
	}
	return ch, stop
}

func (s *Subject[T]) completedLocked() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subject[T]) subscribersLocked() []func(T) {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(T), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.subs[id])
	}
	return out
}
