package session

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// PendingFrame is one encoded binary frame waiting for an open connection.
type PendingFrame struct {
	ID       string
	Frame    []byte
	QueuedAt time.Time
	Attempts int
}

// Outbox is the FIFO of frames produced while the channel was not open. It lives
// in memory only; anything lost with it is recovered by the sync exchange.
type Outbox struct {
	mu    sync.Mutex
	items []PendingFrame
}

func NewOutbox() *Outbox {
	return &Outbox{}
}

func (o *Outbox) Enqueue(frame []byte) PendingFrame {
	item := PendingFrame{
		ID:       ulid.Make().String(),
		Frame:    frame,
		QueuedAt: time.Now(),
	}
	o.mu.Lock()
	o.items = append(o.items, item)
	o.mu.Unlock()
	return item
}

// Drain removes and returns every pending frame in enqueue order.
func (o *Outbox) Drain() []PendingFrame {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.items
	o.items = nil
	return out
}

// Requeue puts items back at the front, ahead of anything enqueued since they were
// drained.
func (o *Outbox) Requeue(items []PendingFrame) {
	if len(items) == 0 {
		return
	}
	back := append([]PendingFrame(nil), items...)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(back, o.items...)
}

// Flush drains the outbox through write in order. On the first write error the
// failed frame and everything after it go back to the front of the queue.
func (o *Outbox) Flush(write func(PendingFrame) error) (int, error) {
	items := o.Drain()
	for i, item := range items {
		if err := write(item); err != nil {
			items[i].Attempts++
			o.Requeue(items[i:])
			return i, err
		}
	}
	return len(items), nil
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

