package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/sessync/internal/logs"
)

var (
	ErrReconnectExhausted = errors.New("session: reconnect attempts exhausted")
	ErrControllerStopped  = errors.New("session: reconnect controller stopped")
)

type State int

const (
	StateIdle State = iota
	StateConnected
	StateReconnecting
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition is reported on every state change. Attempt is the 1-based attempt
// about to run (RECONNECTING) or the number of attempts made (FAILED).
type Transition struct {
	State   State
	Attempt int
	Delay   time.Duration
	Err     error
}

// DialFunc opens a connection. A nil return means the channel is open.
type DialFunc func(ctx context.Context) error

// Controller drives reconnection after an unexpected disconnect. It schedules dial
// attempts with exponential backoff and gives up after MaxAttempts consecutive
// failures; FAILED is terminal until Reconnect is called.
type Controller struct {
	cfg    ReconnectConfig
	dial   DialFunc
	notify func(Transition)

	mu      sync.Mutex
	rng     *rand.Rand
	state   State
	attempt int
	gen     uint64
	timer   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewController(cfg ReconnectConfig, dial DialFunc, notify func(Transition)) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().Reconnect.MaxAttempts
	}
	if notify == nil {
		notify = func(Transition) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:    cfg,
		dial:   dial,
		notify: notify,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Controller) State() (State, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.attempt
}

// Connected records an open channel and resets the attempt counter.
func (c *Controller) Connected() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.state = StateConnected
	c.attempt = 0
	c.mu.Unlock()
	c.notify(Transition{State: StateConnected})
}

// Disconnected starts the backoff loop unless one is already running or the
// controller has failed or stopped.
func (c *Controller) Disconnected(cause error) {
	c.mu.Lock()
	switch c.state {
	case StateReconnecting, StateFailed, StateStopped:
		c.mu.Unlock()
		return
	}
	c.attempt = 0
	tr := c.scheduleLocked(cause)
	c.mu.Unlock()
	c.notify(tr)
}

// Reconnect is the manual retry: it restarts the attempt budget and dials
// immediately. It is a no-op while connected.
func (c *Controller) Reconnect() error {
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		return ErrControllerStopped
	case StateConnected:
		c.mu.Unlock()
		return nil
	}
	c.stopTimerLocked()
	c.attempt = 1
	tr := c.armLocked(0)
	c.mu.Unlock()
	logs.Infof("session.Controller manual reconnect")
	c.notify(tr)
	return nil
}

// Stop cancels any pending attempt and makes the controller inert.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.state = StateStopped
	c.mu.Unlock()
	c.cancel()
	c.notify(Transition{State: StateStopped})
}

func (c *Controller) scheduleLocked(cause error) Transition {
	c.attempt++
	if c.attempt > c.cfg.MaxAttempts {
		c.state = StateFailed
		c.attempt = c.cfg.MaxAttempts
		logs.Errorf("session.Controller reconnect exhausted attempts=%d err=%v", c.attempt, cause)
		return Transition{State: StateFailed, Attempt: c.attempt, Err: fmt.Errorf("%w: %v", ErrReconnectExhausted, cause)}
	}
	delay := NextBackoffDelay(c.cfg.Backoff, c.attempt, c.rng)
	logs.Warnf("session.Controller reconnect scheduled attempt=%d delay=%s err=%v", c.attempt, delay, cause)
	tr := c.armLocked(delay)
	tr.Err = cause
	return tr
}

func (c *Controller) armLocked(delay time.Duration) Transition {
	c.state = StateReconnecting
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(delay, func() { c.fire(gen) })
	return Transition{State: StateReconnecting, Attempt: c.attempt, Delay: delay}
}

func (c *Controller) fire(gen uint64) {
	c.mu.Lock()
	if c.state != StateReconnecting || c.gen != gen {
		c.mu.Unlock()
		return
	}
	attempt := c.attempt
	c.mu.Unlock()

	err := c.dial(c.ctx)

	c.mu.Lock()
	if c.state != StateReconnecting || c.gen != gen {
		// Connected or Stop ran while dialing.
		c.mu.Unlock()
		return
	}
	if err == nil {
		c.state = StateConnected
		c.attempt = 0
		c.mu.Unlock()
		c.notify(Transition{State: StateConnected})
		return
	}
	logs.Warnf("session.Controller dial attempt=%d err=%v", attempt, err)
	tr := c.scheduleLocked(err)
	c.mu.Unlock()
	c.notify(tr)
}

func (c *Controller) stopTimerLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
