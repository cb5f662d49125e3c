package session

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/sessync/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		if got := NextBackoffDelay(cfg, i+1, nil); got != w {
			t.Fatalf("attempt%d got=%v want=%v", i+1, got, w)
		}
	}
}

func TestNextBackoffDelayJitterBounds(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		JitterMax:    time.Second,
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		got := NextBackoffDelay(cfg, 10, rng)
		if got < 30*time.Second || got >= 31*time.Second {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{Reconnect: ReconnectConfig{Backoff: BackoffConfig{JitterMax: -1}}}.WithDefaults()
	if cfg.Reconnect.Backoff.JitterMax != 0 {
		t.Fatalf("negative jitter should disable jitter, got %v", cfg.Reconnect.Backoff.JitterMax)
	}
	if cfg.Reconnect.MaxAttempts != 10 || cfg.Heartbeat.Interval != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestOutboxFlushOrderAndRequeue(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox()
	for _, b := range []string{"a", "b", "c"} {
		o.Enqueue([]byte(b))
	}

	var sent []string
	n, err := o.Flush(func(p PendingFrame) error {
		if string(p.Frame) == "b" {
			return errors.New("socket closed")
		}
		sent = append(sent, string(p.Frame))
		return nil
	})
	if err == nil || n != 1 {
		t.Fatalf("expected partial flush, n=%d err=%v", n, err)
	}
	o.Enqueue([]byte("d"))

	items := o.Drain()
	o.Requeue(items)
	got := make([]string, 0, len(items))
	for _, item := range items {
		got = append(got, string(item.Frame))
	}
	if len(got) != 3 || got[0] != "b" || got[1] != "c" || got[2] != "d" {
		t.Fatalf("unexpected queue after requeue: %v", got)
	}
	if items[0].Attempts != 1 || items[1].Attempts != 0 {
		t.Fatalf("attempts b=%d c=%d", items[0].Attempts, items[1].Attempts)
	}

	n, err = o.Flush(func(p PendingFrame) error {
		sent = append(sent, string(p.Frame))
		return nil
	})
	if err != nil || n != 3 {
		t.Fatalf("second flush n=%d err=%v", n, err)
	}
	if len(sent) != 4 || sent[0] != "a" || sent[1] != "b" || sent[2] != "c" || sent[3] != "d" {
		t.Fatalf("send order: %v", sent)
	}
	if o.Len() != 0 {
		t.Fatalf("outbox should be empty, len=%d", o.Len())
	}
}

type transitions struct {
	mu  sync.Mutex
	all []Transition
}

func (r *transitions) record(tr Transition) {
	r.mu.Lock()
	r.all = append(r.all, tr)
	r.mu.Unlock()
}

func (r *transitions) last() Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.all) == 0 {
		return Transition{}
	}
	return r.all[len(r.all)-1]
}

func fastReconnect(max int) ReconnectConfig {
	return ReconnectConfig{
		Backoff: BackoffConfig{
			InitialDelay: time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Millisecond,
		},
		MaxAttempts: max,
	}
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := c.State(); got == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	got, attempt := c.State()
	t.Fatalf("state=%s attempt=%d want=%s", got, attempt, want)
}

func TestControllerFailsAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	var dials atomic.Int32
	rec := &transitions{}
	c := NewController(fastReconnect(4), func(context.Context) error {
		dials.Add(1)
		return errors.New("refused")
	}, rec.record)
	defer c.Stop()

	c.Disconnected(errors.New("read: EOF"))
	waitState(t, c, StateFailed)

	time.Sleep(30 * time.Millisecond)
	if got := dials.Load(); got != 4 {
		t.Fatalf("dials=%d want 4", got)
	}
	last := rec.last()
	if last.State != StateFailed || !errors.Is(last.Err, ErrReconnectExhausted) {
		t.Fatalf("unexpected final transition: %+v", last)
	}

	// Further disconnect signals do not restart the loop.
	c.Disconnected(errors.New("again"))
	time.Sleep(20 * time.Millisecond)
	if got := dials.Load(); got != 4 {
		t.Fatalf("failed controller dialed again: %d", got)
	}
}

func TestControllerManualReconnectAfterFailure(t *testing.T) {
	testlog.Start(t)
	var healthy atomic.Bool
	var dials atomic.Int32
	c := NewController(fastReconnect(2), func(context.Context) error {
		dials.Add(1)
		if healthy.Load() {
			return nil
		}
		return errors.New("refused")
	}, nil)
	defer c.Stop()

	c.Disconnected(errors.New("EOF"))
	waitState(t, c, StateFailed)

	healthy.Store(true)
	if err := c.Reconnect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitState(t, c, StateConnected)
	if _, attempt := c.State(); attempt != 0 {
		t.Fatalf("attempt counter should reset, got %d", attempt)
	}
	if got := dials.Load(); got != 3 {
		t.Fatalf("dials=%d want 3", got)
	}
}

func TestControllerRecoversAndResets(t *testing.T) {
	testlog.Start(t)
	var dials atomic.Int32
	c := NewController(fastReconnect(5), func(context.Context) error {
		if dials.Add(1) < 3 {
			return errors.New("refused")
		}
		return nil
	}, nil)
	defer c.Stop()

	c.Disconnected(errors.New("EOF"))
	waitState(t, c, StateConnected)
	if got := dials.Load(); got != 3 {
		t.Fatalf("dials=%d want 3", got)
	}
}

func TestControllerStopCancelsPending(t *testing.T) {
	testlog.Start(t)
	var dials atomic.Int32
	cfg := fastReconnect(3)
	cfg.Backoff.InitialDelay = 50 * time.Millisecond
	c := NewController(cfg, func(context.Context) error {
		dials.Add(1)
		return nil
	}, nil)

	c.Disconnected(errors.New("EOF"))
	c.Stop()
	time.Sleep(80 * time.Millisecond)
	if got := dials.Load(); got != 0 {
		t.Fatalf("stopped controller dialed %d times", got)
	}
	if err := c.Reconnect(); !errors.Is(err, ErrControllerStopped) {
		t.Fatalf("expected ErrControllerStopped, got %v", err)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMonitorLatencyEMA(t *testing.T) {
	testlog.Start(t)
	clock := &fakeClock{now: time.UnixMilli(1_000_000)}
	m := NewMonitor(HeartbeatConfig{LatencyWeight: 0.1}, nil, nil)
	m.SetClock(clock.Now)

	now := clock.Now().UnixMilli()
	if got := m.RecordPong(now - 100); got != 100 {
		t.Fatalf("first sample seeds the average, got %v", got)
	}
	if got := m.RecordPong(now - 200); math.Abs(got-110) > 1e-9 {
		t.Fatalf("ema after second sample=%v want 110", got)
	}
}

func TestMonitorPingsThenReportsStale(t *testing.T) {
	testlog.Start(t)
	clock := &fakeClock{now: time.UnixMilli(5_000_000)}
	var pings []int64
	var staleIdle time.Duration
	m := NewMonitor(HeartbeatConfig{Interval: 30 * time.Second, StaleAfter: 60 * time.Second},
		func(ts int64) { pings = append(pings, ts) },
		func(idle time.Duration) { staleIdle = idle },
	)
	m.SetClock(clock.Now)
	m.Start()
	defer m.Stop()

	clock.Advance(30 * time.Second)
	m.Check()
	if len(pings) != 1 || pings[0] != clock.Now().UnixMilli() {
		t.Fatalf("expected one ping at current time, got %v", pings)
	}

	clock.Advance(20 * time.Second)
	m.Touch()
	clock.Advance(50 * time.Second)
	m.Check()
	if staleIdle != 0 {
		t.Fatalf("touch should defer staleness")
	}

	clock.Advance(11 * time.Second)
	m.Check()
	if staleIdle != 61*time.Second {
		t.Fatalf("expected stale report after 61s idle, got %v", staleIdle)
	}
	if len(pings) != 2 {
		t.Fatalf("stale tick must not ping, pings=%d", len(pings))
	}
}

func TestMonitorDetectsStaleWithinThreshold(t *testing.T) {
	testlog.Start(t)
	clock := &fakeClock{now: time.UnixMilli(9_000_000)}
	var pings int
	var staleAt time.Duration
	cfg := DefaultConfig().Heartbeat
	m := NewMonitor(cfg, func(int64) { pings++ }, func(idle time.Duration) { staleAt = idle })
	m.SetClock(clock.Now)
	m.Start()
	defer m.Stop()

	tick := m.CheckEvery()
	if tick != cfg.StaleAfter/4 {
		t.Fatalf("check tick=%s want %s", tick, cfg.StaleAfter/4)
	}
	for elapsed := time.Duration(0); staleAt == 0 && elapsed < 2*cfg.StaleAfter; elapsed += tick {
		clock.Advance(tick)
		m.Check()
	}
	if staleAt <= cfg.StaleAfter || staleAt > cfg.StaleAfter+tick {
		t.Fatalf("stale reported after %s, want within (%s, %s]", staleAt, cfg.StaleAfter, cfg.StaleAfter+tick)
	}
	if staleAt > 60*time.Second {
		t.Fatalf("dead link reported after %s", staleAt)
	}
	// Pings keep their own cadence on the finer tick.
	if want := int(staleAt / cfg.Interval); pings != want {
		t.Fatalf("pings=%d want %d", pings, want)
	}
}
