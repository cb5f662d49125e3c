package session

import (
	"sync"
	"time"

	"github.com/danmuck/sessync/internal/logs"
)

// Monitor sends periodic pings, smooths round-trip latency and reports a
// connection as stale when no inbound traffic arrives within StaleAfter. Idle
// time is checked every CheckEvery, so a dead link is reported at most a quarter
// of StaleAfter late.
type Monitor struct {
	cfg   HeartbeatConfig
	ping  func(ts int64)
	stale func(idle time.Duration)
	now   func() time.Time

	mu          sync.Mutex
	lastInbound time.Time
	lastPing    time.Time
	latency     float64
	sampled     bool
	stop        chan struct{}
}

func NewMonitor(cfg HeartbeatConfig, ping func(ts int64), stale func(idle time.Duration)) *Monitor {
	def := DefaultConfig().Heartbeat
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.LatencyWeight <= 0 || cfg.LatencyWeight > 1 {
		cfg.LatencyWeight = def.LatencyWeight
	}
	return &Monitor{
		cfg:   cfg,
		ping:  ping,
		stale: stale,
		now:   time.Now,
	}
}

// SetClock replaces the time source.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Start begins the ping loop for a freshly opened connection. Calling Start while
// running only resets the inbound timer.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastInbound = m.now()
	m.lastPing = m.lastInbound
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	go m.loop(m.stop)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

// CheckEvery is the tick at which idle time is checked: the ping interval or a
// quarter of StaleAfter, whichever is shorter.
func (m *Monitor) CheckEvery() time.Duration {
	tick := m.cfg.StaleAfter / 4
	if m.cfg.Interval < tick {
		tick = m.cfg.Interval
	}
	if tick <= 0 {
		tick = time.Millisecond
	}
	return tick
}

func (m *Monitor) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.CheckEvery())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Touch records inbound traffic of any kind.
func (m *Monitor) Touch() {
	m.mu.Lock()
	m.lastInbound = m.now()
	m.mu.Unlock()
}

// RecordPong folds the round trip for an echoed ping timestamp into the latency
// average and returns the new average in milliseconds.
func (m *Monitor) RecordPong(echo int64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.lastInbound = now
	sample := float64(now.UnixMilli() - echo)
	if sample < 0 {
		sample = 0
	}
	if !m.sampled {
		m.latency = sample
		m.sampled = true
	} else {
		w := m.cfg.LatencyWeight
		m.latency = m.latency*(1-w) + sample*w
	}
	return m.latency
}

// Check runs one heartbeat tick: report staleness, otherwise send a ping once
// Interval has passed since the last one.
func (m *Monitor) Check() {
	m.mu.Lock()
	now := m.now()
	idle := now.Sub(m.lastInbound)
	isStale := idle > m.cfg.StaleAfter
	if isStale {
		m.lastInbound = now
	}
	due := !isStale && now.Sub(m.lastPing) >= m.cfg.Interval
	if due {
		m.lastPing = now
	}
	m.mu.Unlock()

	if isStale {
		logs.Warnf("session.Monitor stale connection idle=%s", idle)
		if m.stale != nil {
			m.stale(idle)
		}
		return
	}
	if due && m.ping != nil {
		m.ping(now.UnixMilli())
	}
}
