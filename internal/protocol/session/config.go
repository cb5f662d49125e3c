package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// JitterMax bounds the uniform random delay added after capping. Zero disables jitter.
	JitterMax time.Duration
}

// ReconnectConfig bounds automatic reconnection.
type ReconnectConfig struct {
	Backoff     BackoffConfig
	MaxAttempts int
}

// HeartbeatConfig defines liveness probing.
type HeartbeatConfig struct {
	Interval time.Duration
	// StaleAfter is how long the connection may go without inbound traffic before
	// it is considered dead.
	StaleAfter time.Duration
	// LatencyWeight is the EMA weight given to each new round-trip sample.
	LatencyWeight float64
}

// Config defines connection reliability defaults.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Heartbeat        HeartbeatConfig
	Reconnect        ReconnectConfig
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		Heartbeat: HeartbeatConfig{
			Interval:      30 * time.Second,
			StaleAfter:    45 * time.Second,
			LatencyWeight: 0.1,
		},
		Reconnect: ReconnectConfig{
			Backoff: BackoffConfig{
				InitialDelay: time.Second,
				Multiplier:   2.0,
				MaxDelay:     30 * time.Second,
				JitterMax:    time.Second,
			},
			MaxAttempts: 10,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig. Negative JitterMax
// disables jitter explicitly.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = def.Heartbeat.Interval
	}
	if c.Heartbeat.StaleAfter <= 0 {
		c.Heartbeat.StaleAfter = def.Heartbeat.StaleAfter
	}
	if c.Heartbeat.LatencyWeight <= 0 || c.Heartbeat.LatencyWeight > 1 {
		c.Heartbeat.LatencyWeight = def.Heartbeat.LatencyWeight
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	b := &c.Reconnect.Backoff
	if b.InitialDelay <= 0 {
		b.InitialDelay = def.Reconnect.Backoff.InitialDelay
	}
	if b.Multiplier < 1.0 {
		b.Multiplier = def.Reconnect.Backoff.Multiplier
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = def.Reconnect.Backoff.MaxDelay
	}
	switch {
	case b.JitterMax == 0:
		b.JitterMax = def.Reconnect.Backoff.JitterMax
	case b.JitterMax < 0:
		b.JitterMax = 0
	}
	return c
}
