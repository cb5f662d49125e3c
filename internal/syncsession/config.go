package syncsession

import (
	"net/http"
	"runtime"
	"time"

	"github.com/danmuck/sessync/internal/doc"
	"github.com/danmuck/sessync/internal/protocol/session"
	"github.com/danmuck/sessync/internal/protocol/wire"
	"github.com/danmuck/sessync/internal/snapshot"
)

// Config describes one device's participation in sessions.
type Config struct {
	// BackendURL is the http(s) base of the session backend or relay.
	BackendURL string
	// DeviceID is stable across reconnects; a ULID is generated when empty.
	DeviceID   string
	DeviceName string
	DeviceType doc.DeviceType
	UserAgent  string

	Session session.Config

	// ValidateAttempts bounds the session existence checks run by Create and Join.
	ValidateAttempts int
	ValidateBackoff  session.BackoffConfig

	CompressionThreshold int
}

func DefaultConfig() Config {
	return Config{
		BackendURL:       "http://localhost:8000",
		DeviceType:       doc.DeviceDesktop,
		UserAgent:        "sessync/" + runtime.GOOS,
		Session:          session.DefaultConfig(),
		ValidateAttempts: 5,
		ValidateBackoff: session.BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     5 * time.Second,
		},
		CompressionThreshold: wire.CompressionThreshold,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.BackendURL == "" {
		c.BackendURL = def.BackendURL
	}
	if c.DeviceType == "" {
		c.DeviceType = def.DeviceType
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	c.Session = c.Session.WithDefaults()
	if c.ValidateAttempts <= 0 {
		c.ValidateAttempts = def.ValidateAttempts
	}
	if c.ValidateBackoff.InitialDelay <= 0 {
		c.ValidateBackoff.InitialDelay = def.ValidateBackoff.InitialDelay
	}
	if c.ValidateBackoff.Multiplier <= 0 {
		c.ValidateBackoff.Multiplier = def.ValidateBackoff.Multiplier
	}
	if c.ValidateBackoff.MaxDelay <= 0 {
		c.ValidateBackoff.MaxDelay = def.ValidateBackoff.MaxDelay
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = def.CompressionThreshold
	}
	return c
}

type Option func(*Session)

// WithSnapshots enables Checkpoint and restore-on-join.
func WithSnapshots(store *snapshot.Store) Option {
	return func(s *Session) { s.snapshots = store }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.httpClient = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}
