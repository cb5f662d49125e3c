package config

import (
	"github.com/danmuck/sessync/internal/relay"
)

// Relay converts a validated file config into relay.Config. Unset durations
// keep the relay defaults.
func (c RelayConfig) Relay() relay.Config {
	out := relay.DefaultConfig()
	out.Node = c.Node
	out.Addr = c.Addr
	out.PublicHost = c.PublicHost
	out.CORSOrigins = append([]string(nil), c.CorsOrigins...)
	if d, _ := parseDuration(c.SessionTTL); d > 0 {
		out.SessionTTL = d
	}
	if d, _ := parseDuration(c.WriteTimeout); d > 0 {
		out.WriteTimeout = d
	}
	if d, _ := parseDuration(c.SweepInterval); d > 0 {
		out.SweepInterval = d
	}
	return out
}
