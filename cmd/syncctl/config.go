package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/sessync/internal/doc"
	"github.com/danmuck/sessync/internal/syncsession"
)

type fileConfig struct {
	Backend           string `toml:"backend"`
	DeviceID          string `toml:"device_id"`
	DeviceName        string `toml:"device_name"`
	DeviceType        string `toml:"device_type"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	StaleAfter        string `toml:"stale_after"`
	MaxAttempts       int    `toml:"max_attempts"`
	BackoffInitial    string `toml:"backoff_initial"`
	BackoffMax        string `toml:"backoff_max"`
	Snapshots         string `toml:"snapshots"`
}

type cliConfig struct {
	Session syncsession.Config
	// Snapshots is the sqlite path for checkpoints; empty disables them.
	Snapshots string
}

func defaultCLIConfig() cliConfig {
	return cliConfig{Session: syncsession.DefaultConfig()}
}

func loadConfig(path string) (cliConfig, error) {
	cfg := defaultCLIConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cliConfig{}, fmt.Errorf("load syncctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cliConfig{}, fmt.Errorf("unknown syncctl config keys: %v", undecoded)
	}

	sc := &cfg.Session
	if meta.IsDefined("backend") {
		sc.BackendURL = strings.TrimSpace(raw.Backend)
	}
	if meta.IsDefined("device_id") {
		sc.DeviceID = strings.TrimSpace(raw.DeviceID)
	}
	if meta.IsDefined("device_name") {
		sc.DeviceName = strings.TrimSpace(raw.DeviceName)
	}
	if meta.IsDefined("device_type") {
		typ, err := parseDeviceType(raw.DeviceType)
		if err != nil {
			return cliConfig{}, err
		}
		sc.DeviceType = typ
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat_interval", raw.HeartbeatInterval, &sc.Session.Heartbeat.Interval},
		{"stale_after", raw.StaleAfter, &sc.Session.Heartbeat.StaleAfter},
		{"backoff_initial", raw.BackoffInitial, &sc.Session.Reconnect.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &sc.Session.Reconnect.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("max_attempts") {
		if raw.MaxAttempts <= 0 {
			return cliConfig{}, fmt.Errorf("max_attempts must be positive, got %d", raw.MaxAttempts)
		}
		sc.Session.Reconnect.MaxAttempts = raw.MaxAttempts
	}
	if meta.IsDefined("snapshots") {
		cfg.Snapshots = strings.TrimSpace(raw.Snapshots)
	}
	return cfg, nil
}

func parseDeviceType(raw string) (doc.DeviceType, error) {
	switch t := doc.DeviceType(strings.ToLower(strings.TrimSpace(raw))); t {
	case doc.DeviceDesktop, doc.DeviceMobile, doc.DeviceTablet, doc.DeviceServer:
		return t, nil
	default:
		return "", fmt.Errorf("unknown device_type %q", raw)
	}
}
