// Package logging picks the process logger configuration: a baseline profile,
// then file settings, then SESSYNC_LOG_* environment overrides.
package logging

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/sessync/internal/logs"
)

const (
	EnvLogLevel     = "SESSYNC_LOG_LEVEL"
	EnvLogTimestamp = "SESSYNC_LOG_TIMESTAMP"
	EnvLogNoColor   = "SESSYNC_LOG_NOCOLOR"
	EnvLogBypass    = "SESSYNC_LOG_BYPASS"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Settings are logging preferences read from a config file.
type Settings struct {
	Level   string
	NoColor bool
}

var configureOnce sync.Once

func ConfigureRuntime() { Configure(ProfileRuntime, Settings{}) }

func ConfigureTests() { Configure(ProfileTest, Settings{}) }

// ConfigureRuntimeWith layers file settings between the runtime profile and the
// environment.
func ConfigureRuntimeWith(level string, noColor bool) {
	Configure(ProfileRuntime, Settings{Level: level, NoColor: noColor})
}

// Configure applies once per process; later calls are no-ops.
func Configure(profile Profile, file Settings) {
	configureOnce.Do(func() {
		logs.Configure(resolve(profile, file, os.LookupEnv))
	})
}

func resolve(profile Profile, file Settings, env func(string) (string, bool)) logs.Config {
	cfg := logs.DefaultConfig()
	cfg.Level = logs.InfoLevel
	cfg.Timestamp = true
	if profile == ProfileTest {
		cfg.Level = logs.DebugLevel
		cfg.Timestamp = false
	}

	if lvl, ok := parseLevel(file.Level); ok {
		cfg.Level = lvl
	}
	cfg.NoColor = cfg.NoColor || file.NoColor

	lookup := func(key string) string {
		v, _ := env(key)
		return v
	}
	if lvl, ok := parseLevel(lookup(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	for key, dst := range map[string]*bool{
		EnvLogTimestamp: &cfg.Timestamp,
		EnvLogNoColor:   &cfg.NoColor,
		EnvLogBypass:    &cfg.Bypass,
	} {
		if v, err := strconv.ParseBool(strings.TrimSpace(lookup(key))); err == nil {
			*dst = v
		}
	}
	return cfg
}

func parseLevel(raw string) (logs.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return logs.TraceLevel, true
	case "debug":
		return logs.DebugLevel, true
	case "info":
		return logs.InfoLevel, true
	case "warn", "warning":
		return logs.WarnLevel, true
	case "error":
		return logs.ErrorLevel, true
	case "off", "disabled", "none":
		return logs.Disabled, true
	}
	return logs.InfoLevel, false
}
