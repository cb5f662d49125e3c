package logging

import (
	"testing"

	"github.com/danmuck/sessync/internal/logs"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestParseLevelAliases(t *testing.T) {
	cases := map[string]logs.Level{
		"trace":   logs.TraceLevel,
		" DEBUG ": logs.DebugLevel,
		"warning": logs.WarnLevel,
		"off":     logs.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok || got != want {
			t.Fatalf("parseLevel(%q)=%v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("unknown level should not parse")
	}
}

func TestResolveProfiles(t *testing.T) {
	rt := resolve(ProfileRuntime, Settings{}, envMap(nil))
	if rt.Level != logs.InfoLevel || !rt.Timestamp {
		t.Fatalf("runtime profile=%+v", rt)
	}
	tc := resolve(ProfileTest, Settings{}, envMap(nil))
	if tc.Level != logs.DebugLevel || tc.Timestamp {
		t.Fatalf("test profile=%+v", tc)
	}
}

func TestResolveLayering(t *testing.T) {
	cfg := resolve(ProfileRuntime, Settings{Level: "warn", NoColor: true}, envMap(nil))
	if cfg.Level != logs.WarnLevel || !cfg.NoColor {
		t.Fatalf("file settings not applied: %+v", cfg)
	}

	cfg = resolve(ProfileRuntime, Settings{Level: "warn"}, envMap(map[string]string{
		EnvLogLevel:     "error",
		EnvLogNoColor:   "true",
		EnvLogTimestamp: "nope",
		EnvLogBypass:    "1",
	}))
	if cfg.Level != logs.ErrorLevel {
		t.Fatalf("env level should win, got %v", cfg.Level)
	}
	if !cfg.NoColor || !cfg.Bypass {
		t.Fatalf("bool overrides not applied: %+v", cfg)
	}
	if !cfg.Timestamp {
		t.Fatalf("invalid bool should keep runtime timestamp default")
	}
}
