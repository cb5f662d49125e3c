package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/sessync/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRelayTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "relay.toml")
	if err := WriteTemplate(path, "relay", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "relay", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}

	cfg, err := LoadRelayConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rc := cfg.Relay()
	if rc.Node != "relay" || rc.Addr != ":8000" || rc.PublicHost != "localhost:8000" {
		t.Fatalf("unexpected relay config: %+v", rc)
	}
	if rc.SessionTTL != time.Hour || rc.WriteTimeout != 10*time.Second || rc.SweepInterval != time.Minute {
		t.Fatalf("unexpected durations: %+v", rc)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("unexpected log level: %q", cfg.Log.Level)
	}
}

func TestRelayDefaultsWhenSparse(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadRelayConfig(writeConfig(t, "public_host = \"relay.lan\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rc := cfg.Relay()
	if rc.Node != "relay" || rc.Addr != ":8000" || rc.SessionTTL != time.Hour {
		t.Fatalf("expected defaults, got %+v", rc)
	}
}

func TestRelayValidation(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"session_ttl":  "session_ttl = \"soon\"\n",
		"positive":     "write_timeout = \"-1s\"\n",
		"cors_origins": "cors_origins = [\"localhost:3000\"]\n",
	}
	for want, body := range cases {
		_, err := LoadRelayConfig(writeConfig(t, body))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error mentioning %q, got %v", want, err)
		}
	}
	if _, err := LoadRelayConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
	if _, err := Template("bogus"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
