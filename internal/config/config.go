// Package config loads the dev relay's TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// RelayConfig is the on-disk shape; durations are Go duration strings.
type RelayConfig struct {
	Node          string    `toml:"node"`
	Addr          string    `toml:"addr"`
	PublicHost    string    `toml:"public_host"`
	SessionTTL    string    `toml:"session_ttl"`
	WriteTimeout  string    `toml:"write_timeout"`
	SweepInterval string    `toml:"sweep_interval"`
	CorsOrigins   []string  `toml:"cors_origins"`
	Log           LogConfig `toml:"log"`
}

type LogConfig struct {
	Level   string `toml:"level"`
	NoColor bool   `toml:"no_color"`
}

func LoadRelayConfig(path string) (RelayConfig, error) {
	var cfg RelayConfig
	if err := loadToml(path, &cfg); err != nil {
		return RelayConfig{}, err
	}
	if cfg.Node == "" {
		cfg.Node = "relay"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if err := ValidateRelayConfig(cfg); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateRelayConfig(cfg RelayConfig) error {
	if strings.TrimSpace(cfg.Node) == "" {
		return fmt.Errorf("relay config missing node")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("relay config missing addr")
	}
	for name, raw := range map[string]string{
		"session_ttl":    cfg.SessionTTL,
		"write_timeout":  cfg.WriteTimeout,
		"sweep_interval": cfg.SweepInterval,
	} {
		if _, err := parseDuration(raw); err != nil {
			return fmt.Errorf("relay config %s: %w", name, err)
		}
	}
	for i, origin := range cfg.CorsOrigins {
		o := strings.TrimSpace(origin)
		if !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return fmt.Errorf("cors_origins[%d] must be an http(s) origin: %q", i, origin)
		}
	}
	return nil
}

// parseDuration accepts an empty string as "use the default" and rejects
// non-positive values.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", raw)
	}
	return d, nil
}
