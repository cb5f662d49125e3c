package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "relay":
		return relayTemplate, nil
	case "syncctl":
		return syncctlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const relayTemplate = `node = "relay"
addr = ":8000"
public_host = "localhost:8000"
session_ttl = "1h"
write_timeout = "10s"
sweep_interval = "1m"
cors_origins = ["http://localhost:3000"]

[log]
level = "info"
no_color = false
`

const syncctlTemplate = `backend = "http://localhost:8000"
device_name = "syncctl"
device_type = "desktop"
heartbeat_interval = "30s"
stale_after = "45s"
max_attempts = 10
backoff_initial = "1s"
backoff_max = "30s"
snapshots = ""
`
