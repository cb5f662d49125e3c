// Package relaytest runs an in-process relay for tests.
package relaytest

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/sessync/internal/observability"
	"github.com/danmuck/sessync/internal/relay"
)

type Relay struct {
	*relay.Server
	HTTP *httptest.Server
}

// Start serves a relay on a loopback listener closed at test cleanup.
func Start(t *testing.T) *Relay {
	t.Helper()
	cfg := relay.DefaultConfig()
	cfg.Node = "relaytest"
	cfg.WriteTimeout = 2 * time.Second
	srv := relay.New(cfg, observability.InitLogger("relaytest", io.Discard))
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &Relay{Server: srv, HTTP: hs}
}

// URL is the relay's http base URL.
func (r *Relay) URL() string { return r.HTTP.URL }

// SocketURL returns the websocket URL for a session and device.
func (r *Relay) SocketURL(sessionID, deviceID string) string {
	u := "ws" + strings.TrimPrefix(r.HTTP.URL, "http") + "/ws/" + sessionID
	if deviceID != "" {
		u += "?device=" + deviceID
	}
	return u
}
