// Package transport carries session frames over a websocket.
//
// A Channel is bound to one session URL at a time. Binary frames written while
// the socket is down go to the offline outbox and are flushed, in order and under
// the write lock, as soon as the next connection opens. Inbound binary and text
// frames are routed to a Handler; only the read loop reports closure.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/sessync/internal/logs"
	"github.com/danmuck/sessync/internal/observability"
	"github.com/danmuck/sessync/internal/protocol/session"
	"github.com/gorilla/websocket"
)

var ErrChannelClosed = errors.New("transport: channel closed")

// Handler receives channel events. Callbacks run on the channel's goroutines;
// OnBinary and OnText are called from the read loop in arrival order.
type Handler interface {
	OnOpen()
	OnBinary(frame []byte)
	OnText(msg []byte)
	OnClose(err error)
}

type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

func DefaultConfig() Config {
	def := session.DefaultConfig()
	return Config{
		HandshakeTimeout: def.HandshakeTimeout,
		WriteTimeout:     def.WriteTimeout,
	}
}

type Channel struct {
	cfg     Config
	dialer  *websocket.Dialer
	outbox  *session.Outbox
	handler Handler

	// mu guards the fields below and is the write lock for conn.
	mu     sync.Mutex
	conn   *websocket.Conn
	url    string
	closed bool
}

func New(cfg Config, outbox *session.Outbox, handler Handler) *Channel {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if outbox == nil {
		outbox = session.NewOutbox()
	}
	return &Channel{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		outbox:  outbox,
		handler: handler,
	}
}

// Connect dials url, flushes the outbox, runs OnOpen and then starts the read
// loop, so OnClose for this connection always follows its OnOpen.
func (c *Channel) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.url = url
	c.mu.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, url, c.cfg.Header)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", url, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrChannelClosed
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = ws
	flushed, err := c.outbox.Flush(func(p session.PendingFrame) error {
		return c.writeLocked(ws, websocket.BinaryMessage, p.Frame)
	})
	observability.SetOutboxDepth(c.outbox.Len())
	if err != nil {
		c.conn = nil
		c.mu.Unlock()
		ws.Close()
		logs.Warnf("transport.Channel flush failed sent=%d pending=%d err=%v", flushed, c.outbox.Len(), err)
		return fmt.Errorf("transport: flush outbox: %w", err)
	}
	c.mu.Unlock()

	if flushed > 0 {
		logs.Infof("transport.Channel flushed outbox frames=%d", flushed)
	}
	logs.Debugf("transport.Channel open url=%q", url)
	// OnOpen completes before the read loop can report closure.
	if c.handler != nil {
		c.handler.OnOpen()
	}
	go c.readLoop(ws)
	return nil
}

// Redial reconnects to the last URL passed to Connect.
func (c *Channel) Redial(ctx context.Context) error {
	c.mu.Lock()
	url := c.url
	c.mu.Unlock()
	if url == "" {
		return fmt.Errorf("transport: redial before connect")
	}
	return c.Connect(ctx, url)
}

// Send writes a binary frame, or queues it when no connection is open. It never
// blocks on the network beyond the write timeout and never returns an error; a
// failed write queues the frame and tears the connection down.
func (c *Channel) Send(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		logs.Debugf("transport.Channel drop frame on closed channel bytes=%d", len(frame))
		return
	}
	if c.conn == nil {
		c.outbox.Enqueue(frame)
		observability.SetOutboxDepth(c.outbox.Len())
		return
	}
	if err := c.writeLocked(c.conn, websocket.BinaryMessage, frame); err != nil {
		logs.Warnf("transport.Channel write failed; queued frame err=%v", err)
		c.outbox.Enqueue(frame)
		observability.SetOutboxDepth(c.outbox.Len())
		c.conn.Close()
		c.conn = nil
	}
}

// Drop closes the current connection as if the network failed; the read loop
// reports it through OnClose.
func (c *Channel) Drop(reason error) {
	c.mu.Lock()
	ws := c.conn
	c.conn = nil
	c.mu.Unlock()
	if ws != nil {
		logs.Warnf("transport.Channel dropping connection reason=%v", reason)
		ws.Close()
	}
}

// Close ends the channel for good. Pending outbox frames are kept but never sent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.conn
	c.conn = nil
	if ws != nil {
		_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
	}
	c.mu.Unlock()
	if ws != nil {
		return ws.Close()
	}
	return nil
}

func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Pending reports the outbox depth.
func (c *Channel) Pending() int {
	return c.outbox.Len()
}

func (c *Channel) writeLocked(ws *websocket.Conn, kind int, b []byte) error {
	if err := ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(kind, b)
}

func (c *Channel) readLoop(ws *websocket.Conn) {
	var err error
	for {
		var kind int
		var msg []byte
		kind, msg, err = ws.ReadMessage()
		if err != nil {
			break
		}
		if c.handler == nil {
			continue
		}
		switch kind {
		case websocket.BinaryMessage:
			c.handler.OnBinary(msg)
		case websocket.TextMessage:
			c.handler.OnText(msg)
		}
	}
	ws.Close()

	c.mu.Lock()
	// A newer connection replaced this one; it owns closure reporting now.
	replaced := c.conn != nil && c.conn != ws
	if c.conn == ws {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if closed || replaced {
		return
	}
	logs.Debugf("transport.Channel read loop ended err=%v", err)
	if c.handler != nil {
		c.handler.OnClose(err)
	}
}
