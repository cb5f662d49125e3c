// Package relay is a development stand-in for the session backend: it issues
// session ids over HTTP and fans websocket frames out between the devices of a
// session. It never interprets document state.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/sessync/internal/logs"
	"github.com/danmuck/sessync/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Config struct {
	Node          string
	Addr          string
	SessionTTL    time.Duration
	WriteTimeout  time.Duration
	SweepInterval time.Duration
	CORSOrigins   []string
	// PublicHost overrides the host used in ws_url and qr_data; defaults to the request host.
	PublicHost string
}

func DefaultConfig() Config {
	return Config{
		Node:          "relay",
		Addr:          ":8000",
		SessionTTL:    time.Hour,
		WriteTimeout:  10 * time.Second,
		SweepInterval: time.Minute,
	}
}

type Server struct {
	cfg      Config
	router   *gin.Engine
	sessions *Sessions
	upgrader websocket.Upgrader
	now      func() time.Time
	started  time.Time
}

func New(cfg Config, logger zerolog.Logger) *Server {
	def := DefaultConfig()
	if cfg.Node == "" {
		cfg.Node = def.Node
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		router:   r,
		sessions: NewSessions(cfg.SessionTTL),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now:     time.Now,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Sessions() *Sessions { return s.sessions }

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.Node,
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.POST("/session/create", func(c *gin.Context) {
		info := s.sessions.Create()
		host := s.cfg.PublicHost
		if host == "" {
			host = c.Request.Host
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id":    info.ID,
			"upload_url":    fmt.Sprintf("/session/%s/upload", info.ID),
			"websocket_url": fmt.Sprintf("/ws/%s", info.ID),
			"ws_url":        fmt.Sprintf("ws://%s/ws/%s", host, info.ID),
			"qr_data":       fmt.Sprintf("http://%s/mobile-upload?session=%s", host, info.ID),
			"expires_in":    info.TimeRemaining,
		})
	})

	s.router.GET("/session/:id/info", func(c *gin.Context) {
		info, err := s.sessions.Info(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	s.router.DELETE("/session/:id", func(c *gin.Context) {
		peers, err := s.sessions.Delete(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
			return
		}
		for _, p := range peers {
			p.close()
		}
		c.JSON(http.StatusOK, gin.H{"message": "Session deleted successfully"})
	})

	s.router.GET("/ws/:id", func(c *gin.Context) {
		id := c.Param("id")
		if _, err := s.sessions.Info(id); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
			return
		}
		ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logs.Warnf("relay.Server upgrade failed session=%q err=%v", id, err)
			return
		}
		p := newPeer(ws, id, c.Query("device"))
		if !s.sessions.attach(id, p) {
			p.close()
			return
		}
		observability.AddRelaySockets(1)
		logs.Debugf("relay.Server socket open session=%q device=%q ws=%s", id, p.deviceID, p.wsID)
		s.serve(p)
	})
}

// Notify pushes a backend event as a JSON text frame to every socket of the
// session and returns how many sockets accepted it.
func (s *Server) Notify(sessionID string, event any) int {
	delivered := 0
	for _, p := range s.sessions.peers(sessionID, nil) {
		if err := p.writeJSON(event, s.cfg.WriteTimeout); err != nil {
			logs.Debugf("relay.Server notify failed ws=%s err=%v", p.wsID, err)
			continue
		}
		delivered++
	}
	return delivered
}

// Disconnect closes the sockets a device holds in a session, simulating a
// network drop. It returns the number of sockets closed.
func (s *Server) Disconnect(sessionID, deviceID string) int {
	closed := 0
	for _, p := range s.sessions.peers(sessionID, nil) {
		if p.deviceID == deviceID {
			p.close()
			closed++
		}
	}
	return closed
}

// Serve listens on cfg.Addr and sweeps expired sessions until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.router}
	go s.sweepLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logs.Infof("relay.Server listening addr=%s node=%s", s.cfg.Addr, s.cfg.Node)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := s.sessions.Sweep()
			for _, p := range expired {
				p.close()
			}
			if len(expired) > 0 {
				logs.Infof("relay.Server swept expired sockets=%d", len(expired))
			}
		}
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
