// Package syncsession is the entry point applications use to take part in a
// shared session. A Session owns one replica of the session document, one
// reconnecting socket to the relay, and the observation streams over both.
//
// Local edits are committed to the replica first and broadcast afterwards, so
// callers never wait on the network. Frames written while offline are queued
// and flushed on reconnect, after which both sides exchange version vectors to
// recover anything lost in between.
package syncsession

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/danmuck/sessync/internal/backend"
	"github.com/danmuck/sessync/internal/crdt"
	"github.com/danmuck/sessync/internal/doc"
	"github.com/danmuck/sessync/internal/events"
	"github.com/danmuck/sessync/internal/logs"
	"github.com/danmuck/sessync/internal/observability"
	"github.com/danmuck/sessync/internal/observe"
	"github.com/danmuck/sessync/internal/protocol/session"
	"github.com/danmuck/sessync/internal/protocol/wire"
	"github.com/danmuck/sessync/internal/registry"
	"github.com/danmuck/sessync/internal/snapshot"
	"github.com/danmuck/sessync/internal/transport"
	"github.com/oklog/ulid/v2"
)

var (
	ErrNotStarted     = errors.New("syncsession: session not started")
	ErrAlreadyStarted = errors.New("syncsession: session already started")
	ErrDestroyed      = errors.New("syncsession: session destroyed")
	ErrNoSnapshots    = errors.New("syncsession: no snapshot store configured")
	ErrUnknownDevice  = registry.ErrUnknownDevice
)

var errStale = errors.New("syncsession: connection stale")

type Session struct {
	cfg        Config
	deviceID   string
	backend    *backend.Client
	httpClient *http.Client
	snapshots  *snapshot.Store
	now        func() time.Time

	hub    *observe.Hub[doc.SessionDocument]
	status *observe.Subject[ConnectionStatus]

	mu          sync.Mutex
	store       *crdt.Store
	outbox      *session.Outbox
	channel     *transport.Channel
	ctrl        *session.Controller
	mon         *session.Monitor
	translator  *events.Translator
	unsubscribe func()
	expiresAt   time.Time
	started     bool
	destroyed   bool

	// sendMu keeps commit order and broadcast order identical.
	sendMu sync.Mutex

	statusMu sync.Mutex
	current  ConnectionStatus

	destroyOnce sync.Once
}

func New(cfg Config, opts ...Option) *Session {
	cfg = cfg.WithDefaults()
	if cfg.DeviceID == "" {
		cfg.DeviceID = ulid.Make().String()
	}
	s := &Session{
		cfg:      cfg,
		deviceID: cfg.DeviceID,
		now:      time.Now,
		hub:      observe.NewHub(doc.SessionDocument{}),
		status:   observe.NewDistinct[ConnectionStatus](),
		current:  ConnectionStatus{State: session.StateIdle.String()},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.backend = backend.NewClient(cfg.BackendURL, s.httpClient)
	s.status.Publish(s.current)
	return s
}

func (s *Session) DeviceID() string { return s.deviceID }

// SessionID returns the joined session id, or "" before Create/Join.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return ""
	}
	return s.store.SessionID()
}

// Create asks the backend for a new session, waits until it is visible and
// connects to it.
func (s *Session) Create(ctx context.Context) (string, error) {
	created, err := s.backend.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("syncsession: create: %w", err)
	}
	logs.Infof("syncsession.Session created session=%q device=%q", created.SessionID, s.deviceID)
	if err := s.join(ctx, created.SessionID); err != nil {
		return "", err
	}
	return created.SessionID, nil
}

// Join validates that sessionID exists and connects to it. A session that never
// shows up within the validation budget fails with backend.ErrSessionNotFound.
func (s *Session) Join(ctx context.Context, sessionID string) error {
	return s.join(ctx, sessionID)
}

func (s *Session) join(ctx context.Context, sessionID string) error {
	info, err := s.backend.WaitForSession(ctx, sessionID, s.cfg.ValidateAttempts, s.cfg.ValidateBackoff)
	if err != nil {
		logs.Errorf("syncsession.Session join failed session=%q err=%v", sessionID, err)
		s.updateStatus(func(st *ConnectionStatus) { st.Error = err.Error() })
		return fmt.Errorf("syncsession: join %s: %w", sessionID, err)
	}
	s.mu.Lock()
	s.expiresAt = info.ExpiresFrom(s.now())
	s.mu.Unlock()
	return s.start(ctx, sessionID)
}

func (s *Session) start(ctx context.Context, sessionID string) error {
	wsURL, err := s.backend.WebsocketURL(sessionID)
	if err != nil {
		return fmt.Errorf("syncsession: socket url: %w", err)
	}
	wsURL += "?device=" + url.QueryEscape(s.deviceID)

	s.mu.Lock()
	switch {
	case s.destroyed:
		s.mu.Unlock()
		return ErrDestroyed
	case s.started:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.store = s.openStore(ctx, sessionID)
	s.unsubscribe = s.store.Subscribe(func(snap doc.SessionDocument, deltas []crdt.FieldDelta) {
		logs.Tracef("syncsession.Session document changed deltas=%d", len(deltas))
		s.hub.Publish(snap)
	})
	s.hub.Publish(s.store.Snapshot())
	s.translator = events.NewTranslator(s.deviceID)
	s.translator.Now = s.now
	s.outbox = session.NewOutbox()
	s.channel = transport.New(transport.Config{
		HandshakeTimeout: s.cfg.Session.HandshakeTimeout,
		WriteTimeout:     s.cfg.Session.WriteTimeout,
	}, s.outbox, &inbound{s: s})
	channel := s.channel
	s.ctrl = session.NewController(s.cfg.Session.Reconnect, channel.Redial, s.onTransition)
	s.mon = session.NewMonitor(s.cfg.Session.Heartbeat, s.sendPing, s.onStale)
	s.mon.SetClock(s.now)
	ctrl := s.ctrl
	s.mu.Unlock()

	if err := channel.Connect(ctx, wsURL); err != nil {
		// The first dial is retried like any other drop.
		logs.Warnf("syncsession.Session initial connect failed session=%q err=%v", sessionID, err)
		ctrl.Disconnected(err)
	}
	return nil
}

// openStore restores the session from the snapshot store when a matching export
// exists, otherwise starts from genesis.
func (s *Session) openStore(ctx context.Context, sessionID string) *crdt.Store {
	opts := []crdt.Option{crdt.WithClock(s.now), crdt.WithCompressionThreshold(s.cfg.CompressionThreshold)}
	if s.snapshots != nil {
		entry, err := s.snapshots.Load(ctx, sessionID)
		switch {
		case err == nil:
			restored, ierr := crdt.Import(entry.Blob, opts...)
			if ierr == nil && restored.SessionID() == sessionID {
				logs.Infof("syncsession.Session restored session=%q saved_at=%s", sessionID, entry.SavedAt.Format(time.RFC3339))
				return restored
			}
			logs.Warnf("syncsession.Session ignoring unusable snapshot session=%q err=%v", sessionID, ierr)
		case !errors.Is(err, snapshot.ErrNotFound):
			logs.Warnf("syncsession.Session snapshot load failed session=%q err=%v", sessionID, err)
		}
	}
	return crdt.New(sessionID, opts...)
}

func (s *Session) parts() (*crdt.Store, *transport.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, nil, ErrDestroyed
	}
	if !s.started {
		return nil, nil, ErrNotStarted
	}
	return s.store, s.channel, nil
}

// Mutate applies fn to a draft of the document and broadcasts the result. The
// first mutation from this device registers it in the device map.
func (s *Session) Mutate(fn func(d *doc.SessionDocument) error) error {
	return s.commit(fn, true)
}

func (s *Session) commit(fn func(d *doc.SessionDocument) error, register bool) error {
	store, channel, err := s.parts()
	if err != nil {
		return err
	}
	s.mu.Lock()
	expires := s.expiresAt
	s.mu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	patch, err := store.Mutate(func(d *doc.SessionDocument) error {
		if register {
			if _, ok := d.Devices[s.deviceID]; !ok {
				if err := s.registerDevice(d, expires); err != nil {
					return err
				}
			}
		}
		return fn(d)
	})
	if err != nil {
		return err
	}
	if patch == nil {
		return nil
	}
	frame, err := wire.Encode(wire.NewPatch(patch))
	if err != nil {
		return fmt.Errorf("syncsession: encode patch: %w", err)
	}
	channel.Send(frame)
	observability.RecordFrame("out", string(wire.KindPatch))
	s.updateStatus(func(st *ConnectionStatus) { st.Pending = channel.Pending() })
	return nil
}

// registerDevice adds this device to d. The first registration in a session also
// stamps its creation and expiry times.
func (s *Session) registerDevice(d *doc.SessionDocument, expires time.Time) error {
	now := s.now()
	if _, err := registry.AddDevice(d, s.self(), now); err != nil {
		return err
	}
	if d.CreatedAt == 0 {
		d.CreatedAt = now.UnixMilli()
	}
	if d.ExpiresAt == 0 && !expires.IsZero() {
		d.ExpiresAt = expires.UnixMilli()
	}
	return nil
}

func (s *Session) self() doc.Device {
	return doc.Device{
		ID:        s.deviceID,
		Name:      s.cfg.DeviceName,
		Type:      s.cfg.DeviceType,
		UserAgent: s.cfg.UserAgent,
	}
}

func (s *Session) SetTranscription(state doc.TranscriptionState) error {
	return s.Mutate(func(d *doc.SessionDocument) error {
		d.Transcription = state
		return nil
	})
}

// UpdateProgress sets progress (clamped to [0,100]) and, when step is not
// empty, the current step label.
func (s *Session) UpdateProgress(progress float64, step string) error {
	return s.Mutate(func(d *doc.SessionDocument) error {
		d.Transcription.Progress = progress
		if step != "" {
			d.Transcription.CurrentStep = step
		}
		return nil
	})
}

// SetFile replaces the file source; nil clears it.
func (s *Session) SetFile(file *doc.FileSource) error {
	return s.Mutate(func(d *doc.SessionDocument) error {
		if file == nil {
			d.File = nil
			return nil
		}
		f := *file
		d.File = &f
		return nil
	})
}

func (s *Session) UpdateSettings(settings doc.Settings) error {
	return s.Mutate(func(d *doc.SessionDocument) error {
		d.Settings = settings
		return nil
	})
}

func (s *Session) PromoteDevice(id string) error {
	return s.Mutate(func(d *doc.SessionDocument) error {
		return registry.PromoteDevice(d, id)
	})
}

func (s *Session) SetRole(id string, role doc.Role) error {
	return s.Mutate(func(d *doc.SessionDocument) error {
		return registry.SetRole(d, id, role)
	})
}

func (s *Session) RemoveDevice(id string) error {
	return s.commit(func(d *doc.SessionDocument) error {
		return registry.RemoveDevice(d, id)
	}, false)
}

// Leave removes this device from the session and tears the session down.
func (s *Session) Leave() error {
	err := s.RemoveDevice(s.deviceID)
	if errors.Is(err, registry.ErrUnknownDevice) {
		err = nil
	}
	s.Destroy()
	return err
}

// Snapshot returns a deep copy of the current document.
func (s *Session) Snapshot() (doc.SessionDocument, error) {
	store, _, err := s.parts()
	if err != nil {
		return doc.SessionDocument{}, err
	}
	return store.Snapshot(), nil
}

// Devices lists the session's devices in join order.
func (s *Session) Devices() ([]doc.Device, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return registry.List(snap), nil
}

func (s *Session) History() ([]crdt.ChangeInfo, error) {
	store, _, err := s.parts()
	if err != nil {
		return nil, err
	}
	return store.History(), nil
}

func (s *Session) TravelTo(at time.Time) (doc.SessionDocument, error) {
	store, _, err := s.parts()
	if err != nil {
		return doc.SessionDocument{}, err
	}
	return store.TravelTo(at)
}

// Export returns the replica and its history as one opaque blob.
func (s *Session) Export() ([]byte, error) {
	store, _, err := s.parts()
	if err != nil {
		return nil, err
	}
	return store.Export()
}

// Import merges the history in an Export blob of the same session and forwards
// it to connected peers. It returns the number of changes that were new here.
func (s *Session) Import(blob []byte) (int, error) {
	store, channel, err := s.parts()
	if err != nil {
		return 0, err
	}
	other, err := crdt.Import(blob)
	if err != nil {
		return 0, err
	}
	if other.SessionID() != store.SessionID() {
		return 0, fmt.Errorf("%w: %q", crdt.ErrWrongSession, other.SessionID())
	}
	patches := other.ChangesSince(crdt.Heads{})
	n, err := store.ApplyRemoteBatch(patches)
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.afterRemote()
		if frame, err := wire.Encode(wire.NewSyncResponse(patches)); err == nil {
			channel.Send(frame)
		}
	}
	return n, nil
}

// Checkpoint saves Export to the configured snapshot store.
func (s *Session) Checkpoint(ctx context.Context) error {
	if s.snapshots == nil {
		return ErrNoSnapshots
	}
	store, _, err := s.parts()
	if err != nil {
		return err
	}
	blob, err := store.Export()
	if err != nil {
		return err
	}
	return s.snapshots.Save(ctx, store.SessionID(), blob, s.now())
}

// Reconnect retries the connection after reconnection gave up.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	ctrl := s.ctrl
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}
	if ctrl == nil {
		return ErrNotStarted
	}
	s.updateStatus(func(st *ConnectionStatus) { st.Error = "" })
	return ctrl.Reconnect()
}

// Destroy closes the socket, cancels heartbeat and backoff timers and completes
// every observation stream. It is safe to call more than once.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		ctrl, mon, channel, unsubscribe := s.ctrl, s.mon, s.channel, s.unsubscribe
		s.mu.Unlock()

		if ctrl != nil {
			ctrl.Stop()
		}
		if mon != nil {
			mon.Stop()
		}
		if channel != nil {
			if err := channel.Close(); err != nil {
				logs.Debugf("syncsession.Session close socket err=%v", err)
			}
			observability.SetConnected(false)
		}
		if unsubscribe != nil {
			unsubscribe()
		}
		s.updateStatus(func(st *ConnectionStatus) { st.Connected = false })
		s.hub.Complete()
		s.status.Complete()
		logs.Infof("syncsession.Session destroyed device=%q", s.deviceID)
	})
}

// Select returns a shared, de-duplicated stream of selector applied to the
// document. The current projection is delivered to each new subscriber.
func Select[T any](s *Session, key string, selector func(doc.SessionDocument) T) *observe.Subject[T] {
	return observe.Select(s.hub, key, selector)
}

// Status streams the connection status.
func (s *Session) Status() *observe.Subject[ConnectionStatus] { return s.status }
