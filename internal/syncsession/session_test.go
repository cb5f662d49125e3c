package syncsession

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/sessync/internal/backend"
	"github.com/danmuck/sessync/internal/doc"
	"github.com/danmuck/sessync/internal/logs"
	"github.com/danmuck/sessync/internal/observe"
	"github.com/danmuck/sessync/internal/protocol/session"
	"github.com/danmuck/sessync/internal/protocol/wire"
	"github.com/danmuck/sessync/internal/snapshot"
	"github.com/danmuck/sessync/internal/testutil/relaytest"
	"github.com/danmuck/sessync/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func testConfig(base, device string, typ doc.DeviceType) Config {
	cfg := DefaultConfig()
	cfg.BackendURL = base
	cfg.DeviceID = device
	cfg.DeviceName = device
	cfg.DeviceType = typ
	cfg.ValidateAttempts = 3
	cfg.ValidateBackoff = session.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1, MaxDelay: 10 * time.Millisecond}
	cfg.Session.Reconnect = session.ReconnectConfig{
		Backoff: session.BackoffConfig{
			InitialDelay: 150 * time.Millisecond,
			Multiplier:   1,
			MaxDelay:     150 * time.Millisecond,
			JitterMax:    -1,
		},
		MaxAttempts: 3,
	}
	return cfg
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recorder[T comparable] struct {
	mu     sync.Mutex
	values []T
}

func record[T comparable](subj *observe.Subject[T]) *recorder[T] {
	r := &recorder[T]{}
	subj.Subscribe(func(v T) {
		r.mu.Lock()
		r.values = append(r.values, v)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder[T]) seen(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.values {
		if got == v {
			return true
		}
	}
	return false
}

func connected(s *Session) func() bool {
	return func() bool {
		st, _ := s.Status().Value()
		return st.Connected
	}
}

// startPair connects desktop d1 and mobile d2 to one session. tune adjusts d1's
// config only.
func startPair(t *testing.T, tune ...func(*Config)) (*relaytest.Relay, *Session, *Session, string) {
	t.Helper()
	r := relaytest.Start(t)
	ctx := context.Background()

	cfg1 := testConfig(r.URL(), "d1", doc.DeviceDesktop)
	for _, fn := range tune {
		fn(&cfg1)
	}
	d1 := New(cfg1)
	t.Cleanup(d1.Destroy)
	id, err := d1.Create(ctx)
	require.NoError(t, err)

	d2 := New(testConfig(r.URL(), "d2", doc.DeviceMobile))
	t.Cleanup(d2.Destroy)
	require.NoError(t, d2.Join(ctx, id))

	eventually(t, "d1 connected", connected(d1))
	eventually(t, "d2 connected", connected(d2))
	return r, d1, d2, id
}

func TestProgressReachesPeerAcrossDisconnect(t *testing.T) {
	testlog.Start(t)
	// A slow redial keeps d1 offline long enough to queue the next edit.
	r, d1, d2, id := startPair(t, func(c *Config) {
		c.Session.Reconnect.Backoff.InitialDelay = time.Second
		c.Session.Reconnect.Backoff.MaxDelay = time.Second
	})

	progress := record(Select(d2, "progress", func(d doc.SessionDocument) float64 {
		return d.Transcription.Progress
	}))

	require.NoError(t, d1.Mutate(func(d *doc.SessionDocument) error {
		d.Transcription.Status = doc.StatusProcessing
		d.Transcription.Progress = 40
		return nil
	}))
	eventually(t, "d2 to observe 40", func() bool { return progress.seen(40) })

	snap, err := d1.Snapshot()
	require.NoError(t, err)
	primary, ok := snap.Primary()
	require.True(t, ok)
	require.Equal(t, "d1", primary.ID)
	logs.Logf("syncsession/scenario: d1 primary, d2 saw 40")

	require.Equal(t, 1, r.Disconnect(id, "d1"))
	eventually(t, "d1 to notice the drop", func() bool { return !connected(d1)() })

	require.NoError(t, d1.UpdateProgress(75, "Transcribing"))
	st, _ := d1.Status().Value()
	require.Equal(t, 1, st.Pending, "75 should sit in the outbox while offline")
	require.False(t, progress.seen(75))

	eventually(t, "d2 to observe 75", func() bool { return progress.seen(75) })
	eventually(t, "d1 reconnected", connected(d1))
	eventually(t, "d1 outbox drained", func() bool {
		st, _ := d1.Status().Value()
		return st.Pending == 0
	})

	snap2, err := d2.Snapshot()
	require.NoError(t, err)
	require.Equal(t, doc.StatusProcessing, snap2.Transcription.Status)
	require.Equal(t, "Transcribing", snap2.Transcription.CurrentStep)
	logs.Logf("syncsession/scenario: d2 saw 75 after reconnect")
}

func TestLateJoinerCatchesUpThroughSync(t *testing.T) {
	testlog.Start(t)
	r := relaytest.Start(t)
	ctx := context.Background()

	d1 := New(testConfig(r.URL(), "d1", doc.DeviceDesktop))
	t.Cleanup(d1.Destroy)
	id, err := d1.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, d1.UpdateSettings(doc.Settings{Language: "de", Quality: doc.QualityLargeV3, ExportFormat: doc.FormatVTT}))

	d2 := New(testConfig(r.URL(), "d2", doc.DeviceMobile))
	t.Cleanup(d2.Destroy)
	require.NoError(t, d2.Join(ctx, id))

	language := record(Select(d2, "language", func(d doc.SessionDocument) string { return d.Settings.Language }))
	eventually(t, "d2 to catch up", func() bool { return language.seen("de") })

	// d2 registers second and becomes secondary.
	require.NoError(t, d2.SetFile(&doc.FileSource{Kind: doc.SourceLocal, Name: "talk.mp3", Size: 42}))
	eventually(t, "d1 to see d2", func() bool {
		snap, _ := d1.Snapshot()
		dev, ok := snap.Devices["d2"]
		return ok && dev.Role == doc.RoleSecondary && snap.File != nil
	})
}

func TestConcurrentEditsConverge(t *testing.T) {
	testlog.Start(t)
	_, d1, d2, _ := startPair(t)

	var wg sync.WaitGroup
	for i, s := range []*Session{d1, d2} {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			for n := 0; n < 10; n++ {
				_ = s.UpdateProgress(float64(i*10+n), "")
			}
		}(i, s)
	}
	wg.Wait()

	eventually(t, "replicas to converge on one primary", func() bool {
		a, _ := d1.Snapshot()
		b, _ := d2.Snapshot()
		ja, _ := json.Marshal(a)
		jb, _ := json.Marshal(b)
		return string(ja) == string(jb) && singlePrimary(a)
	})
}

func singlePrimary(d doc.SessionDocument) bool {
	primaries := 0
	for _, dev := range d.Devices {
		if dev.Role != doc.RolePrimary {
			continue
		}
		primaries++
		if d.PrimaryDeviceID == nil || *d.PrimaryDeviceID != dev.ID {
			return false
		}
	}
	return primaries == 1
}

func TestPromoteAndLeave(t *testing.T) {
	testlog.Start(t)
	_, d1, d2, _ := startPair(t)

	require.NoError(t, d1.UpdateProgress(1, ""))
	eventually(t, "d2 sees d1", func() bool {
		snap, _ := d2.Snapshot()
		_, ok := snap.Devices["d1"]
		return ok
	})
	require.NoError(t, d2.UpdateProgress(2, ""))
	eventually(t, "d1 sees d2", func() bool {
		snap, _ := d1.Snapshot()
		_, ok := snap.Devices["d2"]
		return ok
	})

	require.ErrorIs(t, d1.PromoteDevice("nobody"), ErrUnknownDevice)
	require.NoError(t, d1.PromoteDevice("d2"))
	eventually(t, "d2 promoted everywhere", func() bool {
		snap, _ := d2.Snapshot()
		p, ok := snap.Primary()
		return ok && p.ID == "d2" && snap.Devices["d1"].Role == doc.RoleSecondary
	})

	require.NoError(t, d2.Leave())
	eventually(t, "d1 promoted after primary left", func() bool {
		snap, _ := d1.Snapshot()
		p, ok := snap.Primary()
		_, stillThere := snap.Devices["d2"]
		return ok && p.ID == "d1" && !stillThere
	})
	require.ErrorIs(t, d2.UpdateProgress(3, ""), ErrDestroyed)
}

func TestBackendEventsBecomeDocumentState(t *testing.T) {
	testlog.Start(t)
	r, d1, d2, id := startPair(t)

	step := record(Select(d2, "step", func(d doc.SessionDocument) string { return d.Transcription.CurrentStep }))
	delivered := r.Notify(id, map[string]any{
		"type":         "progress_update",
		"status":       "processing",
		"progress":     55.0,
		"current_step": "Transcribing audio",
	})
	require.Equal(t, 2, delivered)
	eventually(t, "event reflected", func() bool { return step.seen("Transcribing audio") })

	snap, err := d1.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 55.0, snap.Transcription.Progress)
}

func TestGarbledFramesLeaveStateUntouched(t *testing.T) {
	testlog.Start(t)
	_, d1, _, _ := startPair(t)
	require.NoError(t, d1.UpdateProgress(12, "Loading"))

	before, err := d1.Snapshot()
	require.NoError(t, err)
	beforeJSON, _ := json.Marshal(before)

	h := &inbound{s: d1}
	h.OnBinary([]byte{0x9c, 0x01, 0xff})
	badPatch, err := wire.Encode(wire.NewPatch([]byte{0x00, 0xde, 0xad}))
	require.NoError(t, err)
	h.OnBinary(badPatch)
	h.OnBinary(nil)
	h.OnText([]byte("not json"))

	after, err := d1.Snapshot()
	require.NoError(t, err)
	afterJSON, _ := json.Marshal(after)
	require.Equal(t, string(beforeJSON), string(afterJSON))
}

func TestJoinUnknownSession(t *testing.T) {
	testlog.Start(t)
	r := relaytest.Start(t)
	s := New(testConfig(r.URL(), "d1", doc.DeviceMobile))
	defer s.Destroy()

	err := s.Join(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, backend.ErrSessionNotFound)
	require.ErrorIs(t, s.Mutate(func(*doc.SessionDocument) error { return nil }), ErrNotStarted)
	st, _ := s.Status().Value()
	require.NotEmpty(t, st.Error)
}

func TestReconnectGivesUpAndManualRetry(t *testing.T) {
	testlog.Start(t)
	r, d1, _, id := startPair(t)

	rr, err := backend.NewClient(r.URL(), nil).SessionInfo(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, rr.ID)
	require.NoError(t, backend.NewClient(r.URL(), nil).DeleteSession(context.Background(), id))

	eventually(t, "d1 to fail", func() bool {
		st, _ := d1.Status().Value()
		return st.State == session.StateFailed.String()
	})
	st, _ := d1.Status().Value()
	require.Equal(t, 3, st.Attempt)
	require.Contains(t, st.Error, "exhausted")

	require.NoError(t, d1.Reconnect())
	eventually(t, "d1 to fail again", func() bool {
		st, _ := d1.Status().Value()
		return st.State == session.StateFailed.String()
	})
}

func TestDestroyIsIdempotentAndCompletesStreams(t *testing.T) {
	testlog.Start(t)
	_, d1, _, _ := startPair(t)

	progress := Select(d1, "progress", func(d doc.SessionDocument) float64 { return d.Transcription.Progress })
	d1.Destroy()
	d1.Destroy()

	select {
	case <-progress.Done():
	case <-time.After(time.Second):
		t.Fatalf("projection not completed")
	}
	select {
	case <-d1.Status().Done():
	case <-time.After(time.Second):
		t.Fatalf("status not completed")
	}
	late := Select(d1, "late", func(d doc.SessionDocument) string { return d.SessionID })
	<-late.Done()
	require.ErrorIs(t, d1.Reconnect(), ErrDestroyed)
	_, err := d1.Export()
	require.ErrorIs(t, err, ErrDestroyed)
}

func TestCheckpointRestoreAndImport(t *testing.T) {
	testlog.Start(t)
	r := relaytest.Start(t)
	ctx := context.Background()
	store, err := snapshot.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	d1 := New(testConfig(r.URL(), "d1", doc.DeviceDesktop), WithSnapshots(store))
	id, err := d1.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, d1.UpdateProgress(64, "Aligning"))
	require.NoError(t, d1.Checkpoint(ctx))
	exported, err := d1.Export()
	require.NoError(t, err)
	d1.Destroy()

	again := New(testConfig(r.URL(), "d1", doc.DeviceDesktop), WithSnapshots(store))
	defer again.Destroy()
	require.NoError(t, again.Join(ctx, id))
	snap, err := again.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 64.0, snap.Transcription.Progress)
	history, err := again.History()
	require.NoError(t, err)
	require.NotEmpty(t, history)

	fresh := New(testConfig(r.URL(), "d3", doc.DeviceTablet))
	defer fresh.Destroy()
	require.NoError(t, fresh.Join(ctx, id))
	n, err := fresh.Import(exported)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 0)
	eventually(t, "import visible", func() bool {
		s, _ := fresh.Snapshot()
		return s.Transcription.Progress == 64
	})

	_, err = New(testConfig(r.URL(), "d4", doc.DeviceMobile)).Import(exported)
	require.True(t, errors.Is(err, ErrNotStarted))
	require.ErrorIs(t, New(DefaultConfig()).Checkpoint(ctx), ErrNoSnapshots)
}
