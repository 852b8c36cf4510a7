package ipc

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"proctord/internal/browser"
	"proctord/internal/config"
	"proctord/internal/logging"
	"proctord/internal/report"
	"proctord/internal/store"
	"proctord/internal/violation"
	"proctord/internal/vision"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memStore struct {
	mu    sync.Mutex
	saved map[string]*store.Outcome
}

func (m *memStore) SaveOutcome(_ context.Context, o *store.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]*store.Outcome)
	}
	m.saved[o.SessionID] = o
	return nil
}

func (m *memStore) get(id string) *store.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[id]
}

type harness struct {
	srv      *Server
	store    *memStore
	exporter *report.Exporter
}

// socketPath stays short; Unix socket paths are limited to about 100 bytes.
func socketPath(t *testing.T) string {
	dir, err := os.MkdirTemp("", "pd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func testPolicy() config.MonitorConfig {
	p := config.DefaultMonitorConfig()
	p.MaxWarnings = 2
	p.WarningCooldown = 0
	p.EscalationThreshold = 1
	p.PerTypeThreshold["tab-switch"] = 1
	p.ConsecutiveFrames["no-face-detected"] = 1
	p.OutOfFrameTimeout = 0
	p.DetectionInterval = config.Duration(20 * time.Millisecond)
	p.TickInterval = config.Duration(5 * time.Millisecond)
	return p
}

func startServer(t *testing.T, mutate ...func(*ServerConfig)) *harness {
	t.Helper()
	h := &harness{
		store:    &memStore{},
		exporter: &report.Exporter{FS: afero.NewMemMapFs(), Dir: "/reports"},
	}
	policy := testPolicy()
	cfg := ServerConfig{
		SocketPath: socketPath(t),
		Version:    "test",
		Policy:     func() config.MonitorConfig { return policy.Clone() },
		Store:      h.store,
		Exporter:   h.exporter,
		Logger:     logging.Nop(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	h.srv = srv
	return h
}

func (h *harness) dial(t *testing.T, useCBOR bool) *Client {
	t.Helper()
	cfg := DefaultClientConfig(h.srv.SocketPath())
	cfg.CBOR = useCBOR
	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func nextEvent(t *testing.T, c *Client) *Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func remoteCode(err error) int {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	return 0
}

func TestHandshakeAndPing(t *testing.T) {
	for _, useCBOR := range []bool{false, true} {
		name := "json"
		if useCBOR {
			name = "cbor"
		}
		t.Run(name, func(t *testing.T) {
			h := startServer(t)
			c := h.dial(t, useCBOR)

			assert.Equal(t, "test", c.ServerVersion())
			assert.NotEmpty(t, c.ClientID())
			require.NoError(t, c.Ping(context.Background()))

			status, err := c.Status(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, status.Clients)
			assert.Empty(t, status.Sessions)
		})
	}
}

func TestRequiresHandshake(t *testing.T) {
	h := startServer(t)

	conn, err := dial(context.Background(), h.srv.SocketPath())
	require.NoError(t, err)
	defer conn.Close()

	payload, err := Encode(0, &StatusRequest{})
	require.NoError(t, err)
	require.NoError(t, NewMessage(MsgStatusRequest, 1, 0, payload).Write(conn))

	resp, err := ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, MsgError, resp.Header.Type)

	var er ErrorResponse
	require.NoError(t, Decode(resp.Header.Flags, resp.Payload, &er))
	assert.Equal(t, ErrNotHandshaken, er.Code)
}

func TestBadMagicClosesConnection(t *testing.T) {
	h := startServer(t)

	conn, err := dial(context.Background(), h.srv.SocketPath())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(make([]byte, HeaderSize))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestDialWithoutDaemon(t *testing.T) {
	_, err := Dial(context.Background(), DefaultClientConfig(socketPath(t)))
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}

func TestBrowserEventsEscalateToTermination(t *testing.T) {
	h := startServer(t)
	c := h.dial(t, false)
	ctx := context.Background()

	start, err := c.StartSession(ctx, "cand-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, start.MaxWarnings)

	hidden := browser.Event{Kind: browser.KindVisibilityChange, Hidden: true}
	resp, err := c.SendEvent(ctx, start.SessionID, hidden)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Warnings)
	assert.Equal(t, 1, resp.Remaining)

	_, err = c.SendEvent(ctx, start.SessionID, hidden)
	require.NoError(t, err)

	ev := nextEvent(t, c)
	require.Equal(t, EventWarning, ev.Type)
	assert.Equal(t, 1, ev.Warning.SequenceNumber)
	assert.Equal(t, violation.TabSwitch, ev.Warning.Type)

	ev = nextEvent(t, c)
	require.Equal(t, EventWarning, ev.Type)
	assert.Equal(t, 0, ev.Warning.RemainingBeforeTermination)

	ev = nextEvent(t, c)
	require.Equal(t, EventTermination, ev.Type)
	assert.Equal(t, violation.TerminationReason, ev.Termination.Reason)
	assert.Len(t, ev.Termination.Warnings, 2)

	require.Eventually(t, func() bool { return h.store.get(start.SessionID) != nil },
		5*time.Second, 10*time.Millisecond)
	out := h.store.get(start.SessionID)
	assert.True(t, out.Terminated())
	assert.Equal(t, "cand-1", out.Candidate)
	assert.Len(t, out.Digest, 64)

	rep, err := h.exporter.Load(start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, out.Digest, rep.Digest)
	assert.Equal(t, 2, rep.Tally[violation.TabSwitch])

	_, err = c.SendEvent(ctx, start.SessionID, hidden)
	require.Error(t, err)
	assert.Contains(t, []int{ErrSessionEnded, ErrNotFound}, remoteCode(err))
}

func TestClipboardEventPreventsDefault(t *testing.T) {
	h := startServer(t)
	c := h.dial(t, true)
	ctx := context.Background()

	start, err := c.StartSession(ctx, "", nil, nil)
	require.NoError(t, err)

	resp, err := c.SendEvent(ctx, start.SessionID, browser.Event{Kind: "copy"})
	require.NoError(t, err)
	assert.True(t, resp.PreventDefault)
	assert.Equal(t, 1, resp.Listeners)

	resp, err = c.SendEvent(ctx, start.SessionID, browser.Event{Kind: "webkitfullscreenchange", Fullscreen: true})
	require.NoError(t, err)
	assert.False(t, resp.PreventDefault)

	_, err = c.SendEvent(ctx, start.SessionID, browser.Event{Kind: "scroll"})
	assert.Equal(t, ErrInvalidRequest, remoteCode(err))
}

func TestBeforeUnloadReturnsMessage(t *testing.T) {
	h := startServer(t)
	c := h.dial(t, false)
	ctx := context.Background()

	start, err := c.StartSession(ctx, "", nil, nil)
	require.NoError(t, err)

	resp, err := c.SendEvent(ctx, start.SessionID, browser.Event{Kind: browser.KindBeforeUnload})
	require.NoError(t, err)
	assert.True(t, resp.PreventDefault)
	assert.NotEmpty(t, resp.ReturnValue)
}

func TestStopSessionPersistsStoppedOutcome(t *testing.T) {
	h := startServer(t)
	c := h.dial(t, false)
	ctx := context.Background()

	policy := testPolicy()
	policy.MaxWarnings = 5
	start, err := c.StartSession(ctx, "cand-2", &policy, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, start.MaxWarnings)

	ack, err := c.Report(ctx, start.SessionID, violation.Observation{Type: violation.ScreenCapture, Immediate: true})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Warnings)
	assert.Equal(t, 4, ack.Remaining)
	assert.Equal(t, EventWarning, nextEvent(t, c).Type)

	live, err := c.SessionStatus(ctx, start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "monitoring", live.State)
	assert.Equal(t, 1, live.Tally[violation.ScreenCapture])

	summary, err := c.StopSession(ctx, start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StateStopped, summary.State)
	assert.Len(t, summary.Warnings, 1)
	assert.Len(t, summary.Digest, 64)

	ev := nextEvent(t, c)
	require.Equal(t, EventSessionStopped, ev.Type)
	assert.Equal(t, summary.Digest, ev.Summary.Digest)

	out := h.store.get(start.SessionID)
	require.NotNil(t, out)
	assert.Equal(t, store.StateStopped, out.State)
	assert.Equal(t, 0, h.srv.SessionCount())

	_, err = c.StopSession(ctx, start.SessionID)
	assert.Equal(t, ErrNotFound, remoteCode(err))
}

func TestInvalidRequests(t *testing.T) {
	h := startServer(t)
	c := h.dial(t, false)
	ctx := context.Background()

	bad := testPolicy()
	bad.MaxWarnings = 0
	_, err := c.StartSession(ctx, "", &bad, nil)
	assert.Equal(t, ErrInvalidRequest, remoteCode(err))

	start, err := c.StartSession(ctx, "", nil, nil)
	require.NoError(t, err)

	_, err = c.Report(ctx, start.SessionID, violation.Observation{Type: "bogus"})
	assert.Equal(t, ErrInvalidRequest, remoteCode(err))

	_, err = c.Report(ctx, "missing", violation.Observation{Type: violation.TabSwitch})
	assert.Equal(t, ErrNotFound, remoteCode(err))

	_, err = c.SessionStatus(ctx, "missing")
	assert.Equal(t, ErrNotFound, remoteCode(err))
}

func TestSessionOwnership(t *testing.T) {
	h := startServer(t)
	owner := h.dial(t, false)
	other := h.dial(t, false)
	ctx := context.Background()

	start, err := owner.StartSession(ctx, "", nil, nil)
	require.NoError(t, err)

	_, err = other.SendEvent(ctx, start.SessionID, browser.Event{Kind: browser.KindBlur})
	assert.Equal(t, ErrPermissionDenied, remoteCode(err))
	_, err = other.StopSession(ctx, start.SessionID)
	assert.Equal(t, ErrPermissionDenied, remoteCode(err))
}

func TestDetectionPushRaisesNoFace(t *testing.T) {
	h := startServer(t)
	c := h.dial(t, false)
	ctx := context.Background()

	start, err := c.StartSession(ctx, "", nil, nil)
	require.NoError(t, err)

	one := []vision.Face{{Box: vision.Box{X: 200, Y: 120, Width: 200, Height: 240}}}
	_, err = c.PushDetection(ctx, DetectionRequest{SessionID: start.SessionID, Width: 640, Height: 480, Faces: one})
	require.NoError(t, err)

	_, err = c.PushDetection(ctx, DetectionRequest{SessionID: start.SessionID, Width: 640, Height: 480})
	require.NoError(t, err)

	ev := nextEvent(t, c)
	require.Equal(t, EventWarning, ev.Type)
	assert.Equal(t, violation.NoFace, ev.Warning.Type)
}

func TestGeometryChangeRaisesWarning(t *testing.T) {
	h := startServer(t)
	c := h.dial(t, false)
	ctx := context.Background()

	geom := browser.Geometry{OuterWidth: 1280, OuterHeight: 800, InnerWidth: 1280, InnerHeight: 720}
	start, err := c.StartSession(ctx, "", nil, &geom)
	require.NoError(t, err)

	moved := geom
	moved.OuterWidth, moved.InnerWidth = 640, 640
	_, err = c.UpdateGeometry(ctx, start.SessionID, moved)
	require.NoError(t, err)

	_, err = c.SendEvent(ctx, start.SessionID, browser.Event{Kind: browser.KindResize})
	require.NoError(t, err)

	ev := nextEvent(t, c)
	require.Equal(t, EventWarning, ev.Type)
	assert.Equal(t, violation.GeometryChanged, ev.Warning.Type)
}

func TestDisconnectStopsSessions(t *testing.T) {
	h := startServer(t)
	cfg := DefaultClientConfig(h.srv.SocketPath())
	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)

	start, err := c.StartSession(context.Background(), "", nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return h.store.get(start.SessionID) != nil },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, store.StateStopped, h.store.get(start.SessionID).State)
	assert.Eventually(t, func() bool { return h.srv.PeerCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServerStopPersistsOpenSessions(t *testing.T) {
	h := startServer(t)
	c := h.dial(t, false)

	start, err := c.StartSession(context.Background(), "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, h.srv.Stop())
	require.NoError(t, h.srv.Stop())

	out := h.store.get(start.SessionID)
	require.NotNil(t, out)
	assert.Equal(t, store.StateStopped, out.State)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client not disconnected")
	}
	_, err = os.Stat(h.srv.SocketPath())
	assert.True(t, os.IsNotExist(err))
}

func TestTerminationWithSQLiteStore(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "proctord.db"))
	require.NoError(t, err)
	defer db.Close()

	h := startServer(t, func(cfg *ServerConfig) {
		cfg.Store = db
		cfg.Exporter = nil
	})
	c := h.dial(t, false)
	ctx := context.Background()

	start, err := c.StartSession(ctx, "cand-3", nil, nil)
	require.NoError(t, err)
	for range 2 {
		_, err := c.Report(ctx, start.SessionID, violation.Observation{Type: violation.ContextMenu})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		_, err := db.Outcome(ctx, start.SessionID)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	out, err := db.Outcome(ctx, start.SessionID)
	require.NoError(t, err)
	assert.True(t, out.Terminated())
	assert.Len(t, out.Warnings, 2)
	assert.Equal(t, 2, out.Tally[violation.ContextMenu])
}

func TestFinalEventsSurviveFullQueue(t *testing.T) {
	srv, err := NewServer(ServerConfig{SocketPath: socketPath(t), Logger: logging.Nop()})
	require.NoError(t, err)

	local, remote := net.Pipe()
	defer remote.Close()
	srv.peers["p"] = &peer{id: "p", conn: local}

	queued := cap(srv.outbound)
	for i := 0; i < queued; i++ {
		srv.publish("p", &Event{Type: EventWarning, SessionID: "s"})
	}
	srv.publish("p", &Event{Type: EventWarning, SessionID: "dropped"})
	srv.publish("p", &Event{Type: EventTermination, SessionID: "s"})

	got := make(chan []EventType, 1)
	go func() {
		var types []EventType
		for range queued + 1 {
			msg, err := ReadMessage(remote)
			if err != nil {
				break
			}
			var ev Event
			if Decode(msg.Header.Flags, msg.Payload, &ev) != nil {
				break
			}
			types = append(types, ev.Type)
		}
		got <- types
	}()

	srv.broadcaster.Add(1)
	go srv.eventBroadcaster()

	var types []EventType
	select {
	case types = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("events not delivered")
	}
	close(srv.outbound)
	srv.broadcaster.Wait()
	local.Close()

	require.Len(t, types, queued+1)
	for _, typ := range types[:queued] {
		assert.Equal(t, EventWarning, typ)
	}
	assert.Equal(t, EventTermination, types[queued])
	assert.True(t, EventSessionStopped.Final())
	assert.False(t, EventWarning.Final())
}
