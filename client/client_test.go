package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meetpoint/data"
	"meetpoint/mapview"
	"meetpoint/notify"
	"meetpoint/protocol"
	"meetpoint/socket"
	"meetpoint/track"
)

func f(v float64) *float64 { return &v }

type fakeConn struct {
	mu        sync.Mutex
	sent      []*protocol.Message
	state     socket.State
	connects  int
	shutdowns int

	inbound chan *protocol.Message
	status  chan socket.Status
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		state:   socket.StateOpen,
		inbound: make(chan *protocol.Message, 16),
		status:  make(chan socket.Status, 16),
	}
}

func (c *fakeConn) Connect() {
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
}

func (c *fakeConn) Send(m *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != socket.StateOpen {
		return socket.ErrNotConnected
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeConn) Messages() <-chan *protocol.Message  { return c.inbound }
func (c *fakeConn) StatusChanges() <-chan socket.Status { return c.status }
func (c *fakeConn) SetBackground(bg bool)               {}

func (c *fakeConn) State() socket.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) Shutdown() {
	c.mu.Lock()
	c.shutdowns++
	c.mu.Unlock()
}

func (c *fakeConn) typed(t protocol.Type) []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Message
	for _, m := range c.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) shutdownCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdowns
}

type recordSink struct {
	mu    sync.Mutex
	shown []notify.Notice
}

func (s *recordSink) Show(n notify.Notice) {
	s.mu.Lock()
	s.shown = append(s.shown, n)
	s.mu.Unlock()
}

func (s *recordSink) contains(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.shown {
		if n.Message == substr {
			return true
		}
	}
	return false
}

type nopRenderer struct{}

func (nopRenderer) UpsertMarker(m mapview.Marker)                                    {}
func (nopRenderer) RemoveMarker(id string)                                           {}
func (nopRenderer) UpsertAccuracy(id string, lat, lon, radius float64, color string) {}
func (nopRenderer) RemoveAccuracy(id string)                                         {}
func (nopRenderer) Pulse(id string, lat, lon, radius float64, color string)          {}
func (nopRenderer) RemovePulse(id string)                                            {}
func (nopRenderer) SetView(lat, lon float64, zoom int)                               {}
func (nopRenderer) FitBounds(b mapview.Bounds)                                       {}

type harness struct {
	client *Client
	conn   *fakeConn
	sink   *recordSink
	clock  clockwork.FakeClock
	bridge  *data.Bridge
	errCh   chan error
	runDone chan struct{}
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, sensor track.Sensor) *harness {
	t.Helper()
	store, err := data.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClock()
	conn := newFakeConn()
	sink := &recordSink{}
	bridge := data.NewBridge(store, "sess", "me", clock)

	if sensor == nil {
		sensor = &track.StaticSensor{Lat: 52.52, Lon: 13.405, Accuracy: 25, Interval: time.Hour}
	}

	c := New(Config{
		SessionID:     "sess",
		ParticipantID: "me",
		Name:          "Me",
	}, Deps{
		Conn:     conn,
		Sensor:   sensor,
		Renderer: nopRenderer{},
		Sink:     sink,
		Bridge:   bridge,
		Clock:    clock,
		Log:      zap.NewNop().Sugar(),
	})

	return &harness{client: c, conn: conn, sink: sink, clock: clock, bridge: bridge}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.errCh = make(chan error, 1)
	h.runDone = make(chan struct{})
	go func() {
		h.errCh <- h.client.Run(ctx)
		close(h.runDone)
	}()
	// Test bodies may consume the Run result themselves; the cleanup only
	// waits for the loop to have exited.
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.runDone:
		case <-time.After(2 * time.Second):
			t.Error("client did not stop")
		}
	})
}

func sharing(id, name string, lat, lon float64) protocol.Location {
	return protocol.Location{
		ParticipantID:   id,
		ParticipantName: name,
		Status:          protocol.StatusSharing,
		Latitude:        f(lat),
		Longitude:       f(lon),
		Accuracy:        f(20),
		IsOnline:        true,
	}
}

// snapshot builds an authoritative update. Zero entries still means a
// present, empty locations list, exactly as "locations": [] arrives over
// the wire; only a missing list is ignored.
func snapshot(locs ...protocol.Location) *protocol.Message {
	return &protocol.Message{
		Type:      protocol.TypeLocationUpdate,
		Locations: append([]protocol.Location{}, locs...),
	}
}

func TestSnapshotUpdatesStoreAndNotifies(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.conn.inbound <- snapshot(sharing("a", "Alice", 52.52, 13.405))

	require.Eventually(t, func() bool {
		_, ok := h.client.Store().Entity("a")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return h.sink.contains("Alice joined the session")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEmptySnapshotClearsEntities(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.conn.inbound <- snapshot(sharing("a", "Alice", 52.52, 13.405))
	require.Eventually(t, func() bool {
		_, ok := h.client.Store().Entity("a")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// An empty locations list is a real snapshot: everyone is gone.
	h.conn.inbound <- snapshot()
	require.Eventually(t, func() bool {
		_, ok := h.client.Store().Entity("a")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.sink.contains("Alice left the session")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshotWithoutLocationsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.conn.inbound <- snapshot(sharing("a", "Alice", 52.52, 13.405))
	require.Eventually(t, func() bool {
		_, ok := h.client.Store().Entity("a")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// A location_update with no locations field at all is malformed for
	// our purposes and must not wipe the entity map. The trailing
	// notification proves the loop got past the nil snapshot.
	h.conn.inbound <- &protocol.Message{Type: protocol.TypeLocationUpdate}
	h.conn.inbound <- &protocol.Message{
		Type:          protocol.TypeNotification,
		ParticipantID: "x",
		Text:          "checkpoint",
		Severity:      "info",
	}
	require.Eventually(t, func() bool {
		return h.sink.contains("checkpoint")
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := h.client.Store().Entity("a")
	assert.True(t, ok, "nil locations must not be treated as an empty snapshot")
}

func TestFollowClearedWhenTargetLeaves(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.conn.inbound <- snapshot(sharing("a", "Alice", 52.52, 13.405))
	h.client.Follow("a")

	require.Eventually(t, func() bool {
		id, ok := h.client.Store().Following()
		return ok && id == "a"
	}, 2*time.Second, 10*time.Millisecond)

	// Alice drops out of the snapshot entirely.
	h.conn.inbound <- snapshot()

	require.Eventually(t, func() bool {
		_, ok := h.client.Store().Following()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartSharingNormalizesAccuracy(t *testing.T) {
	// Implausible sensor accuracy must go out as unknown, not as a number.
	sensor := &track.StaticSensor{Lat: 52.52, Lon: 13.405, Accuracy: 5000, Interval: time.Hour}
	h := newHarness(t, sensor)
	h.start(t)

	h.client.StartSharing(context.Background())

	require.Eventually(t, func() bool {
		return len(h.conn.typed(protocol.TypeLocationUpdate)) > 0
	}, 2*time.Second, 10*time.Millisecond)

	msg := h.conn.typed(protocol.TypeLocationUpdate)[0]
	require.NotNil(t, msg.Latitude)
	assert.Equal(t, 52.52, *msg.Latitude)
	assert.Nil(t, msg.Accuracy)
	assert.True(t, h.client.Store().Sharing())
}

func TestStopSharingSynthesizesWaitingState(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.client.StartSharing(context.Background())
	require.Eventually(t, func() bool {
		return h.client.Store().Sharing()
	}, 2*time.Second, 10*time.Millisecond)

	h.client.StopSharing()

	require.Eventually(t, func() bool {
		if h.client.Store().Sharing() {
			return false
		}
		me, ok := h.client.Store().Entity("me")
		return ok && me.Status == protocol.StatusWaiting && me.Position == nil
	}, 2*time.Second, 10*time.Millisecond)

	stops := h.conn.typed(protocol.TypeStopSharing)
	require.Len(t, stops, 1)
	assert.True(t, stops[0].ClearLocation, "peers must drop the marker immediately")
}

func TestSessionExpiredIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.conn.inbound <- &protocol.Message{Type: protocol.TypeSessionExpired}

	select {
	case err := <-h.errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not terminate on expiry")
	}

	assert.True(t, h.client.Store().Expired())
	assert.GreaterOrEqual(t, h.conn.shutdownCount(), 1)
	assert.True(t, h.sink.contains("Session expired"))

	// Persisted state is gone; a reload must not resurrect the session.
	snap, err := h.bridge.Restore()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestExpiryViaErrorMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.conn.inbound <- &protocol.Message{Type: protocol.TypeError, Text: "session expired"}

	select {
	case err := <-h.errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not terminate on expiry error")
	}
	assert.True(t, h.client.Store().Expired())
}

func TestHandleOpenSendsJoin(t *testing.T) {
	h := newHarness(t, nil)

	h.client.handleOpen()

	joins := h.conn.typed(protocol.TypeJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "me", joins[0].ParticipantID)
	assert.Equal(t, "Me", joins[0].ParticipantName)
	assert.False(t, joins[0].IsSharing)
	assert.Equal(t, protocol.StatusWaiting, joins[0].InitialStatus)
}

func TestHandleOpenReplaysCachedFixWhileSharing(t *testing.T) {
	h := newHarness(t, nil)
	h.client.store.SetSharing(true)
	h.client.setCachedFix(track.Sample{Latitude: 52.52, Longitude: 13.405, Accuracy: 20})

	h.client.handleOpen()

	joins := h.conn.typed(protocol.TypeJoin)
	require.Len(t, joins, 1)
	assert.True(t, joins[0].IsSharing)
	assert.True(t, joins[0].HasCachedFix)
	assert.Equal(t, protocol.StatusSharing, joins[0].InitialStatus)

	// The cached fix bridges the time spent disconnected.
	updates := h.conn.typed(protocol.TypeLocationUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, 52.52, *updates[0].Latitude)
}

func TestPingPayload(t *testing.T) {
	h := newHarness(t, nil)

	msg := h.client.pingPayload()
	assert.Equal(t, protocol.TypePing, msg.Type)
	assert.Equal(t, "me", msg.ParticipantID)
	assert.False(t, msg.IsSharing)
	assert.False(t, msg.HasPosition)

	h.client.setCachedFix(track.Sample{Latitude: 52.52, Longitude: 13.405})
	assert.True(t, h.client.pingPayload().HasPosition)
}

func TestLeaveClearsStateAndDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	require.NoError(t, h.bridge.Save(data.Snapshot{DisplayName: "Me"}))

	h.client.Leave()

	select {
	case err := <-h.errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not terminate on leave")
	}

	require.Len(t, h.conn.typed(protocol.TypeLeave), 1)
	assert.GreaterOrEqual(t, h.conn.shutdownCount(), 1)

	snap, err := h.bridge.Restore()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRestoreResumesRecentSharing(t *testing.T) {
	h := newHarness(t, nil)

	// A fresh snapshot from a reload moments ago.
	require.NoError(t, h.bridge.Save(data.Snapshot{
		IsSharing:        true,
		DisplayName:      "Restored",
		LastPosition:     &data.Position{Latitude: 52.52, Longitude: 13.405, Accuracy: 20},
		SharingStartedAt: h.clock.Now(),
	}))

	h.start(t)

	require.Eventually(t, func() bool {
		return h.client.Store().Sharing()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Restored", h.client.Store().Name())
}

func TestSetNameDebounced(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.client.SetName("Alice")
	h.client.SetName("Alicia")

	// Before the debounce window elapses, nothing is on the wire.
	require.Eventually(t, func() bool {
		return h.client.Store().Name() == "Alicia"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.conn.typed(protocol.TypeNameUpdate))

	h.clock.Advance(DefaultNameDebounce)

	require.Eventually(t, func() bool {
		updates := h.conn.typed(protocol.TypeNameUpdate)
		return len(updates) == 1 && updates[0].ParticipantName == "Alicia"
	}, 2*time.Second, 10*time.Millisecond)
}
