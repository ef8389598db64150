// Package client owns one session from page-load to teardown. It wires the
// connection, the state store, the change detector, the render coordinator,
// the throttled position publisher and the persistence bridge behind a
// single event loop; user actions and inbound messages are both funneled
// through that loop, so state mutation is single-writer.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"meetpoint/data"
	"meetpoint/geo"
	"meetpoint/mapview"
	"meetpoint/notify"
	"meetpoint/protocol"
	"meetpoint/session"
	"meetpoint/socket"
	"meetpoint/track"
)

const (
	DefaultSaveInterval     = 30 * time.Second
	DefaultFixTimeout       = track.DefaultFixTimeout
	DefaultNameDebounce     = 500 * time.Millisecond
	DefaultConfirmStopDelay = time.Second
	DefaultResumeWindow     = 5 * time.Minute
)

// Conn is the connection surface the client needs. *socket.Manager
// implements it; tests substitute a fake.
type Conn interface {
	Connect()
	Send(*protocol.Message) error
	Messages() <-chan *protocol.Message
	StatusChanges() <-chan socket.Status
	SetBackground(bool)
	State() socket.State
	Shutdown()
}

// Config identifies the session and carries the client-level tunables.
type Config struct {
	SessionID     string
	ParticipantID string
	Name          string
	ExpiresAt     time.Time

	SaveInterval     time.Duration
	FixTimeout       time.Duration
	NameDebounce     time.Duration
	ConfirmStopDelay time.Duration
	// ResumeWindow bounds auto-resume of sharing after a reload.
	ResumeWindow time.Duration

	View mapview.Config
}

func (c *Config) withDefaults() {
	if c.SaveInterval <= 0 {
		c.SaveInterval = DefaultSaveInterval
	}
	if c.FixTimeout <= 0 {
		c.FixTimeout = DefaultFixTimeout
	}
	if c.NameDebounce <= 0 {
		c.NameDebounce = DefaultNameDebounce
	}
	if c.ConfirmStopDelay <= 0 {
		c.ConfirmStopDelay = DefaultConfirmStopDelay
	}
	if c.ResumeWindow <= 0 {
		c.ResumeWindow = DefaultResumeWindow
	}
}

// Deps are the injected collaborators.
type Deps struct {
	Conn     Conn // optional; usually set via BindSocket
	Sensor   track.Sensor
	Renderer mapview.Renderer
	Sink     notify.Sink
	Bridge   *data.Bridge
	Clock    clockwork.Clock
	Log      *zap.SugaredLogger
}

// Client is the session context object.
type Client struct {
	cfg   Config
	clock clockwork.Clock
	log   *zap.SugaredLogger

	conn     Conn
	sensor   track.Sensor
	bridge   *data.Bridge
	store    *session.Store
	detector *session.Detector
	throttle *track.Throttle
	emitter  *notify.Emitter
	coord    *mapview.Coordinator

	actions chan func()
	done    chan struct{}
	doneOne sync.Once

	// guarded by stateMu: read from publisher/socket goroutines
	stateMu    sync.Mutex
	background bool
	lastFix    *track.Sample

	// loop-owned
	pubCancel        context.CancelFunc
	nameTimer        clockwork.Timer
	confirmTimer     clockwork.Timer
	sharingStartedAt time.Time
	lastContact      time.Time
}

// New builds a client. Call BindSocket (or supply Deps.Conn) before Run.
func New(cfg Config, d Deps) *Client {
	cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		clock:   d.Clock,
		log:     d.Log,
		conn:    d.Conn,
		sensor:  d.Sensor,
		bridge:  d.Bridge,
		actions: make(chan func(), 32),
		done:    make(chan struct{}),
	}
	c.store = session.New(cfg.ParticipantID, cfg.ExpiresAt)
	c.store.SetName(cfg.Name)
	c.detector = session.NewDetector(cfg.ParticipantID)
	c.throttle = track.NewThrottle(d.Clock)
	c.emitter = notify.New(d.Sink, c.sendIfOpen, cfg.ParticipantID, c.store.Name, d.Clock, d.Log.Named("notify"))
	c.coord = mapview.New(cfg.View, d.Renderer, c.store, d.Clock, d.Log.Named("mapview"))
	return c
}

// BindSocket attaches a socket manager, hooking up the join replay and the
// ping payload.
func (c *Client) BindSocket(m *socket.Manager) {
	m.OnOpen = c.handleOpen
	m.PingPayload = c.pingPayload
	c.conn = m
}

// Store exposes session state for the participant list and tests.
func (c *Client) Store() *session.Store { return c.store }

// Run restores persisted state, connects, and processes events until the
// context is cancelled or the session ends.
func (c *Client) Run(ctx context.Context) error {
	if c.conn == nil {
		return errors.New("client: no connection bound")
	}

	c.restore()
	c.conn.Connect()

	saveTicker := c.clock.NewTicker(c.cfg.SaveInterval)
	defer saveTicker.Stop()

	var expiryC <-chan time.Time
	if !c.cfg.ExpiresAt.IsZero() {
		d := c.cfg.ExpiresAt.Sub(c.clock.Now())
		if d < 0 {
			d = 0
		}
		t := c.clock.NewTimer(d)
		defer t.Stop()
		expiryC = t.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return ctx.Err()
		case <-c.done:
			c.teardown()
			return nil
		case m := <-c.conn.Messages():
			c.handleMessage(m)
		case st := <-c.conn.StatusChanges():
			c.handleStatus(st)
		case <-saveTicker.Chan():
			if c.store.Sharing() {
				c.persist()
			}
		case <-expiryC:
			c.expire()
		case fn := <-c.actions:
			fn()
		}
	}
}

// do runs fn on the event loop.
func (c *Client) do(fn func()) {
	select {
	case c.actions <- fn:
	case <-c.done:
	}
}

func (c *Client) finish() {
	c.doneOne.Do(func() { close(c.done) })
}

//
// inbound
//

func (c *Client) handleMessage(m *protocol.Message) {
	c.lastContact = c.clock.Now()
	switch m.Type {
	case protocol.TypeLocationUpdate, protocol.TypeBackgroundChange:
		if m.Locations == nil {
			return
		}
		entities, clearedFollow := c.store.Apply(m.Locations)
		if clearedFollow != "" {
			c.log.Infow("follow target no longer valid", "id", clearedFollow)
		}
		for _, ev := range c.detector.Diff(entities) {
			c.emitter.Emit(notify.Notice{Message: ev.Message, Severity: ev.Severity, Icon: ev.Icon})
		}
		c.coord.Render()
	case protocol.TypeNotification:
		c.emitter.HandleRemote(m)
	case protocol.TypeSessionExpired:
		c.expire()
	case protocol.TypeError:
		if m.IsExpiry() {
			c.expire()
			return
		}
		c.log.Warnw("broker error", "message", m.Text)
	case protocol.TypePong:
		// lastContact already updated
	default:
		c.log.Debugw("ignoring message", "type", m.Type)
	}
}

func (c *Client) handleStatus(st socket.Status) {
	c.log.Infow("connection status", "state", st.State.String(), "attempt", st.Attempt, "max", st.Max)
	if st.State == socket.StateFinal && !c.store.Expired() {
		c.emitter.Emit(notify.Notice{
			Message:  "Connection lost: retry limit reached",
			Severity: "danger",
			Icon:     "fas fa-plug",
		})
	}
}

// handleOpen runs after every successful dial: announce ourselves and, if we
// were sharing with a cached fix, bridge the gap spent disconnected.
func (c *Client) handleOpen() {
	status := protocol.StatusWaiting
	if c.store.Sharing() {
		status = protocol.StatusSharing
	}
	fix := c.cachedFix()
	join := &protocol.Message{
		Type:            protocol.TypeJoin,
		ParticipantID:   c.cfg.ParticipantID,
		ParticipantName: c.store.Name(),
		IsSharing:       c.store.Sharing(),
		HasCachedFix:    fix != nil,
		InitialStatus:   status,
	}
	if err := c.conn.Send(join); err != nil {
		c.log.Warnw("join failed", "error", err)
		return
	}
	if c.store.Sharing() && fix != nil {
		c.sendLocation(*fix)
	}
}

func (c *Client) pingPayload() *protocol.Message {
	return &protocol.Message{
		Type:          protocol.TypePing,
		ParticipantID: c.cfg.ParticipantID,
		Timestamp:     protocol.Stamp(c.clock.Now()),
		IsSharing:     c.store.Sharing(),
		HasPosition:   c.cachedFix() != nil,
	}
}

//
// user actions
//

// StartSharing acquires a first fix (bounded by FixTimeout) and begins
// publishing. Permission denial disables sharing intent; other sensor
// errors are reported and left to the caller to retry.
func (c *Client) StartSharing(ctx context.Context) {
	go func() {
		fix, err := track.Current(ctx, c.sensor, c.cfg.FixTimeout)
		if err != nil {
			c.do(func() { c.shareError(err) })
			return
		}
		c.do(func() { c.beginSharing(fix) })
	}()
}

func (c *Client) shareError(err error) {
	switch {
	case errors.Is(err, track.ErrPermissionDenied):
		c.store.SetSharing(false)
		c.emitter.Emit(notify.Notice{
			Message:  "Location permission denied",
			Severity: "danger",
			Icon:     "fas fa-ban",
		})
	case errors.Is(err, track.ErrTimeout):
		c.emitter.Emit(notify.Notice{
			Message:  "Timed out waiting for a position fix",
			Severity: "warning",
			Icon:     "fas fa-clock",
		})
	default:
		c.emitter.Emit(notify.Notice{
			Message:  "Position unavailable",
			Severity: "warning",
			Icon:     "fas fa-exclamation-triangle",
		})
	}
	c.log.Warnw("sharing not started", "error", err)
}

func (c *Client) beginSharing(fix track.Sample) {
	if c.store.Expired() || c.store.Sharing() {
		return
	}
	c.store.SetSharing(true)
	c.sharingStartedAt = c.clock.Now()
	c.throttle.Reset()
	c.setCachedFix(fix)

	pub := track.NewPublisher(c.sensor, c.throttle, func(s track.Sample) {
		c.setCachedFix(s)
		c.sendLocation(s)
	}, c.clock, c.log.Named("track"))
	pub.SetLastKnown(fix)
	pub.Background = c.inBackground
	pub.OnError = func(err error) { c.log.Warnw("position stream error", "error", err) }

	ctx, cancel := context.WithCancel(context.Background())
	c.pubCancel = cancel
	go pub.Run(ctx)

	c.sendLocation(fix)
	c.throttle.MarkSent(fix)

	// Sharing always snaps the view to ourselves.
	c.coord.FollowEntity(c.cfg.ParticipantID)
	c.persist()
}

// StopSharing reverts to waiting. The own record is synthesized immediately
// so the UI never waits for the broker echo.
func (c *Client) StopSharing() {
	c.do(func() { c.endSharing(true) })
}

func (c *Client) endSharing(announce bool) {
	if c.pubCancel != nil {
		c.pubCancel()
		c.pubCancel = nil
	}
	wasSharing := c.store.Sharing()
	c.throttle.Reset()
	c.sharingStartedAt = time.Time{}
	c.store.ApplyLocalStop()
	c.coord.Render()

	if announce && wasSharing {
		stop := &protocol.Message{
			Type:            protocol.TypeStopSharing,
			ParticipantID:   c.cfg.ParticipantID,
			ParticipantName: c.store.Name(),
			IsBackground:    c.inBackground(),
			ClearLocation:   true,
			Timestamp:       protocol.Stamp(c.clock.Now()),
		}
		c.sendIfOpen(stop)

		// Backgrounded tabs lose frames; confirm the stop once more.
		if c.inBackground() {
			if c.confirmTimer != nil {
				c.confirmTimer.Stop()
			}
			c.confirmTimer = c.clock.AfterFunc(c.cfg.ConfirmStopDelay, func() {
				if c.store.Sharing() {
					return
				}
				c.sendIfOpen(&protocol.Message{
					Type:            protocol.TypeConfirmStopSharing,
					ParticipantID:   c.cfg.ParticipantID,
					ParticipantName: c.store.Name(),
					IsBackground:    true,
					Timestamp:       protocol.Stamp(c.clock.Now()),
				})
			})
		}
	}
	c.persist()
}

// SetName updates the local display name and pushes it to peers, debounced
// so keystrokes do not flood the wire.
func (c *Client) SetName(name string) {
	c.do(func() {
		name = session.TruncateName(name)
		c.store.SetName(name)
		c.persist()
		if c.nameTimer != nil {
			c.nameTimer.Stop()
		}
		c.nameTimer = c.clock.AfterFunc(c.cfg.NameDebounce, func() {
			c.sendIfOpen(&protocol.Message{
				Type:            protocol.TypeNameUpdate,
				ParticipantID:   c.cfg.ParticipantID,
				ParticipantName: name,
			})
		})
	})
}

// Follow starts following an entity; Unfollow stops.
func (c *Client) Follow(id string) {
	c.do(func() { c.coord.FollowEntity(id) })
}

func (c *Client) Unfollow() {
	c.do(func() { c.store.ClearFollow() })
}

// SetBackground records a visibility change and tells both the broker and
// the connection manager about it.
func (c *Client) SetBackground(bg bool) {
	c.do(func() {
		c.stateMu.Lock()
		was := c.background
		c.background = bg
		c.stateMu.Unlock()
		c.conn.SetBackground(bg)

		c.sendIfOpen(&protocol.Message{
			Type:            protocol.TypeBackgroundStatus,
			ParticipantID:   c.cfg.ParticipantID,
			ParticipantName: c.store.Name(),
			IsBackground:    bg,
			HasPosition:     c.cachedFix() != nil,
			IsSharing:       c.store.Sharing(),
			Timestamp:       protocol.Stamp(c.clock.Now()),
		})

		if was && !bg {
			// Foreground return: make sure the connection is alive, and if
			// we are not sharing, reassert waiting so a missed stop frame
			// cannot leave a ghost marker.
			if c.conn.State() != socket.StateOpen {
				c.conn.Connect()
			} else if !c.store.Sharing() {
				c.sendIfOpen(&protocol.Message{
					Type:            protocol.TypeSyncStatus,
					ParticipantID:   c.cfg.ParticipantID,
					ParticipantName: c.store.Name(),
					IsSharing:       false,
					Status:          protocol.StatusWaiting,
				})
			}
		}
	})
}

// Leave exits the session for good: announce, clear persisted state, drop
// the connection.
func (c *Client) Leave() {
	c.do(func() {
		c.sendIfOpen(&protocol.Message{
			Type:          protocol.TypeLeave,
			ParticipantID: c.cfg.ParticipantID,
		})
		c.endSharing(true)
		if c.bridge != nil {
			c.bridge.Clear()
		}
		c.finish()
	})
}

// MapView exposes the coordinator for view gestures (drag, zoom, reset).
func (c *Client) MapView() *mapview.Coordinator { return c.coord }

//
// expiry, persistence, teardown
//

// expire enforces the hard session boundary: terminal, persisted state
// cleared once, no reconnects.
func (c *Client) expire() {
	if !c.store.MarkExpired() {
		return
	}
	c.log.Infow("session expired", "session", c.cfg.SessionID)
	c.endSharing(false)
	if c.bridge != nil {
		c.bridge.Clear()
	}
	c.emitter.Emit(notify.Notice{
		Message:  "Session expired",
		Severity: "danger",
		Icon:     "fas fa-hourglass-end",
	})
	c.finish()
}

func (c *Client) restore() {
	if c.bridge == nil {
		return
	}
	snap, err := c.bridge.Restore()
	if err != nil {
		c.log.Warnw("state restore failed", "error", err)
		return
	}
	if snap == nil {
		return
	}
	if snap.DisplayName != "" {
		c.store.SetName(snap.DisplayName)
	}
	if snap.LastPosition != nil {
		c.setCachedFix(track.Sample{
			Latitude:  snap.LastPosition.Latitude,
			Longitude: snap.LastPosition.Longitude,
			Accuracy:  snap.LastPosition.Accuracy,
			Timestamp: snap.LastPosition.Timestamp,
		})
	}
	if snap.IsSharing && c.clock.Now().Sub(snap.SharingStartedAt) < c.cfg.ResumeWindow {
		c.log.Infow("resuming sharing from saved state")
		c.emitter.Emit(notify.Notice{
			Message:  "Restored previous sharing state",
			Severity: "info",
			Icon:     "fas fa-history",
		})
		c.StartSharing(context.Background())
	}
}

func (c *Client) persist() {
	if c.bridge == nil {
		return
	}
	snap := data.Snapshot{
		IsSharing:        c.store.Sharing(),
		DisplayName:      c.store.Name(),
		SharingStartedAt: c.sharingStartedAt,
	}
	if fix := c.cachedFix(); fix != nil {
		snap.LastPosition = &data.Position{
			Latitude:  fix.Latitude,
			Longitude: fix.Longitude,
			Accuracy:  fix.Accuracy,
			Timestamp: fix.Timestamp,
		}
	}
	if err := c.bridge.Save(snap); err != nil {
		c.log.Warnw("state save failed", "error", err)
	}
}

func (c *Client) teardown() {
	if c.store.Sharing() {
		c.persist()
		c.sendIfOpen(&protocol.Message{
			Type:            protocol.TypeOffline,
			ParticipantID:   c.cfg.ParticipantID,
			ParticipantName: c.store.Name(),
			IsBackground:    c.inBackground(),
		})
	}
	if c.pubCancel != nil {
		c.pubCancel()
		c.pubCancel = nil
	}
	if c.nameTimer != nil {
		c.nameTimer.Stop()
	}
	if c.confirmTimer != nil {
		c.confirmTimer.Stop()
	}
	c.coord.Close()
	c.conn.Shutdown()
}

//
// helpers
//

func (c *Client) sendIfOpen(m *protocol.Message) error {
	err := c.conn.Send(m)
	if err != nil && !errors.Is(err, socket.ErrNotConnected) {
		c.log.Warnw("send failed", "type", m.Type, "error", err)
	}
	return err
}

func (c *Client) sendLocation(s track.Sample) {
	lat, lon := s.Latitude, s.Longitude
	msg := &protocol.Message{
		Type:            protocol.TypeLocationUpdate,
		ParticipantID:   c.cfg.ParticipantID,
		ParticipantName: c.store.Name(),
		Latitude:        &lat,
		Longitude:       &lon,
		Accuracy:        geo.NormalizeAccuracy(s.Accuracy),
		Timestamp:       protocol.Stamp(c.clock.Now()),
		IsBackground:    c.inBackground(),
	}
	c.sendIfOpen(msg)
}

func (c *Client) inBackground() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.background
}

func (c *Client) cachedFix() *track.Sample {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.lastFix == nil {
		return nil
	}
	s := *c.lastFix
	return &s
}

func (c *Client) setCachedFix(s track.Sample) {
	c.stateMu.Lock()
	c.lastFix = &s
	c.stateMu.Unlock()
}
