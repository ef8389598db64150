// Package socket owns the single logical connection to the session broker:
// dialing, the reconnect-with-backoff state machine, the liveness ping and
// the debounced status feed the UI consumes.
package socket

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"meetpoint/protocol"
)

// State of the logical connection. Exactly one live socket exists at a time.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateRetrying // closed, reconnect scheduled
	StateFinal    // terminal: expiry, leave, or attempt ceiling reached
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateRetrying:
		return "retrying"
	case StateFinal:
		return "final"
	}
	return "unknown"
}

// Status is a debounced connection status update.
type Status struct {
	State   State
	Attempt int // reconnect attempt count when retrying
	Max     int // attempt ceiling in effect
}

// Config holds the reconnect policy and timing knobs.
type Config struct {
	URL string

	BaseDelay  time.Duration // first reconnect delay
	MaxDelay   time.Duration // backoff cap
	Multiplier float64

	// Background connections get a lower attempt ceiling: a hidden tab
	// should not fight for the network the way a visible one does.
	MaxAttempts           int
	MaxBackgroundAttempts int

	PingInterval     time.Duration
	StatusHysteresis time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 1.5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.MaxBackgroundAttempts <= 0 {
		c.MaxBackgroundAttempts = 5
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.StatusHysteresis <= 0 {
		c.StatusHysteresis = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

var (
	ErrNotConnected = errors.New("socket: not connected")
	ErrFinal        = errors.New("socket: connection is final")
)

// Manager implements the connection state machine. Inbound messages come out
// of Messages(); malformed frames are logged and dropped, never delivered.
type Manager struct {
	cfg    Config
	clock  clockwork.Clock
	log    *zap.SugaredLogger
	dialer *websocket.Dialer

	// PingPayload builds the periodic liveness probe. Set before Connect.
	PingPayload func() *protocol.Message
	// OnOpen runs after every successful dial (join + cached fix replay).
	OnOpen func()

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	gen         int // connection generation; stale callbacks are discarded
	attempts    int
	bgAttempts  int
	background  bool
	lastSuccess time.Time
	retryTimer  clockwork.Timer
	pingStop    chan struct{}

	smu           sync.Mutex
	pending       Status
	havePending   bool
	published     Status
	havePublished bool
	statusTimer   clockwork.Timer

	inbound chan *protocol.Message
	status  chan Status
}

// New creates a manager; it stays idle until Connect.
func New(cfg Config, clock clockwork.Clock, log *zap.SugaredLogger) *Manager {
	cfg.withDefaults()
	return &Manager{
		cfg:   cfg,
		clock: clock,
		log:   log,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		inbound: make(chan *protocol.Message, 64),
		status:  make(chan Status, 16),
	}
}

// Messages is the inbound message stream.
func (m *Manager) Messages() <-chan *protocol.Message {
	return m.inbound
}

// StatusChanges is the debounced status stream. A status is published only
// after it has held for the hysteresis window, and repeats are suppressed,
// so rapid reconnect cycles do not flicker.
func (m *Manager) StatusChanges() <-chan Status {
	return m.status
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastSuccess returns the time of the last successful open.
func (m *Manager) LastSuccess() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSuccess
}

// SetBackground records the foreground/background hint. Returning to the
// foreground resets the background attempt counter so reconnection resumes.
func (m *Manager) SetBackground(bg bool) {
	m.mu.Lock()
	wasBg := m.background
	m.background = bg
	if wasBg && !bg {
		m.bgAttempts = 0
	}
	m.mu.Unlock()
}

// Connect starts dialing. Safe to call from any state except final; a live
// connection is superseded (its callbacks discarded) before the new dial.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state == StateFinal {
		m.mu.Unlock()
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.dropConnLocked()
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.mu.Unlock()

	m.publish(Status{State: StateConnecting})
	go m.dial(gen)
}

// dropConnLocked invalidates the current connection. Its reader goroutine
// will fail and be ignored because its generation is stale.
func (m *Manager) dropConnLocked() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
}

func (m *Manager) dial(gen int) {
	conn, _, err := m.dialer.Dial(m.cfg.URL, nil)

	m.mu.Lock()
	if gen != m.gen || m.state == StateFinal {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.log.Warnw("dial failed", "url", m.cfg.URL, "error", err)
		m.handleClose(gen)
		return
	}

	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	m.bgAttempts = 0
	m.lastSuccess = m.clock.Now()
	stop := make(chan struct{})
	m.pingStop = stop
	m.mu.Unlock()

	m.log.Infow("connected", "url", m.cfg.URL)
	m.publish(Status{State: StateOpen})

	go m.readLoop(gen, conn)
	go m.pingLoop(gen, stop)

	if m.OnOpen != nil {
		m.OnOpen()
	}
}

func (m *Manager) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen)
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			// Never let one garbled frame corrupt state: drop it.
			m.log.Warnw("dropping malformed message", "error", err)
			continue
		}
		m.mu.Lock()
		stale := gen != m.gen
		m.mu.Unlock()
		if stale {
			return
		}
		select {
		case m.inbound <- msg:
		default:
			m.log.Warnw("inbound buffer full, dropping message", "type", msg.Type)
		}
	}
}

// pingLoop sends the liveness probe while open. A failed send triggers an
// immediate reconnect instead of waiting for the transport's own close,
// shortening detection of half-open connections.
func (m *Manager) pingLoop(gen int, stop chan struct{}) {
	ticker := m.clock.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			var msg *protocol.Message
			if m.PingPayload != nil {
				msg = m.PingPayload()
			} else {
				msg = &protocol.Message{Type: protocol.TypePing}
			}
			if err := m.Send(msg); err != nil {
				m.log.Warnw("ping failed, reconnecting", "error", err)
				m.handleClose(gen)
				return
			}
		}
	}
}

// Send writes one message to the live connection.
func (m *Manager) Send(msg *protocol.Message) error {
	b, err := msg.Encode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateOpen || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	gen := m.gen
	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, b)
	m.mu.Unlock()

	if err != nil {
		m.handleClose(gen)
		return err
	}
	return nil
}

// handleClose reacts to a lost connection: schedule a backoff reconnect, or
// go final once the attempt ceiling is reached. Calls carrying a superseded
// generation are ignored so a delayed close from an old socket cannot
// disturb the current one.
func (m *Manager) handleClose(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.state == StateFinal || m.state == StateRetrying {
		m.mu.Unlock()
		return
	}
	m.dropConnLocked()

	attempts, ceiling := m.attempts, m.cfg.MaxAttempts
	if m.background {
		attempts, ceiling = m.bgAttempts, m.cfg.MaxBackgroundAttempts
	}

	if attempts >= ceiling {
		m.state = StateFinal
		m.mu.Unlock()
		m.log.Errorw("reconnect ceiling reached", "attempts", attempts, "max", ceiling)
		m.publish(Status{State: StateFinal, Attempt: attempts, Max: ceiling})
		return
	}

	delay := Backoff(m.cfg, attempts)
	if m.background {
		m.bgAttempts++
	} else {
		m.attempts++
	}
	next := attempts + 1
	m.state = StateRetrying
	m.retryTimer = m.clock.AfterFunc(delay, m.Connect)
	m.mu.Unlock()

	m.log.Infow("reconnect scheduled", "attempt", next, "max", ceiling, "delay", delay)
	m.publish(Status{State: StateRetrying, Attempt: next, Max: ceiling})
}

// Backoff computes the reconnect delay for an attempt count. Monotonically
// non-decreasing and capped at MaxDelay.
func Backoff(cfg Config, attempt int) time.Duration {
	d := time.Duration(float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt)))
	if d > cfg.MaxDelay || d < 0 {
		return cfg.MaxDelay
	}
	return d
}

// publish queues a status update behind the hysteresis window. If the state
// changes again before the window elapses, the earlier value is never seen.
func (m *Manager) publish(st Status) {
	m.smu.Lock()
	defer m.smu.Unlock()
	m.pending = st
	m.havePending = true
	if m.statusTimer != nil {
		m.statusTimer.Stop()
	}
	m.statusTimer = m.clock.AfterFunc(m.cfg.StatusHysteresis, m.flushStatus)
}

func (m *Manager) flushStatus() {
	m.smu.Lock()
	if !m.havePending {
		m.smu.Unlock()
		return
	}
	st := m.pending
	m.havePending = false
	if m.havePublished && st == m.published {
		m.smu.Unlock()
		return
	}
	m.published = st
	m.havePublished = true
	m.smu.Unlock()

	select {
	case m.status <- st:
	default:
	}
}

// Shutdown moves to the terminal state and releases everything: no further
// reconnection, all timers stopped. Used on leave and session expiry.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.state == StateFinal {
		m.mu.Unlock()
		return
	}
	m.state = StateClosing
	m.gen++ // invalidate in-flight callbacks
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.conn != nil {
		m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	m.dropConnLocked()
	m.state = StateFinal
	m.mu.Unlock()

	m.smu.Lock()
	if m.statusTimer != nil {
		m.statusTimer.Stop()
		m.statusTimer = nil
	}
	m.smu.Unlock()
}
