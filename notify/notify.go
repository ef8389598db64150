// Package notify deduplicates and fans out human-readable events, both to
// the local display sink and to the other participants over the connection.
package notify

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"meetpoint/protocol"
)

const (
	// DefaultCooldown suppresses re-emission of identical message text.
	// Redundant snapshot deliveries would otherwise double every event.
	DefaultCooldown = 5 * time.Second

	// dedupe history is bounded; old entries fall out of the LRU.
	historySize = 256
)

// Notice is the ready-made tuple the page chrome consumes.
type Notice struct {
	Message  string
	Severity string
	Icon     string
}

// Sink displays notices. External collaborator; rendering is not ours.
type Sink interface {
	Show(n Notice)
}

// Emitter rate-limits per message text and forwards to the sink. It can also
// broadcast social events to peers so every participant sees them.
type Emitter struct {
	Cooldown time.Duration

	clock clockwork.Clock
	log   *zap.SugaredLogger
	sink  Sink
	send  func(*protocol.Message) error // nil when broadcasting is disabled

	selfID   string
	selfName func() string

	mu     sync.Mutex
	recent *lru.Cache // message text -> last emit time
}

// New creates an emitter. send may be nil for display-only use.
func New(sink Sink, send func(*protocol.Message) error, selfID string, selfName func() string, clock clockwork.Clock, log *zap.SugaredLogger) *Emitter {
	return &Emitter{
		Cooldown: DefaultCooldown,
		clock:    clock,
		log:      log,
		sink:     sink,
		send:     send,
		selfID:   selfID,
		selfName: selfName,
		recent:   lru.New(historySize),
	}
}

// allowed checks and records the cooldown for a message text.
func (e *Emitter) allowed(text string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	if v, ok := e.recent.Get(text); ok {
		if last, ok := v.(time.Time); ok && now.Sub(last) < e.Cooldown {
			return false
		}
	}
	e.recent.Add(text, now)
	return true
}

// Emit shows a notice locally, unless the same text fired within the
// cooldown window.
func (e *Emitter) Emit(n Notice) {
	if !e.allowed(n.Message) {
		e.log.Debugw("suppressed duplicate notification", "message", n.Message)
		return
	}
	e.sink.Show(n)
}

// Broadcast sends a notice to every participant over the connection and,
// unless excludeSelf is set, shows it locally too.
func (e *Emitter) Broadcast(n Notice, excludeSelf bool) {
	if e.send != nil {
		msg := &protocol.Message{
			Type:            protocol.TypeNotification,
			ParticipantID:   e.selfID,
			ParticipantName: e.selfName(),
			Text:            n.Message,
			Severity:        n.Severity,
			Icon:            n.Icon,
			ExcludeSelf:     excludeSelf,
			Timestamp:       protocol.Stamp(e.clock.Now()),
		}
		if err := e.send(msg); err != nil {
			e.log.Warnw("notification broadcast failed", "error", err)
		}
	}
	if !excludeSelf {
		e.Emit(n)
	}
}

// HandleRemote processes a notification from another participant. Our own
// exclude-self broadcasts come back from the broker and are skipped here.
func (e *Emitter) HandleRemote(m *protocol.Message) {
	if m.ExcludeSelf && m.ParticipantID == e.selfID {
		return
	}
	e.Emit(Notice{Message: m.Text, Severity: m.Severity, Icon: m.Icon})
}
