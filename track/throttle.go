package track

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"meetpoint/geo"
)

// Throttle defaults, tuned against real GPS jitter.
const (
	DefaultMinInterval   = 3 * time.Second
	DefaultMoveThreshold = 10.0 // meters
	DefaultMaxSilence    = 45 * time.Second
)

// Throttle decides whether a fix is worth transmitting, from elapsed time
// and distance moved since the last send. ShouldSend is pure; callers record
// an actual transmission with MarkSent.
type Throttle struct {
	MinInterval   time.Duration
	MoveThreshold float64
	MaxSilence    time.Duration

	clock clockwork.Clock

	mu       sync.Mutex
	hasLast  bool
	lastAt   time.Time
	lastLat  float64
	lastLon  float64
}

// NewThrottle creates a throttle with the default policy.
func NewThrottle(clock clockwork.Clock) *Throttle {
	return &Throttle{
		MinInterval:   DefaultMinInterval,
		MoveThreshold: DefaultMoveThreshold,
		MaxSilence:    DefaultMaxSilence,
		clock:         clock,
	}
}

// ShouldSend applies the policy in priority order: rate limit, first fix,
// movement threshold, keepalive.
func (t *Throttle) ShouldSend(s Sample) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if t.hasLast && now.Sub(t.lastAt) < t.MinInterval {
		return false
	}
	if !t.hasLast {
		return true
	}
	if geo.Distance(t.lastLat, t.lastLon, s.Latitude, s.Longitude) >= t.MoveThreshold {
		return true
	}
	// Keepalive: prove liveness even when stationary.
	if now.Sub(t.lastAt) >= t.MaxSilence {
		return true
	}
	return false
}

// MarkSent records a transmitted fix.
func (t *Throttle) MarkSent(s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasLast = true
	t.lastAt = t.clock.Now()
	t.lastLat = s.Latitude
	t.lastLon = s.Longitude
}

// Reset forgets throttle bookkeeping, so the next fix after a restart is
// always sent.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasLast = false
	t.lastAt = time.Time{}
	t.lastLat, t.lastLon = 0, 0
}
