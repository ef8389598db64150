package track

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	// DefaultBackgroundInterval re-sends the cached fix while backgrounded,
	// where watch updates are unreliable.
	DefaultBackgroundInterval = 60 * time.Second

	// DefaultFixTimeout bounds a single position request.
	DefaultFixTimeout = 10 * time.Second
)

// Publisher drives sensor fixes through the throttle and hands the survivors
// to Send. A keepalive timer guarantees a transmission at least every
// MaxSilence even when every sample is throttled away.
type Publisher struct {
	Sensor             Sensor
	Throttle           *Throttle
	Send               func(Sample) // called for every sample worth transmitting
	OnError            func(error)  // sensor failures; stream keeps going
	Background         func() bool  // client foreground/background hint
	BackgroundInterval time.Duration

	clock clockwork.Clock
	log   *zap.SugaredLogger

	mu        sync.Mutex
	lastKnown *Sample
}

// NewPublisher wires a publisher; Send must be non-nil.
func NewPublisher(sensor Sensor, throttle *Throttle, send func(Sample), clock clockwork.Clock, log *zap.SugaredLogger) *Publisher {
	return &Publisher{
		Sensor:             sensor,
		Throttle:           throttle,
		Send:               send,
		BackgroundInterval: DefaultBackgroundInterval,
		clock:              clock,
		log:                log,
	}
}

// LastKnown returns the most recent fix seen, sent or not. Used to bridge
// reconnect gaps and for persistence.
func (p *Publisher) LastKnown() *Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastKnown == nil {
		return nil
	}
	s := *p.lastKnown
	return &s
}

// SetLastKnown seeds the cached fix, e.g. from a restored snapshot.
func (p *Publisher) SetLastKnown(s Sample) {
	p.mu.Lock()
	p.lastKnown = &s
	p.mu.Unlock()
}

func (p *Publisher) remember(s Sample) {
	p.mu.Lock()
	p.lastKnown = &s
	p.mu.Unlock()
}

func (p *Publisher) inBackground() bool {
	return p.Background != nil && p.Background()
}

// Run consumes the watch stream until ctx is cancelled. Sensor errors are
// reported and the subscription keeps retrying; only context cancellation
// ends the loop.
func (p *Publisher) Run(ctx context.Context) error {
	samples, err := p.Sensor.Watch(ctx)
	if err != nil {
		if p.OnError != nil {
			p.OnError(err)
		}
		return err
	}

	keepalive := p.clock.NewTimer(p.Throttle.MaxSilence)
	defer keepalive.Stop()
	bgTicker := p.clock.NewTicker(p.BackgroundInterval)
	defer bgTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case s, ok := <-samples:
			if !ok {
				return errors.New("position stream closed")
			}
			p.remember(s)
			if p.Throttle.ShouldSend(s) {
				p.Send(s)
				p.Throttle.MarkSent(s)
				keepalive.Reset(p.Throttle.MaxSilence)
			}

		case <-keepalive.Chan():
			// Forced send: no movement, but prove we are alive.
			if last := p.LastKnown(); last != nil {
				p.Send(*last)
				p.Throttle.MarkSent(*last)
			}
			keepalive.Reset(p.Throttle.MaxSilence)

		case <-bgTicker.Chan():
			if p.inBackground() {
				if last := p.LastKnown(); last != nil {
					p.log.Debugw("background re-send", "lat", last.Latitude, "lon", last.Longitude)
					p.Send(*last)
					p.Throttle.MarkSent(*last)
				}
			}
		}
	}
}
