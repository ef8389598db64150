package track

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type chanSensor struct {
	ch chan Sample
}

func (s *chanSensor) Current(ctx context.Context) (Sample, error) {
	select {
	case v := <-s.ch:
		return v, nil
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}
}

func (s *chanSensor) Watch(ctx context.Context) (<-chan Sample, error) {
	return s.ch, nil
}

func waitSend(t *testing.T, sent chan Sample) Sample {
	t.Helper()
	select {
	case s := <-sent:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no transmission")
		return Sample{}
	}
}

func TestPublisherSendsFirstFix(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sensor := &chanSensor{ch: make(chan Sample, 1)}
	sent := make(chan Sample, 8)

	p := NewPublisher(sensor, NewThrottle(clock), func(s Sample) { sent <- s }, clock, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	sensor.ch <- at(52.52, 13.405)
	got := waitSend(t, sent)
	require.Equal(t, 52.52, got.Latitude)

	require.NotNil(t, p.LastKnown())
}

func TestPublisherKeepaliveResendsLastKnown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sensor := &chanSensor{ch: make(chan Sample, 1)}
	sent := make(chan Sample, 8)

	p := NewPublisher(sensor, NewThrottle(clock), func(s Sample) { sent <- s }, clock, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	sensor.ch <- at(52.52, 13.405)
	waitSend(t, sent)

	// No movement, no samples: the keepalive still proves liveness.
	time.Sleep(10 * time.Millisecond)
	clock.Advance(46 * time.Second)
	got := waitSend(t, sent)
	require.Equal(t, 52.52, got.Latitude)
}

func TestPublisherBackgroundResend(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sensor := &chanSensor{ch: make(chan Sample, 1)}
	sent := make(chan Sample, 8)

	p := NewPublisher(sensor, NewThrottle(clock), func(s Sample) { sent <- s }, clock, zap.NewNop().Sugar())
	p.Background = func() bool { return true }
	p.BackgroundInterval = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	sensor.ch <- at(52.52, 13.405)
	waitSend(t, sent)

	time.Sleep(10 * time.Millisecond)
	clock.Advance(11 * time.Second)
	waitSend(t, sent)
}

func TestCurrentMapsDeadlineToTimeout(t *testing.T) {
	sensor := &chanSensor{ch: make(chan Sample)} // never delivers
	_, err := Current(context.Background(), sensor, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}
