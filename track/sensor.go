// Package track turns raw geolocation fixes into the throttled stream of
// position updates that actually goes over the wire.
package track

import (
	"context"
	"errors"
	"time"
)

// Sensor errors, mirroring the platform geolocation taxonomy. Permission
// denial disables local sharing; the other two are retried by the ongoing
// watch subscription.
var (
	ErrPermissionDenied = errors.New("geolocation permission denied")
	ErrUnavailable      = errors.New("position unavailable")
	ErrTimeout          = errors.New("position request timed out")
)

// Sample is one geolocation fix.
type Sample struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64 // meters, raw; normalized before transmission
	Timestamp time.Time
}

// Sensor produces position fixes. The watch channel is a lazy, infinite,
// non-restartable stream: it closes only when the context is cancelled.
type Sensor interface {
	Current(ctx context.Context) (Sample, error)
	Watch(ctx context.Context) (<-chan Sample, error)
}

// Current fetches one fix with a deadline, mapping deadline expiry to
// ErrTimeout so callers see the sensor taxonomy instead of context errors.
func Current(ctx context.Context, sensor Sensor, timeout time.Duration) (Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	s, err := sensor.Current(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return Sample{}, ErrTimeout
	}
	return s, err
}

// StaticSensor reports a fixed position on a fixed cadence. Used by the demo
// binary and tests; real deployments plug in a platform sensor.
type StaticSensor struct {
	Lat, Lon float64
	Accuracy float64
	Interval time.Duration
}

func (s *StaticSensor) sample() Sample {
	return Sample{Latitude: s.Lat, Longitude: s.Lon, Accuracy: s.Accuracy, Timestamp: time.Now()}
}

// Current returns the fixed position.
func (s *StaticSensor) Current(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	return s.sample(), nil
}

// Watch emits the fixed position every Interval until ctx is cancelled.
func (s *StaticSensor) Watch(ctx context.Context) (<-chan Sample, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ch := make(chan Sample, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case ch <- s.sample():
				default:
				}
			}
		}
	}()
	return ch, nil
}
