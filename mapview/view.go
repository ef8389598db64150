package mapview

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"meetpoint/geo"
	"meetpoint/session"
)

const (
	// DefaultPulseInterval re-pulses every rendered entity.
	DefaultPulseInterval = 3 * time.Second

	// DefaultPulseRadius is used when accuracy is unknown.
	DefaultPulseRadius = 50.0

	// DefaultSingleZoom is applied when auto-fitting a lone entity.
	DefaultSingleZoom = 15

	// DefaultFitPadding pads the bounding box on auto-fit.
	DefaultFitPadding = 0.1
)

// Config holds the tunables of the render pass.
type Config struct {
	OverlapThreshold float64
	OffsetRadius     float64
	PulseInterval    time.Duration
	SingleZoom       int
	FitPadding       float64
}

func (c *Config) withDefaults() {
	if c.OverlapThreshold <= 0 {
		c.OverlapThreshold = DefaultOverlapThreshold
	}
	if c.OffsetRadius <= 0 {
		c.OffsetRadius = DefaultOffsetRadius
	}
	if c.PulseInterval <= 0 {
		c.PulseInterval = DefaultPulseInterval
	}
	if c.SingleZoom <= 0 {
		c.SingleZoom = DefaultSingleZoom
	}
	if c.FitPadding <= 0 {
		c.FitPadding = DefaultFitPadding
	}
}

// Coordinator diffs the visible entity set against what is on the map and
// issues the minimal create/update/remove instructions. It also owns the
// per-entity pulse schedule and the auto-fit / follow view logic.
type Coordinator struct {
	cfg      Config
	renderer Renderer
	store    *session.Store
	clock    clockwork.Clock
	log      *zap.SugaredLogger

	mu         sync.Mutex
	rendered   map[string]Marker        // layers currently on the map
	pulseStops map[string]chan struct{} // pulse schedule, keyed by entity id
	autoFit    bool
	interacted bool
	closed     bool
}

// New creates a coordinator rendering the given store.
func New(cfg Config, renderer Renderer, store *session.Store, clock clockwork.Clock, log *zap.SugaredLogger) *Coordinator {
	cfg.withDefaults()
	return &Coordinator{
		cfg:        cfg,
		renderer:   renderer,
		store:      store,
		clock:      clock,
		log:        log,
		rendered:   map[string]Marker{},
		pulseStops: map[string]chan struct{}{},
		autoFit:    true,
	}
}

// Render runs one full pass over the store's entities.
func (c *Coordinator) Render() {
	entities := c.store.Entities()

	visible := make([]session.Entity, 0, len(entities))
	for _, e := range entities {
		if e.Visible() {
			visible = append(visible, e)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	keep := make(map[string]bool, len(visible))
	for _, e := range visible {
		keep[e.ID] = true
	}
	for id := range c.rendered {
		if !keep[id] {
			c.removeLocked(id)
		}
	}

	var accMap = make(map[string]*float64, len(visible))
	for _, e := range visible {
		accMap[e.ID] = e.Position.Accuracy
	}

	groups := clusterGroups(visible, c.cfg.OverlapThreshold)
	for _, group := range groups {
		for _, m := range spread(group, c.cfg.OffsetRadius) {
			c.renderer.UpsertMarker(m)
			c.rendered[m.ID] = m

			// Accuracy circle only when the value is drawable; an unknown
			// accuracy must never become a giant confidence circle.
			if acc := accMap[m.ID]; geo.PlausibleAccuracy(acc) {
				c.renderer.UpsertAccuracy(m.ID, m.Lat, m.Lon, *acc, m.Color)
			} else {
				c.renderer.RemoveAccuracy(m.ID)
			}

			c.renderer.Pulse(m.ID, m.Lat, m.Lon, pulseRadius(accMap[m.ID]), m.Color)
			c.startPulseLocked(m.ID)
		}
	}

	// Follow-snap uses true coordinates, never the clustering offset.
	if id, ok := c.store.Following(); ok {
		if m, ok := c.rendered[id]; ok {
			c.renderer.SetView(m.TrueLat, m.TrueLon, 0)
			return
		}
	}

	if c.autoFit && !c.interacted && len(visible) > 0 {
		c.fitLocked(visible)
	}
}

func pulseRadius(accuracy *float64) float64 {
	if geo.PlausibleAccuracy(accuracy) {
		return *accuracy
	}
	return DefaultPulseRadius
}

func (c *Coordinator) fitLocked(visible []session.Entity) {
	if len(visible) == 1 {
		p := visible[0].Position
		c.renderer.SetView(p.Latitude, p.Longitude, c.cfg.SingleZoom)
		return
	}
	b := Bounds{
		MinLat: visible[0].Position.Latitude, MaxLat: visible[0].Position.Latitude,
		MinLon: visible[0].Position.Longitude, MaxLon: visible[0].Position.Longitude,
	}
	for _, e := range visible[1:] {
		p := e.Position
		if p.Latitude < b.MinLat {
			b.MinLat = p.Latitude
		}
		if p.Latitude > b.MaxLat {
			b.MaxLat = p.Latitude
		}
		if p.Longitude < b.MinLon {
			b.MinLon = p.Longitude
		}
		if p.Longitude > b.MaxLon {
			b.MaxLon = p.Longitude
		}
	}
	c.renderer.FitBounds(b.Pad(c.cfg.FitPadding))
}

// removeLocked drops every layer belonging to an entity and cancels its
// pulse schedule. Leaked pulse tasks for removed entities were a real bug
// class in earlier designs; cancellation here is deterministic.
func (c *Coordinator) removeLocked(id string) {
	delete(c.rendered, id)
	if stop, ok := c.pulseStops[id]; ok {
		close(stop)
		delete(c.pulseStops, id)
	}
	c.renderer.RemoveMarker(id)
	c.renderer.RemoveAccuracy(id)
	c.renderer.RemovePulse(id)
}

func (c *Coordinator) startPulseLocked(id string) {
	if _, running := c.pulseStops[id]; running {
		return
	}
	stop := make(chan struct{})
	c.pulseStops[id] = stop
	go c.pulseLoop(id, stop)
}

func (c *Coordinator) pulseLoop(id string, stop chan struct{}) {
	ticker := c.clock.NewTicker(c.cfg.PulseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			c.mu.Lock()
			m, ok := c.rendered[id]
			var acc *float64
			if ok {
				if e, found := c.store.Entity(id); found && e.Position != nil {
					acc = e.Position.Accuracy
				}
			}
			c.mu.Unlock()
			if ok {
				c.renderer.Pulse(id, m.Lat, m.Lon, pulseRadius(acc), m.Color)
			}
		}
	}
}

// UserInteracted records a manual pan: auto-fit stops and follow is dropped.
func (c *Coordinator) UserInteracted() {
	c.mu.Lock()
	c.interacted = true
	c.autoFit = false
	c.mu.Unlock()
	c.store.ClearFollow()
}

// UserZoomed records a manual zoom: auto-fit stops but follow continues.
func (c *Coordinator) UserZoomed() {
	c.mu.Lock()
	c.interacted = true
	c.autoFit = false
	c.mu.Unlock()
}

// ResetView restores auto-fit and clears the follow target, then re-renders.
func (c *Coordinator) ResetView() {
	c.mu.Lock()
	c.interacted = false
	c.autoFit = true
	c.mu.Unlock()
	c.store.ClearFollow()
	c.Render()
}

// FollowEntity snaps the view to an entity's true coordinates and keeps
// following it.
func (c *Coordinator) FollowEntity(id string) {
	c.store.Follow(id)
	c.mu.Lock()
	m, ok := c.rendered[id]
	c.mu.Unlock()
	if ok {
		c.renderer.SetView(m.TrueLat, m.TrueLon, c.cfg.SingleZoom)
	}
}

// Close removes every layer and cancels every pulse task.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id := range c.rendered {
		c.removeLocked(id)
	}
}
