// Package mapview decides what goes on the map: which entities are visible,
// how near-coincident markers are spread apart, and which layers get
// created, moved or removed on each pass. The map itself is behind the
// Renderer interface.
package mapview

import "hash/fnv"

// Marker is the render instruction for one participant. Lat/Lon may carry a
// clustering offset; TrueLat/TrueLon always hold the real fix and are what
// follow-snap uses.
type Marker struct {
	ID      string
	Lat     float64
	Lon     float64
	TrueLat float64
	TrueLon float64
	Color   string
	Label   string

	// AccuracyText is the popup line describing the fix quality, "accuracy
	// unknown" when the reported value is absent or implausible.
	AccuracyText string

	// Overlap group context, for badge rendering.
	GroupSize  int
	GroupIndex int
}

// Bounds is a lat/lon bounding box for auto-fit.
type Bounds struct {
	MinLat, MinLon float64
	MaxLat, MaxLon float64
}

// Pad grows the bounds by a fraction on every side.
func (b Bounds) Pad(f float64) Bounds {
	dLat := (b.MaxLat - b.MinLat) * f
	dLon := (b.MaxLon - b.MinLon) * f
	return Bounds{
		MinLat: b.MinLat - dLat,
		MinLon: b.MinLon - dLon,
		MaxLat: b.MaxLat + dLat,
		MaxLon: b.MaxLon + dLon,
	}
}

// Renderer is the external map layer. Update-in-place semantics: upserting
// an existing id moves the layer instead of recreating it, which is what
// keeps the map from flickering.
type Renderer interface {
	UpsertMarker(m Marker)
	RemoveMarker(id string)

	UpsertAccuracy(id string, lat, lon, radius float64, color string)
	RemoveAccuracy(id string)

	// Pulse draws one transient ripple at the given point.
	Pulse(id string, lat, lon, radius float64, color string)
	RemovePulse(id string)

	// SetView recenters; zoom <= 0 keeps the current zoom level.
	SetView(lat, lon float64, zoom int)
	FitBounds(b Bounds)
}

// palette for deterministic participant colors.
var palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#FFB6C1", "#20B2AA", "#FF69B4", "#32CD32",
	"#FF4500", "#8A2BE2", "#DC143C", "#00CED1", "#FFD700",
}

// ColorFor maps a participant id to a stable color.
func ColorFor(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return palette[h.Sum32()%uint32(len(palette))]
}
