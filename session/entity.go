// Package session is the single source of truth for per-participant state.
// The store is mutated only by authoritative broker snapshots and by local
// user actions; everything else reads from it.
package session

import (
	"fmt"
	"time"

	"meetpoint/geo"
	"meetpoint/protocol"
)

// NameLimit is the display-name cap in code points.
const NameLimit = 30

// Position is a valid fix. Entities without a real fix carry a nil Position;
// sentinel and NaN coordinates never make it into one.
type Position struct {
	Latitude    float64
	Longitude   float64
	Accuracy    *float64 // nil means unknown
	LastUpdated time.Time
}

// Entity is one tracked participant.
type Entity struct {
	ID         string
	Name       string
	Status     string // protocol.StatusWaiting / StatusSharing / StatusStopped
	Online     bool
	Background bool
	Position   *Position
}

// Visible is the one map-visibility predicate: sharing with a valid fix.
// Clustering, notifications and the participant list all go through it.
func (e *Entity) Visible() bool {
	return e.Status == protocol.StatusSharing && e.Position != nil
}

// DisplayName returns the participant's name truncated to NameLimit code
// points, falling back to a short id-derived label.
func (e *Entity) DisplayName() string {
	return DisplayName(e.Name, e.ID)
}

// DisplayName builds a render-safe participant label.
func DisplayName(name, id string) string {
	if name == "" {
		short := id
		if len(short) > 4 {
			short = short[:4]
		}
		return fmt.Sprintf("participant %s", short)
	}
	return TruncateName(name)
}

// TruncateName caps a name at NameLimit code points.
func TruncateName(name string) string {
	runes := []rune(name)
	if len(runes) > NameLimit {
		return string(runes[:NameLimit])
	}
	return name
}

// entityFromLocation converts a snapshot entry. Invalid coordinates
// (null, NaN, sentinel) collapse to a nil Position.
func entityFromLocation(loc protocol.Location) *Entity {
	e := &Entity{
		ID:         loc.ParticipantID,
		Name:       loc.ParticipantName,
		Status:     loc.Status,
		Online:     loc.IsOnline,
		Background: loc.IsBackground,
	}
	if geo.ValidPosition(loc.Latitude, loc.Longitude) {
		p := &Position{
			Latitude:  *loc.Latitude,
			Longitude: *loc.Longitude,
			Accuracy:  loc.Accuracy,
		}
		if ts, err := time.Parse(time.RFC3339, loc.LastUpdated); err == nil {
			p.LastUpdated = ts
		}
		e.Position = p
	}
	return e
}
