package session

import "fmt"

// Event is a human-readable state change derived from two consecutive
// snapshots, ready for the notification emitter.
type Event struct {
	Message  string
	Severity string
	Icon     string
}

// projection is the per-entity slice of state the detector compares.
// Sharing uses the same visibility predicate as rendering.
type projection struct {
	name    string
	sharing bool
	online  bool
}

// Detector diffs consecutive snapshots into joined/left/sharing/online
// events. The local participant is never reported.
type Detector struct {
	self string
	prev map[string]projection
	// previous snapshot order, for stable "left" emission
	order []string
}

// NewDetector creates a detector for the given local participant id.
func NewDetector(self string) *Detector {
	return &Detector{
		self: self,
		prev: make(map[string]projection),
	}
}

// Diff compares a new snapshot against the previous one. Events come out in
// snapshot order; all of one snapshot's events are emitted before the next
// diff begins, but there is no cross-entity ordering promise beyond that.
func (d *Detector) Diff(entities []Entity) []Event {
	current := make(map[string]projection, len(entities))
	order := make([]string, 0, len(entities))

	var events []Event
	for _, e := range entities {
		p := projection{
			name:    e.DisplayName(),
			sharing: e.Visible(),
			online:  e.Online,
		}
		current[e.ID] = p
		order = append(order, e.ID)

		if e.ID == d.self {
			continue
		}

		old, known := d.prev[e.ID]
		if !known {
			events = append(events, Event{
				Message:  fmt.Sprintf("%s joined the session", p.name),
				Severity: "success",
				Icon:     "fas fa-user-plus",
			})
			continue
		}
		if !old.sharing && p.sharing {
			events = append(events, Event{
				Message:  fmt.Sprintf("%s started sharing their location", p.name),
				Severity: "info",
				Icon:     "fas fa-map-marker-alt",
			})
		} else if old.sharing && !p.sharing {
			events = append(events, Event{
				Message:  fmt.Sprintf("%s stopped sharing", p.name),
				Severity: "warning",
				Icon:     "fas fa-pause",
			})
		}
		if old.online && !p.online {
			events = append(events, Event{
				Message:  fmt.Sprintf("%s went offline", p.name),
				Severity: "secondary",
				Icon:     "fas fa-wifi-slash",
			})
		} else if !old.online && p.online {
			events = append(events, Event{
				Message:  fmt.Sprintf("%s came back online", p.name),
				Severity: "success",
				Icon:     "fas fa-wifi",
			})
		}
	}

	for _, id := range d.order {
		if id == d.self {
			continue
		}
		if _, still := current[id]; !still {
			events = append(events, Event{
				Message:  fmt.Sprintf("%s left the session", d.prev[id].name),
				Severity: "secondary",
				Icon:     "fas fa-user-minus",
			})
		}
	}

	d.prev = current
	d.order = order
	return events
}
