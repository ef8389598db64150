package mapview

import (
	"math"

	"meetpoint/geo"
	"meetpoint/session"
)

// DefaultOverlapThreshold is the distance in meters under which two markers
// are considered overlapping. Tuned empirically, not a law.
const DefaultOverlapThreshold = 15.0

// DefaultOffsetRadius is the spread circle radius in meters for overlapping
// groups.
const DefaultOffsetRadius = 25.0

// clusterGroups partitions visible entities into overlap groups with a
// single greedy sweep: an entity joins the first group whose seed is within
// the threshold, otherwise it starts its own. Not transitive closure, but
// overlap at real GPS precision is rare and groups stay small.
func clusterGroups(entities []session.Entity, threshold float64) [][]session.Entity {
	var groups [][]session.Entity
	taken := make(map[string]bool, len(entities))

	for i, e := range entities {
		if taken[e.ID] {
			continue
		}
		group := []session.Entity{e}
		taken[e.ID] = true

		for _, other := range entities[i+1:] {
			if taken[other.ID] {
				continue
			}
			d := geo.Distance(
				e.Position.Latitude, e.Position.Longitude,
				other.Position.Latitude, other.Position.Longitude,
			)
			if d <= threshold {
				group = append(group, other)
				taken[other.ID] = true
			}
		}
		groups = append(groups, group)
	}
	return groups
}

// spread places a group's markers. Singletons render at true coordinates;
// larger groups are distributed evenly on a circle around the centroid so
// every marker stays individually selectable. True coordinates ride along
// untouched for follow-snap.
func spread(group []session.Entity, offsetRadius float64) []Marker {
	markers := make([]Marker, 0, len(group))

	if len(group) == 1 {
		e := group[0]
		markers = append(markers, Marker{
			ID:           e.ID,
			Lat:          e.Position.Latitude,
			Lon:          e.Position.Longitude,
			TrueLat:      e.Position.Latitude,
			TrueLon:      e.Position.Longitude,
			Color:        ColorFor(e.ID),
			Label:        e.DisplayName(),
			AccuracyText: geo.AccuracyLabel(e.Position.Accuracy),
			GroupSize:    1,
		})
		return markers
	}

	var centerLat, centerLon float64
	for _, e := range group {
		centerLat += e.Position.Latitude
		centerLon += e.Position.Longitude
	}
	centerLat /= float64(len(group))
	centerLon /= float64(len(group))

	step := 2 * math.Pi / float64(len(group))
	for i, e := range group {
		angle := float64(i) * step
		lat, lon := geo.OffsetPosition(centerLat, centerLon,
			math.Cos(angle)*offsetRadius, math.Sin(angle)*offsetRadius)
		markers = append(markers, Marker{
			ID:           e.ID,
			Lat:          lat,
			Lon:          lon,
			TrueLat:      e.Position.Latitude,
			TrueLon:      e.Position.Longitude,
			Color:        ColorFor(e.ID),
			Label:        e.DisplayName(),
			AccuracyText: geo.AccuracyLabel(e.Position.Accuracy),
			GroupSize:    len(group),
			GroupIndex:   i,
		})
	}
	return markers
}
