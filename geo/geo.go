// Package geo holds the coordinate math shared by the throttle, the
// clustering pass and the session store. Everything works on a spherical
// earth; at the distances involved (tens of meters) that is plenty.
package geo

import (
	"fmt"
	"math"
)

const (
	// EarthRadius in meters.
	EarthRadius = 6371000

	// Sentinel is the reserved "no real fix" coordinate. Treated the same
	// as an absent position everywhere.
	Sentinel = 999.0

	// MaxAccuracy is the plausibility bound in meters. Anything above it
	// (or non-positive) is reported as unknown rather than forwarded.
	MaxAccuracy = 1000

	// MetersPerDegreeLat is the local scale factor used to turn meter
	// offsets into latitude deltas.
	MetersPerDegreeLat = 111000
)

// Distance returns the great-circle distance between two points in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadius * c
}

// ValidCoord reports whether a single coordinate value is a real fix.
func ValidCoord(v float64) bool {
	return !math.IsNaN(v) && v != Sentinel
}

// ValidPosition reports whether a lat/lon pair is a real fix. Nil pointers,
// NaN and the sentinel value all mean "no valid fix".
func ValidPosition(lat, lon *float64) bool {
	if lat == nil || lon == nil {
		return false
	}
	return ValidCoord(*lat) && ValidCoord(*lon)
}

// NormalizeAccuracy validates a reported accuracy in meters. Non-positive or
// implausibly large values come back as nil ("unknown") so downstream
// consumers never draw a misleading confidence circle.
func NormalizeAccuracy(accuracy float64) *float64 {
	if math.IsNaN(accuracy) || accuracy <= 0 || accuracy > MaxAccuracy {
		return nil
	}
	r := math.Round(accuracy)
	return &r
}

// PlausibleAccuracy reports whether an accuracy value is drawable.
func PlausibleAccuracy(accuracy *float64) bool {
	return accuracy != nil && *accuracy > 0 && *accuracy <= MaxAccuracy
}

// AccuracyLabel describes a fix's accuracy for display. Absent or
// implausible values read as unknown, never as a number.
func AccuracyLabel(accuracy *float64) string {
	if !PlausibleAccuracy(accuracy) {
		return "accuracy unknown"
	}
	return fmt.Sprintf("±%.0fm", *accuracy)
}

// OffsetPosition shifts a point by meter offsets east/north, using the local
// scale factors (longitude corrected by cos of latitude).
func OffsetPosition(lat, lon, northMeters, eastMeters float64) (float64, float64) {
	dLat := northMeters / MetersPerDegreeLat
	dLon := eastMeters / (MetersPerDegreeLat * math.Cos(lat*math.Pi/180))
	return lat + dLat, lon + dLon
}
