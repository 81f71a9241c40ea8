// Package fraud implements the geospatial plausibility check between the
// issuance and dispense locations. Findings are metadata on verify and
// dispense events and never block an operation.
package fraud

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"rxledger/core/types"
)

const earthRadiusKm = 6371.0

// Point is a parsed "lat,lng" coordinate.
type Point struct {
	Lat float64
	Lng float64
}

// ParseGeoTag parses a "lat,lng" string.
func ParseGeoTag(tag string) (Point, error) {
	parts := strings.Split(strings.TrimSpace(tag), ",")
	if len(parts) != 2 {
		return Point{}, fmt.Errorf("fraud: malformed geotag %q", tag)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Point{}, fmt.Errorf("fraud: malformed latitude in %q", tag)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Point{}, fmt.Errorf("fraud: malformed longitude in %q", tag)
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return Point{}, fmt.Errorf("fraud: geotag out of range %q", tag)
	}
	return Point{Lat: lat, Lng: lng}, nil
}

// DistanceKm computes the great-circle distance between two points.
func DistanceKm(a, b Point) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// Coarsen rounds a geotag to two decimal places (roughly 1 km) for inclusion
// in public events; the precise tag stays in the sensitive side table.
func Coarsen(tag string) string {
	p, err := ParseGeoTag(tag)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%.2f,%.2f", p.Lat, p.Lng)
}

// Detector flags implausible distances between issuance and
// verification/dispense locations.
type Detector struct {
	ThresholdKm float64
}

func NewDetector(thresholdKm float64) *Detector {
	return &Detector{ThresholdKm: thresholdKm}
}

// Check compares the two geotags and returns the alert metadata. An error
// means a tag could not be parsed; callers log and carry no alert.
func (d *Detector) Check(issueTag, verifyTag string) (*types.FraudAlert, error) {
	issue, err := ParseGeoTag(issueTag)
	if err != nil {
		return nil, err
	}
	verify, err := ParseGeoTag(verifyTag)
	if err != nil {
		return nil, err
	}
	distance := DistanceKm(issue, verify)
	alert := &types.FraudAlert{DistanceKm: math.Round(distance*10) / 10}
	if distance > d.ThresholdKm {
		alert.Suspicious = true
		alert.Reason = fmt.Sprintf("issue and dispense locations are %.0f km apart (threshold %.0f km)",
			distance, d.ThresholdKm)
	}
	return alert, nil
}
