// Package geo holds the coordinate math used to check geofences.
package geo

import (
	"math"

	apperrors "geoattend/internal/errors"
)

// EarthRadiusMeters is the mean Earth radius used by the Haversine formula.
const EarthRadiusMeters = 6371000.0

// Coordinate is a WGS84 point in degrees.
type Coordinate struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// Pair returns the coordinate as a [longitude, latitude] array.
func (c Coordinate) Pair() [2]float64 {
	return [2]float64{c.Longitude, c.Latitude}
}

// Validate checks that both components are finite and in range.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Longitude) || math.IsInf(c.Longitude, 0) || math.IsNaN(c.Latitude) || math.IsInf(c.Latitude, 0) {
		return apperrors.Wrapf(apperrors.ErrInvalidLocation, "coordinates must be finite")
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return apperrors.Wrapf(apperrors.ErrInvalidLocation, "longitude %v out of range", c.Longitude)
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return apperrors.Wrapf(apperrors.ErrInvalidLocation, "latitude %v out of range", c.Latitude)
	}
	return nil
}

// FromPair builds a coordinate from a [longitude, latitude] array and validates it.
func FromPair(pair []float64) (Coordinate, error) {
	if len(pair) != 2 {
		return Coordinate{}, apperrors.Wrapf(apperrors.ErrInvalidLocation, "expected [longitude, latitude], got %d values", len(pair))
	}
	c := Coordinate{Longitude: pair[0], Latitude: pair[1]}
	if err := c.Validate(); err != nil {
		return Coordinate{}, err
	}
	return c, nil
}

// DistanceMeters returns the great-circle distance between two points given in
// degrees. NaN inputs yield NaN.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Measurer computes the distance between two coordinates in meters.
type Measurer interface {
	Distance(a, b Coordinate) float64
}

// Haversine is the production Measurer.
type Haversine struct{}

// Distance implements Measurer.
func (Haversine) Distance(a, b Coordinate) float64 {
	return DistanceMeters(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// Fence is a circular geofence.
type Fence struct {
	Center       Coordinate
	RadiusMeters float64
}

// Contains reports whether a point at the given distance from the center is
// inside the fence. The boundary counts as inside.
func (f Fence) Contains(distanceMeters float64) bool {
	return distanceMeters <= f.RadiusMeters
}
