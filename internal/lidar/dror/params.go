package dror

import (
	"errors"
	"fmt"
	"math"
)

// Params configures the filter. Values are read once at startup.
type Params struct {
	// RadiusMultiplier scales the point spacing expected at a given range.
	RadiusMultiplier float64
	// AzimuthAngleDeg is the sensor's horizontal angular resolution in degrees.
	AzimuthAngleDeg float64
	// MinSearchRadius floors the search radius for points close to the sensor (meters).
	MinSearchRadius float64
	// MinNeighbours is the number of other points required inside the radius.
	MinNeighbours int
}

// DefaultParams returns the parameters used for a 16-beam spinning sensor at 10 Hz.
func DefaultParams() Params {
	return Params{
		RadiusMultiplier: 3.0,
		AzimuthAngleDeg:  0.16,
		MinSearchRadius:  0.04,
		MinNeighbours:    3,
	}
}

var errInvalidParams = errors.New("dror: invalid parameters")

// Validate checks that the parameters describe a usable filter.
func (p Params) Validate() error {
	if !(p.RadiusMultiplier > 0) || math.IsInf(p.RadiusMultiplier, 0) {
		return fmt.Errorf("%w: radius_multiplier must be positive, got %v", errInvalidParams, p.RadiusMultiplier)
	}
	if !(p.AzimuthAngleDeg > 0) || math.IsInf(p.AzimuthAngleDeg, 0) {
		return fmt.Errorf("%w: azimuth_angle must be positive, got %v", errInvalidParams, p.AzimuthAngleDeg)
	}
	if !(p.MinSearchRadius >= 0) || math.IsInf(p.MinSearchRadius, 0) {
		return fmt.Errorf("%w: min_search_radius must be non-negative, got %v", errInvalidParams, p.MinSearchRadius)
	}
	if p.MinNeighbours < 0 {
		return fmt.Errorf("%w: min_neighbours must be non-negative, got %d", errInvalidParams, p.MinNeighbours)
	}
	return nil
}

// SearchRadius returns the density search radius for a point at (x, y).
// Range is measured in the horizontal plane.
func (p Params) SearchRadius(x, y float64) float64 {
	r := p.RadiusMultiplier * math.Hypot(x, y) * p.AzimuthAngleDeg * math.Pi / 180
	if r < p.MinSearchRadius {
		return p.MinSearchRadius
	}
	return r
}
