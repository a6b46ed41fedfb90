// Package grid maps geographic coordinates onto a fixed angular grid and
// derives the canonical cell strings and store-key cell ids shared by every
// client implementation. It is pure: no state, no I/O, and byte-identical
// output for identical input is the cross-platform contract the rest of the
// presence and matching index is built on.
package grid

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
)

// DefaultStepSeconds is the grid step in arc-seconds used by all clients
// unless explicitly reconfigured fleet-wide.
const DefaultStepSeconds = 30

// ErrInvalidCoordinate is returned for NaN or out-of-range coordinates.
// Coordinates are never silently clamped.
var ErrInvalidCoordinate = errors.New("grid: invalid coordinate")

// ErrInvalidStep is returned when the step size cannot be encoded in the
// canonical cell format.
var ErrInvalidStep = errors.New("grid: step seconds must be between 1 and 99")

func validate(lat, lng float64, stepSeconds int) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidCoordinate, lat, lng)
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidCoordinate, lat, lng)
	}
	if stepSeconds < 1 || stepSeconds > 99 {
		return ErrInvalidStep
	}
	return nil
}

// floorDMS floors the absolute value of a coordinate to the step grid and
// returns the degree/minute/second components of the floored corner.
func floorDMS(deg float64, stepSeconds int) (d, m, s int) {
	totalSeconds := math.Abs(deg) * 3600
	ratio := totalSeconds / float64(stepSeconds)
	idx := math.Floor(ratio)
	// A point exactly on a boundary belongs to the cell whose corner it
	// touches; binary float error must not push it into the cell below.
	if ratio-idx > 1-1e-9 {
		idx++
	}
	floored := int64(idx) * int64(stepSeconds)
	d = int(floored / 3600)
	rem := floored % 3600
	m = int(rem / 60)
	s = int(rem % 60)
	return d, m, s
}

// Canonical returns the canonical cell string for the given point, e.g.
// "N04_44_00_W074_04_00_s30". The corner is found by flooring the absolute
// coordinate in arc-seconds to the step grid; a point exactly on a boundary
// belongs to the cell whose corner it touches. Zero is the positive
// hemisphere.
func Canonical(lat, lng float64, stepSeconds int) (string, error) {
	if err := validate(lat, lng, stepSeconds); err != nil {
		return "", err
	}

	ns := "N"
	if lat < 0 {
		ns = "S"
	}
	ew := "E"
	if lng < 0 {
		ew = "W"
	}

	latD, latM, latS := floorDMS(lat, stepSeconds)
	lngD, lngM, lngS := floorDMS(lng, stepSeconds)

	return fmt.Sprintf("%s%02d_%02d_%02d_%s%03d_%02d_%02d_s%02d",
		ns, latD, latM, latS, ew, lngD, lngM, lngS, stepSeconds), nil
}

// CellID returns the store-key form of the cell containing the given point:
// the unpadded URL-safe base64 encoding of the canonical string. It contains
// no '/', '+' or '=' by construction.
func CellID(lat, lng float64, stepSeconds int) (string, error) {
	canonical, err := Canonical(lat, lng, stepSeconds)
	if err != nil {
		return "", err
	}
	return CellIDFromCanonical(canonical), nil
}

// CellIDFromCanonical encodes an already-computed canonical string.
func CellIDFromCanonical(canonical string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(canonical))
}

// Neighbors returns the canonical strings of the 8 cells adjacent to the cell
// containing the given point, obtained by perturbing the point by one step
// width in each direction. Near the poles and the ±180° meridian the
// perturbation can leave the coordinate range or collapse duplicates; the
// service area is not expected to reach either boundary, so such points
// return ErrInvalidCoordinate rather than wrapped cells.
func Neighbors(lat, lng float64, stepSeconds int) ([]string, error) {
	if err := validate(lat, lng, stepSeconds); err != nil {
		return nil, err
	}

	step := float64(stepSeconds) / 3600.0
	neighbors := make([]string, 0, 8)
	for _, dLat := range []float64{1, 0, -1} {
		for _, dLng := range []float64{-1, 0, 1} {
			if dLat == 0 && dLng == 0 {
				continue
			}
			canonical, err := Canonical(lat+dLat*step, lng+dLng*step, stepSeconds)
			if err != nil {
				return nil, err
			}
			neighbors = append(neighbors, canonical)
		}
	}
	return neighbors, nil
}

// Neighborhood returns the cell ids of the 3×3 block around the given point,
// center cell first. This is the subscription set used by the presence
// aggregator and the wide request search.
func Neighborhood(lat, lng float64, stepSeconds int) ([]string, error) {
	center, err := Canonical(lat, lng, stepSeconds)
	if err != nil {
		return nil, err
	}
	neighbors, err := Neighbors(lat, lng, stepSeconds)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, 9)
	ids = append(ids, CellIDFromCanonical(center))
	for _, canonical := range neighbors {
		ids = append(ids, CellIDFromCanonical(canonical))
	}
	return ids, nil
}
