// Package geoindex wraps the H3 hexagonal hierarchical index for
// driver search. See https://h3geo.org/docs/core-library/restable for
// the resolution table; at resolution 8 a cell is ~0.74 km² and k=4
// covers roughly a 3.5 km radius around the pickup.
package geoindex

import (
	"math"

	"github.com/uber/h3-go/v4"
)

const (
	// DefaultResolution is the cell resolution for driver-passenger matching.
	DefaultResolution = 8

	// DefaultMaxKRing bounds search expansion around a pickup cell.
	DefaultMaxKRing = 4
)

// Index encodes coordinates to H3 cells at a fixed resolution.
type Index struct {
	resolution int
}

// New creates an index at the given resolution.
func New(resolution int) *Index {
	if resolution < 0 || resolution > 15 {
		resolution = DefaultResolution
	}
	return &Index{resolution: resolution}
}

// Resolution returns the configured cell resolution.
func (ix *Index) Resolution() int {
	return ix.resolution
}

// Encode converts latitude/longitude to the hex string of its H3 cell.
// Pure and stable: the same coordinates always yield the same cell.
func (ix *Index) Encode(lat, lng float64) string {
	cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lng), ix.resolution)
	if err != nil {
		return ""
	}
	return cell.String()
}

// KRing returns the set of cells within k rings of center, center
// included. Ordering is not guaranteed.
func (ix *Index) KRing(center string, k int) []string {
	origin := h3.CellFromString(center)
	cells, err := origin.GridDisk(k)
	if err != nil {
		return []string{center}
	}
	out := make([]string, 0, len(cells))
	for _, c := range cells {
		out = append(out, c.String())
	}
	return out
}

// KRingAt is KRing around the cell containing the given coordinates.
func (ix *Index) KRingAt(lat, lng float64, k int) []string {
	return ix.KRing(ix.Encode(lat, lng), k)
}

// ring returns only the cells exactly k rings out.
func (ix *Index) ring(center string, k int) []string {
	origin := h3.CellFromString(center)
	cells, err := origin.GridRing(k)
	if err != nil {
		// Pentagon distortion; fall back to the full disk.
		return ix.KRing(center, k)
	}
	out := make([]string, 0, len(cells))
	for _, c := range cells {
		out = append(out, c.String())
	}
	return out
}

// ProbeFunc inspects a set of cells and reports candidate ids found in
// them. FindExpanding stops at the first k whose probe is non-empty.
type ProbeFunc func(cells []string) []string

// FindExpanding searches outward from the cell containing (lat, lng).
// k=1 probes the center cell plus its first ring; each further step
// probes only the newly uncovered ring. The search stops at the first
// k yielding candidates and never expands beyond maxK, even if empty.
func (ix *Index) FindExpanding(lat, lng float64, maxK int, probe ProbeFunc) []string {
	center := ix.Encode(lat, lng)
	if center == "" {
		return nil
	}

	seen := append([]string{center}, ix.ring(center, 1)...)
	if found := probe(seen); len(found) > 0 {
		return found
	}
	for k := 2; k <= maxK; k++ {
		if found := probe(ix.ring(center, k)); len(found) > 0 {
			return found
		}
	}
	return nil
}

// HaversineKm returns the great-circle distance between two points in
// kilometers, rounded to two decimals.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadius = 6371.0 // km

	dLat := (lat2 - lat1) * math.Pi / 180.0
	dLng := (lng2 - lng1) * math.Pi / 180.0

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180.0)*math.Cos(lat2*math.Pi/180.0)*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return math.Round(earthRadius*c*100) / 100
}
