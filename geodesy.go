/*
Copyright © 2025 the SARwatch authors.
This file is part of SARwatch.

SARwatch is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

SARwatch is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with SARwatch.  If not, see <http://www.gnu.org/licenses/>.
*/

package sarwatch

import (
	"fmt"
	"math"

	"github.com/ctessum/geom"
)

// MetersPerDegreeLat is the ground length of one degree of latitude. One
// degree of longitude spans MetersPerDegreeLat·cos(latitude) meters.
const MetersPerDegreeLat = 111320.0

// latStepDeg converts a ground spacing in meters to a latitude step in
// degrees.
func latStepDeg(spacingM float64) float64 {
	return spacingM / MetersPerDegreeLat
}

// lonStepDeg converts a ground spacing in meters to a longitude step in
// degrees at the given latitude.
func lonStepDeg(spacingM, latDeg float64) float64 {
	return spacingM / (math.Cos(latDeg*math.Pi/180) * MetersPerDegreeLat)
}

// groundDistanceM returns the approximate ground distance in meters between
// two WGS84 points, using an equirectangular approximation at their mean
// latitude. Adequate at monitoring-grid scales (well under a kilometer of
// separation).
func groundDistanceM(a, b geom.Point) float64 {
	meanLat := (a.Y + b.Y) / 2 * math.Pi / 180
	dx := (b.X - a.X) * math.Cos(meanLat) * MetersPerDegreeLat
	dy := (b.Y - a.Y) * MetersPerDegreeLat
	return math.Hypot(dx, dy)
}

// polygonAreaKM2 returns the approximate ground area of a WGS84 polygon in
// square kilometers: the planar (degree-space) area scaled by the meter
// lengths of a degree at the polygon's mean latitude.
func polygonAreaKM2(p geom.Polygon) float64 {
	b := p.Bounds()
	meanLat := (b.Min.Y + b.Max.Y) / 2 * math.Pi / 180
	areaM2 := p.Area() * math.Cos(meanLat) * MetersPerDegreeLat * MetersPerDegreeLat
	return math.Abs(areaM2) / 1e6
}

// validatePolygon checks that p is usable as an AOI: at least one ring with
// three or more distinct vertices, all coordinates finite and within
// longitude/latitude range, no vertex beyond maxAbsLat, and no
// self-intersections within any ring. Violations are reported as
// ErrInvalidGeometry with detail.
func validatePolygon(p geom.Polygon, maxAbsLat float64) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: polygon has no rings", ErrInvalidGeometry)
	}
	for ri, ring := range p {
		verts := dropClosingVertex(ring)
		if len(verts) < 3 {
			return fmt.Errorf("%w: ring %d has fewer than 3 distinct vertices", ErrInvalidGeometry, ri)
		}
		for _, v := range verts {
			if math.IsNaN(v.X) || math.IsNaN(v.Y) || math.IsInf(v.X, 0) || math.IsInf(v.Y, 0) {
				return fmt.Errorf("%w: ring %d has a non-finite vertex", ErrInvalidGeometry, ri)
			}
			if v.X < -180 || v.X > 180 || v.Y < -90 || v.Y > 90 {
				return fmt.Errorf("%w: vertex (%g, %g) outside longitude/latitude range",
					ErrInvalidGeometry, v.X, v.Y)
			}
			if math.Abs(v.Y) > maxAbsLat {
				return fmt.Errorf("%w: latitude %g beyond ±%g° limit", ErrInvalidGeometry, v.Y, maxAbsLat)
			}
		}
		if selfIntersects(verts) {
			return fmt.Errorf("%w: ring %d self-intersects", ErrInvalidGeometry, ri)
		}
	}
	return nil
}

// dropClosingVertex returns ring without a repeated closing vertex, if one
// is present. Rings are treated as implicitly closed everywhere else.
func dropClosingVertex(ring []geom.Point) []geom.Point {
	if n := len(ring); n > 1 && ring[0] == ring[n-1] {
		return ring[:n-1]
	}
	return ring
}

// selfIntersects reports whether any two non-adjacent edges of the
// implicitly closed ring intersect. O(n²), which is fine for AOI polygons.
func selfIntersects(verts []geom.Point) bool {
	n := len(verts)
	for i := 0; i < n; i++ {
		a1 := verts[i]
		a2 := verts[(i+1)%n]
		for j := i + 1; j < n; j++ {
			// Skip the edge itself and the two edges sharing a vertex
			// with it.
			if j == i || (j+1)%n == i || (i+1)%n == j {
				continue
			}
			b1 := verts[j]
			b2 := verts[(j+1)%n]
			if segmentsIntersect(a1, a2, b1, b2) {
				return true
			}
		}
	}
	return false
}

// segmentsIntersect reports whether segments a1a2 and b1b2 share any point.
func segmentsIntersect(a1, a2, b1, b2 geom.Point) bool {
	d1 := cross(b1, b2, a1)
	d2 := cross(b1, b2, a2)
	d3 := cross(a1, a2, b1)
	d4 := cross(a1, a2, b2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(b1, b2, a1)) ||
		(d2 == 0 && onSegment(b1, b2, a2)) ||
		(d3 == 0 && onSegment(a1, a2, b1)) ||
		(d4 == 0 && onSegment(a1, a2, b2))
}

func cross(o, a, b geom.Point) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

// onSegment reports whether p, known collinear with segment ab, lies within
// its bounding box.
func onSegment(a, b, p geom.Point) bool {
	return math.Min(a.X, b.X) <= p.X && p.X <= math.Max(a.X, b.X) &&
		math.Min(a.Y, b.Y) <= p.Y && p.Y <= math.Max(a.Y, b.Y)
}

// RoundTo3 rounds x to three decimal places using round-half-to-even. It is
// the one rounding rule used for stored displacements and velocities.
func RoundTo3(x float64) float64 {
	return math.RoundToEven(x*1000) / 1000
}
