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
	"errors"
	"math"
	"testing"

	"github.com/ctessum/geom"
)

// squareAt returns a sideM × sideM WGS84 square centered on (lon, lat),
// with sides aligned to the meridians and parallels.
func squareAt(lon, lat, sideM float64) geom.Polygon {
	halfLat := latStepDeg(sideM) / 2
	halfLon := lonStepDeg(sideM, lat) / 2
	return geom.Polygon{{
		{X: lon - halfLon, Y: lat - halfLat},
		{X: lon + halfLon, Y: lat - halfLat},
		{X: lon + halfLon, Y: lat + halfLat},
		{X: lon - halfLon, Y: lat + halfLat},
	}}
}

func TestPolygonAreaKM2(t *testing.T) {
	cases := []struct {
		lon, lat, sideM float64
	}{
		{2.3522, 48.8566, 100},     // Paris, 0.01 km²
		{-157.8581, 21.3099, 1000}, // Honolulu, 1 km²
		{10, 60, 2000},             // high latitude, 4 km²
	}
	for _, c := range cases {
		p := squareAt(c.lon, c.lat, c.sideM)
		want := c.sideM * c.sideM / 1e6
		got := polygonAreaKM2(p)
		if math.Abs(got-want)/want > 1e-6 {
			t.Errorf("area of %gm square at lat %g: got %g km², want %g km²",
				c.sideM, c.lat, got, want)
		}
	}
}

func TestGroundDistanceM(t *testing.T) {
	lat := 48.8566
	a := geom.Point{X: 2.3522, Y: lat}
	b := geom.Point{X: 2.3522 + lonStepDeg(5, lat), Y: lat}
	if d := groundDistanceM(a, b); math.Abs(d-5) > 0.05 {
		t.Errorf("east-west 5m step: got %g m", d)
	}
	c := geom.Point{X: 2.3522, Y: lat + latStepDeg(5)}
	if d := groundDistanceM(a, c); math.Abs(d-5) > 0.05 {
		t.Errorf("north-south 5m step: got %g m", d)
	}
}

func TestValidatePolygon(t *testing.T) {
	valid := squareAt(2.3522, 48.8566, 100)

	closed := geom.Polygon{append(append([]geom.Point{}, valid[0]...), valid[0][0])}

	bowtie := geom.Polygon{{
		{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 1, Y: 0}, {X: 0, Y: 1},
	}}

	badLon := geom.Polygon{{
		{X: 199, Y: 0}, {X: 200, Y: 0}, {X: 200, Y: 1}, {X: 199, Y: 1},
	}}

	nanVertex := geom.Polygon{{
		{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: math.NaN()},
	}}

	cases := []struct {
		name string
		p    geom.Polygon
		ok   bool
	}{
		{"square", valid, true},
		{"explicitly closed square", closed, true},
		{"square just under 85°", squareAt(0, 85-latStepDeg(100), 100), true},
		{"empty", geom.Polygon{}, false},
		{"two vertices", geom.Polygon{{{X: 0, Y: 0}, {X: 1, Y: 1}}}, false},
		{"bowtie", bowtie, false},
		{"longitude out of range", badLon, false},
		{"NaN vertex", nanVertex, false},
		{"beyond latitude limit", squareAt(0, 85.2, 100), false},
	}
	for _, c := range cases {
		err := validatePolygon(c.p, 85)
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok {
			if err == nil {
				t.Errorf("%s: expected error", c.name)
			} else if !errors.Is(err, ErrInvalidGeometry) {
				t.Errorf("%s: error %v is not ErrInvalidGeometry", c.name, err)
			}
		}
	}

	// A vertex exactly on the latitude limit is allowed; one ulp past it
	// is not.
	maxLat := valid.Bounds().Max.Y
	if err := validatePolygon(valid, maxLat); err != nil {
		t.Errorf("vertex exactly at limit: unexpected error %v", err)
	}
	if err := validatePolygon(valid, math.Nextafter(maxLat, 0)); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("vertex beyond limit: got %v, want ErrInvalidGeometry", err)
	}
}

func TestRoundTo3(t *testing.T) {
	// The tie cases use binary-exact inputs so the ×1000 product lands
	// exactly on .5.
	cases := []struct{ in, want float64 }{
		{1.2346, 1.235},
		{-1.2346, -1.235},
		{0.0625, 0.062}, // 62.5 ties to even 62
		{0.1875, 0.188}, // 187.5 ties to even 188
		{2.5, 2.5},
	}
	for _, c := range cases {
		if got := RoundTo3(c.in); got != c.want {
			t.Errorf("RoundTo3(%g) = %g, want %g", c.in, got, c.want)
		}
	}
}
