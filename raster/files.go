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

// Package raster downloads the GeoTIFF products of finished interferometric
// jobs and samples displacement and coherence at monitoring points.
package raster

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spatialmodel/sarwatch"
)

// Kind classifies an upstream product file by its role.
type Kind int

const (
	KindUnknown Kind = iota
	// KindVerticalDisplacement is the vertical displacement raster in
	// meters, the one product a job cannot do without.
	KindVerticalDisplacement
	// KindLOSDisplacement is displacement along the satellite line of
	// sight. It is recorded but not sampled.
	KindLOSDisplacement
	// KindCoherence is the phase coherence raster in [0, 1].
	KindCoherence
)

// Classify reports the role of a product file from its name.
func Classify(filename string) Kind {
	switch {
	case strings.HasSuffix(filename, "_vert_disp.tif"):
		return KindVerticalDisplacement
	case strings.HasSuffix(filename, "_los_disp.tif"):
		return KindLOSDisplacement
	case strings.HasSuffix(filename, "_corr.tif"):
		return KindCoherence
	}
	return KindUnknown
}

// Product file names carry the acquisition dates of the image pair as two
// adjacent underscore-separated tokens, reference first. Some services
// append the acquisition time to each token.
var pairDatesRE = regexp.MustCompile(`(?:^|_)(\d{8})(?:T\d{6})?_(\d{8})(?:T\d{6})?(?:_|\.)`)

// PairDates extracts the reference and secondary acquisition dates from a
// product file name. Measurements made from the product are attributed to
// the secondary (later) date.
func PairDates(filename string) (reference, secondary time.Time, err error) {
	m := pairDatesRE.FindStringSubmatch(filename)
	if m == nil {
		return time.Time{}, time.Time{},
			fmt.Errorf("raster: no acquisition dates in file name %q: %w", filename, sarwatch.ErrCorruptedRaster)
	}
	reference, err = time.ParseInLocation("20060102", m[1], time.UTC)
	if err == nil {
		secondary, err = time.ParseInLocation("20060102", m[2], time.UTC)
	}
	if err != nil {
		return time.Time{}, time.Time{},
			fmt.Errorf("raster: bad acquisition date in file name %q: %w", filename, sarwatch.ErrCorruptedRaster)
	}
	return reference, secondary, nil
}
