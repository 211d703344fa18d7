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

package raster

import (
	"fmt"
	"math"

	"github.com/ctessum/geom/proj"
	"github.com/spatialmodel/sarwatch/raster/geotiff"
)

const wgs84Proj4 = "+proj=longlat +datum=WGS84 +no_defs"

// A projector maps WGS84 query coordinates into one raster's model space
// and on to pixel indices. Interferometric products are either geographic
// (degrees, no conversion needed) or in a UTM zone.
type projector struct {
	transform proj.Transformer // nil when the raster is geographic
}

func newProjector(crs geotiff.CRS) (*projector, error) {
	if crs.Geographic {
		return &projector{}, nil
	}
	p4, err := utmProj4(crs.EPSG)
	if err != nil {
		return nil, err
	}
	src, err := proj.Parse(wgs84Proj4)
	if err != nil {
		return nil, fmt.Errorf("raster: parsing WGS84 definition: %w", err)
	}
	dst, err := proj.Parse(p4)
	if err != nil {
		return nil, fmt.Errorf("raster: parsing EPSG:%d definition: %w", crs.EPSG, err)
	}
	t, err := src.NewTransform(dst)
	if err != nil {
		return nil, fmt.Errorf("raster: building transform to EPSG:%d: %w", crs.EPSG, err)
	}
	return &projector{transform: t}, nil
}

// utmProj4 builds the proj4 definition of a WGS84 UTM zone from its EPSG
// code.
func utmProj4(epsg int) (string, error) {
	switch {
	case epsg >= 32601 && epsg <= 32660:
		return fmt.Sprintf("+proj=utm +zone=%d +datum=WGS84 +units=m +no_defs", epsg-32600), nil
	case epsg >= 32701 && epsg <= 32760:
		return fmt.Sprintf("+proj=utm +zone=%d +south +datum=WGS84 +units=m +no_defs", epsg-32700), nil
	}
	return "", fmt.Errorf("raster: unsupported raster CRS EPSG:%d", epsg)
}

// pixel maps a WGS84 point to the column and row of the raster pixel
// containing it. Points that project outside the raster, or that cannot be
// projected at all, report ok=false.
func (p *projector) pixel(r *geotiff.Raster, lon, lat float64) (px, py int, ok bool) {
	x, y := lon, lat
	if p.transform != nil {
		var err error
		x, y, err = p.transform(lon, lat)
		if err != nil {
			return 0, 0, false
		}
	}
	fx := math.Round((x - r.OriginX) / r.PixelWidth)
	fy := math.Round((r.OriginY - y) / r.PixelHeight)
	if !(fx >= 0 && fx < float64(r.Width) && fy >= 0 && fy < float64(r.Height)) {
		return 0, 0, false
	}
	return int(fx), int(fy), true
}
