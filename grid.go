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
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ctessum/geom"
	"github.com/google/uuid"
)

// pointCostUSD is the placeholder per-point cost used for grid estimates.
// Upstream processing is free-tier, so the estimate prices storage and
// serving only.
const pointCostUSD = 0.0001

// GridEstimate is the result of a dry-run grid computation.
type GridEstimate struct {
	PointCount       int
	AreaKM2          float64
	EstimatedCostUSD float64
}

// GridResult reports a completed grid generation.
type GridResult struct {
	PointCount int
	Duration   time.Duration
}

// PointStore is the storage capability grid generation needs.
type PointStore interface {
	// Infrastructure returns the infrastructure with the given ID, or an
	// error wrapping ErrInfrastructureNotFound.
	Infrastructure(ctx context.Context, id uuid.UUID) (*Infrastructure, error)
	// BulkInsertPoints persists points atomically: on error no rows
	// remain.
	BulkInsertPoints(ctx context.Context, points []Point) error
}

// EstimateGrid computes, without persisting anything, the monitoring lattice
// that GenerateGrid would produce for the WGS84 polygon at the given ground
// spacing in meters. It returns ErrInvalidGeometry for degenerate,
// self-intersecting, out-of-range or beyond-latitude-limit polygons (and for
// spacings below 1 m), and ErrAreaTooLarge when the polygon area exceeds
// cfg.MaxAreaKM2.
func EstimateGrid(polygon geom.Polygon, spacingM float64, cfg GridConfig) (*GridEstimate, error) {
	area, err := checkGridInputs(polygon, spacingM, cfg)
	if err != nil {
		return nil, err
	}
	n := 0
	forEachLatticePoint(polygon, spacingM, func(geom.Point) bool {
		n++
		return true
	})
	return &GridEstimate{
		PointCount:       n,
		AreaKM2:          area,
		EstimatedCostUSD: float64(n) * pointCostUSD,
	}, nil
}

// GenerateGrid materializes the monitoring lattice for an infrastructure and
// persists it in one atomic bulk insert. Every generated point carries a
// fresh identifier. In addition to the EstimateGrid failure modes it returns
// ErrInfrastructureNotFound when the infrastructure does not exist and
// ErrPointLimitExceeded when the lattice would exceed cfg.MaxPoints, in
// which case nothing is persisted.
func GenerateGrid(ctx context.Context, store PointStore, infraID uuid.UUID, polygon geom.Polygon, spacingM float64, cfg GridConfig) (*GridResult, error) {
	start := time.Now()
	if _, err := checkGridInputs(polygon, spacingM, cfg); err != nil {
		return nil, err
	}
	if _, err := store.Infrastructure(ctx, infraID); err != nil {
		return nil, err
	}

	points := make([]Point, 0, 1024)
	overLimit := false
	forEachLatticePoint(polygon, spacingM, func(p geom.Point) bool {
		if len(points) >= cfg.MaxPoints {
			overLimit = true
			return false
		}
		points = append(points, Point{
			ID:               uuid.New(),
			InfrastructureID: infraID,
			Lon:              p.X,
			Lat:              p.Y,
		})
		return true
	})
	if overLimit {
		return nil, fmt.Errorf("%w: lattice exceeds %d points", ErrPointLimitExceeded, cfg.MaxPoints)
	}

	if err := store.BulkInsertPoints(ctx, points); err != nil {
		return nil, fmt.Errorf("sarwatch: persisting %d grid points: %w", len(points), err)
	}
	return &GridResult{PointCount: len(points), Duration: time.Since(start)}, nil
}

// checkGridInputs validates spacing, geometry and area, returning the
// polygon area in km².
func checkGridInputs(polygon geom.Polygon, spacingM float64, cfg GridConfig) (float64, error) {
	if math.IsNaN(spacingM) || spacingM < 1 {
		return 0, fmt.Errorf("%w: spacing %g m must be at least 1 m", ErrInvalidGeometry, spacingM)
	}
	if err := validatePolygon(polygon, cfg.MaxAbsLatitudeDeg); err != nil {
		return 0, err
	}
	area := polygonAreaKM2(polygon)
	if area > cfg.MaxAreaKM2 {
		return 0, fmt.Errorf("%w: %.6f km² > %g km²", ErrAreaTooLarge, area, cfg.MaxAreaKM2)
	}
	return area, nil
}

// forEachLatticePoint visits, in row-major order, every cell-center of the
// ground lattice over the polygon's bounding box that lies strictly inside
// the polygon. The latitude step is spacing/111320°; the longitude step uses
// the cosine of the bounding box's mean latitude. Centers start half a step
// in from the box edges, so a polygon aligned to the spacing yields exactly
// area/spacing² points. Points on an edge or inside a hole are skipped. The
// visit function returns false to stop early.
func forEachLatticePoint(polygon geom.Polygon, spacingM float64, visit func(geom.Point) bool) {
	b := polygon.Bounds()
	meanLat := (b.Min.Y + b.Max.Y) / 2
	dLat := latStepDeg(spacingM)
	dLon := lonStepDeg(spacingM, meanLat)

	for i := 0; ; i++ {
		lat := b.Min.Y + (float64(i)+0.5)*dLat
		if lat >= b.Max.Y {
			return
		}
		for j := 0; ; j++ {
			lon := b.Min.X + (float64(j)+0.5)*dLon
			if lon >= b.Max.X {
				break
			}
			p := geom.Point{X: lon, Y: lat}
			if p.Within(polygon) == geom.Inside {
				if !visit(p) {
					return
				}
			}
		}
	}
}
