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
	"sort"

	"github.com/ctessum/geom"
)

// PlaceholderPerpBaselineM substitutes for the perpendicular baseline of a
// candidate pair. The catalog search output carries no baseline estimates;
// until a baseline service is wired in, every pair is scored with this
// constant, so ranking discriminates on temporal baseline and coverage.
const PlaceholderPerpBaselineM = 100.0

// CatalogSearcher is the capability pair discovery needs from a granule
// catalog.
type CatalogSearcher interface {
	// SearchGranules returns the Sentinel-1 SLC granules whose footprints
	// intersect the AOI and whose acquisition start times fall inside the
	// window.
	SearchGranules(ctx context.Context, aoi geom.Polygon, window DateWindow) ([]Granule, error)
}

// FindPairs queries the catalog for granules covering the AOI within the
// date window, forms all same-track (reference, secondary) pairs whose
// temporal baseline lies within [cfg.MinBaselineDays, cfg.MaxBaselineDays],
// scores them, and returns them in descending score order. The reference is
// always the earlier acquisition. An empty result is not an error; callers
// decide whether any candidate is good enough (see BestPair).
func FindPairs(ctx context.Context, catalog CatalogSearcher, aoi geom.Polygon, window DateWindow, cfg PairsConfig) ([]PairCandidate, error) {
	granules, err := catalog.SearchGranules(ctx, aoi, window)
	if err != nil {
		return nil, fmt.Errorf("sarwatch: searching granule catalog: %w", err)
	}

	byPath := make(map[int][]Granule)
	seen := make(map[string]bool)
	for _, g := range granules {
		if seen[g.Name] {
			continue
		}
		seen[g.Name] = true
		byPath[g.Path] = append(byPath[g.Path], g)
	}

	var candidates []PairCandidate
	for path, track := range byPath {
		sort.Slice(track, func(i, j int) bool {
			return track[i].StartTime.Before(track[j].StartTime)
		})
		for i := 0; i < len(track); i++ {
			for j := i + 1; j < len(track); j++ {
				days := track[j].StartTime.Sub(track[i].StartTime).Hours() / 24
				if days < float64(cfg.MinBaselineDays) || days > float64(cfg.MaxBaselineDays) {
					continue
				}
				c := PairCandidate{
					Reference:              track[i],
					Secondary:              track[j],
					TemporalBaselineDays:   int(math.Round(days)),
					PerpendicularBaselineM: PlaceholderPerpBaselineM,
					Path:                   path,
				}
				c.Score = temporalFactor(days, cfg) *
					baselineFactor(c.PerpendicularBaselineM, cfg) *
					coverageFactor(aoi, track[i].Footprint)
				candidates = append(candidates, c)
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if !candidates[i].Reference.StartTime.Equal(candidates[j].Reference.StartTime) {
			return candidates[i].Reference.StartTime.Before(candidates[j].Reference.StartTime)
		}
		return candidates[i].Secondary.Name < candidates[j].Secondary.Name
	})
	return candidates, nil
}

// BestPair returns the top candidate whose score meets minScore, or
// ErrNoSuitablePairs. Candidates must already be sorted by descending score,
// as FindPairs returns them.
func BestPair(candidates []PairCandidate, minScore float64) (*PairCandidate, error) {
	if len(candidates) == 0 || candidates[0].Score < minScore {
		return nil, fmt.Errorf("%w: %d candidates, none scoring ≥ %g",
			ErrNoSuitablePairs, len(candidates), minScore)
	}
	c := candidates[0]
	return &c, nil
}

// temporalFactor scores a temporal baseline in days: 1 at the optimal
// baseline, falling linearly to 0 at both window edges.
func temporalFactor(days float64, cfg PairsConfig) float64 {
	min := float64(cfg.MinBaselineDays)
	max := float64(cfg.MaxBaselineDays)
	opt := float64(cfg.OptimalBaselineDays)
	if days < min || days > max {
		return 0
	}
	var f float64
	if days <= opt {
		f = (days - min) / (opt - min)
	} else {
		f = (max - days) / (max - opt)
	}
	return clamp01(f)
}

// baselineFactor scores a perpendicular baseline in meters: 1 at 0 m,
// falling linearly to 0 at cfg.MaxPerpBaselineM.
func baselineFactor(perpM float64, cfg PairsConfig) float64 {
	return clamp01(1 - math.Abs(perpM)/cfg.MaxPerpBaselineM)
}

// coverageFactor is the fraction of the AOI area covered by the granule
// footprint.
func coverageFactor(aoi, footprint geom.Polygon) float64 {
	aoiArea := aoi.Area()
	if aoiArea <= 0 || len(footprint) == 0 {
		return 0
	}
	inter := aoi.Intersection(footprint)
	if inter == nil {
		return 0
	}
	return clamp01(inter.Area() / aoiArea)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
