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
	"time"
)

// GridConfig holds the limits applied when converting an AOI polygon into a
// lattice of monitoring points.
type GridConfig struct {
	MaxAreaKM2        float64 // upper bound for AOI area
	MaxPoints         int     // upper bound for generated points per infrastructure
	DefaultSpacingM   float64 // lattice spacing used when the caller gives none
	MaxAbsLatitudeDeg float64 // refuse AOIs with vertices beyond this latitude
}

// PairsConfig holds the acceptance window and scoring parameters for
// interferometric pair selection.
type PairsConfig struct {
	MinBaselineDays     int     // shortest acceptable temporal baseline
	MaxBaselineDays     int     // longest acceptable temporal baseline
	OptimalBaselineDays int     // temporal baseline scoring 1.0
	MaxPerpBaselineM    float64 // perpendicular baseline scoring 0.0
	MinQualityScore     float64 // candidates below this are never selected
}

// OrchestratorConfig holds the worker-pool and polling parameters of the job
// orchestrator.
type OrchestratorConfig struct {
	WorkerCount int // concurrent poll workers
	// PollBase and PollMax bound the exponential re-poll schedule for jobs
	// still processing upstream.
	PollBase time.Duration
	PollMax  time.Duration
	// MaxAttempts is the poll-attempt ceiling; a job exceeding it fails
	// with a timeout.
	MaxAttempts int
	// JobWallClock is the ceiling on the time from a job's first RUNNING
	// observation to a terminal state.
	JobWallClock time.Duration
	// UpstreamRatePerMin caps calls to the processing service within each
	// wall-clock minute (fixed window).
	UpstreamRatePerMin int
}

// SamplerConfig holds the raster download and sampling parameters.
type SamplerConfig struct {
	MinCoherence    float64       // measurements below this coherence are dropped
	DownloadTimeout time.Duration // per-file download deadline
	// MaxRasterBytes is the decoded-band size above which the sampler
	// switches to windowed reads over the AOI bounding box.
	MaxRasterBytes int64
}

// StorageConfig holds bulk-write tuning for the deformation store.
type StorageConfig struct {
	BulkChunkSize int // rows per bulk-insert transaction
}

// Config aggregates the configuration of all pipeline components.
type Config struct {
	Grid         GridConfig
	Pairs        PairsConfig
	Orchestrator OrchestratorConfig
	Sampler      SamplerConfig
	Storage      StorageConfig
	// WorkingDir is the directory that holds per-job download
	// subdirectories; each is removed when its job reaches a terminal
	// state.
	WorkingDir string
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Grid: GridConfig{
			MaxAreaKM2:        5,
			MaxPoints:         200000,
			DefaultSpacingM:   5,
			MaxAbsLatitudeDeg: 85,
		},
		Pairs: PairsConfig{
			MinBaselineDays:     6,
			MaxBaselineDays:     48,
			OptimalBaselineDays: 12,
			MaxPerpBaselineM:    300,
			MinQualityScore:     0.3,
		},
		Orchestrator: OrchestratorConfig{
			WorkerCount:        5,
			PollBase:           30 * time.Second,
			PollMax:            5 * time.Minute,
			MaxAttempts:        50,
			JobWallClock:       60 * time.Minute,
			UpstreamRatePerMin: 10,
		},
		Sampler: SamplerConfig{
			MinCoherence:    0.3,
			DownloadTimeout: 10 * time.Minute,
			MaxRasterBytes:  50 * 1 << 20,
		},
		Storage: StorageConfig{
			BulkChunkSize: 1000,
		},
		WorkingDir: "sarwatch_work",
	}
}

// Validate checks c for values that would make the pipeline misbehave.
func (c *Config) Validate() error {
	if c.Grid.MaxAreaKM2 <= 0 {
		return fmt.Errorf("sarwatch: config: grid.max_area_km2 must be positive, got %g", c.Grid.MaxAreaKM2)
	}
	if c.Grid.MaxPoints <= 0 {
		return fmt.Errorf("sarwatch: config: grid.max_points must be positive, got %d", c.Grid.MaxPoints)
	}
	if c.Grid.MaxAbsLatitudeDeg <= 0 || c.Grid.MaxAbsLatitudeDeg > 90 {
		return fmt.Errorf("sarwatch: config: grid.max_abs_latitude_deg must be in (0, 90], got %g", c.Grid.MaxAbsLatitudeDeg)
	}
	if c.Pairs.MinBaselineDays <= 0 || c.Pairs.MaxBaselineDays <= c.Pairs.MinBaselineDays {
		return fmt.Errorf("sarwatch: config: pair baseline window [%d, %d] is invalid",
			c.Pairs.MinBaselineDays, c.Pairs.MaxBaselineDays)
	}
	if c.Pairs.OptimalBaselineDays <= c.Pairs.MinBaselineDays || c.Pairs.OptimalBaselineDays >= c.Pairs.MaxBaselineDays {
		return fmt.Errorf("sarwatch: config: pairs.optimal_baseline_days %d must lie inside the baseline window (%d, %d)",
			c.Pairs.OptimalBaselineDays, c.Pairs.MinBaselineDays, c.Pairs.MaxBaselineDays)
	}
	if c.Pairs.MaxPerpBaselineM <= 0 {
		return fmt.Errorf("sarwatch: config: pairs.max_perp_baseline_m must be positive, got %g", c.Pairs.MaxPerpBaselineM)
	}
	if c.Orchestrator.WorkerCount <= 0 {
		return fmt.Errorf("sarwatch: config: orchestrator.worker_count must be positive, got %d", c.Orchestrator.WorkerCount)
	}
	if c.Orchestrator.PollBase <= 0 || c.Orchestrator.PollMax < c.Orchestrator.PollBase {
		return fmt.Errorf("sarwatch: config: poll schedule base %v, max %v is invalid",
			c.Orchestrator.PollBase, c.Orchestrator.PollMax)
	}
	if c.Orchestrator.MaxAttempts <= 0 {
		return fmt.Errorf("sarwatch: config: orchestrator.max_attempts must be positive, got %d", c.Orchestrator.MaxAttempts)
	}
	if c.Orchestrator.UpstreamRatePerMin <= 0 {
		return fmt.Errorf("sarwatch: config: orchestrator.upstream_rate_per_min must be positive, got %d", c.Orchestrator.UpstreamRatePerMin)
	}
	if c.Sampler.MinCoherence < 0 || c.Sampler.MinCoherence > 1 {
		return fmt.Errorf("sarwatch: config: sampler.min_coherence must be in [0, 1], got %g", c.Sampler.MinCoherence)
	}
	if c.Storage.BulkChunkSize <= 0 {
		return fmt.Errorf("sarwatch: config: storage.bulk_chunk_size must be positive, got %d", c.Storage.BulkChunkSize)
	}
	if c.WorkingDir == "" {
		return fmt.Errorf("sarwatch: config: working_dir must be set")
	}
	return nil
}
