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

// Package sarwatch implements the core of an InSAR deformation-monitoring
// pipeline: it materializes areas of interest as lattices of ground
// monitoring points, discovers and scores Sentinel-1 SLC image pairs,
// orchestrates interferometric processing jobs against an external service,
// samples the resulting displacement rasters at each monitoring point, and
// derives per-point deformation velocities.
package sarwatch

import (
	"time"

	"github.com/ctessum/geom"
	"github.com/google/uuid"
)

// JobStatus is the processing state of a Job. The set of states is closed;
// allowed transitions are defined by CanTransition.
type JobStatus string

// Job states. Pending jobs are queued but not yet confirmed by the upstream
// processing service; Running jobs are processing upstream; Processing jobs
// have finished upstream and are being post-processed locally. Succeeded,
// Failed and Cancelled are terminal.
const (
	StatusPending    JobStatus = "PENDING"
	StatusRunning    JobStatus = "RUNNING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusSucceeded  JobStatus = "SUCCEEDED"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
)

// Valid reports whether s is one of the defined job states.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusProcessing,
		StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state from which no further
// transitions are allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from state `from` to state
// `to`. The forward path is PENDING → RUNNING → PROCESSING → SUCCEEDED;
// any non-terminal state may additionally move to FAILED or CANCELLED.
// RUNNING and PROCESSING may be re-entered, so repeated poll observations
// and post-crash replays of local post-processing remain valid transitions.
func CanTransition(from, to JobStatus) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	switch to {
	case StatusFailed, StatusCancelled:
		return true
	case StatusRunning:
		return from == StatusPending || from == StatusRunning
	case StatusProcessing:
		return from == StatusRunning || from == StatusProcessing
	case StatusSucceeded:
		return from == StatusProcessing
	}
	return false
}

// An Infrastructure is a monitored structure (bridge, dam, pipeline segment)
// described by a polygon in WGS84 (longitude/latitude, EPSG:4326).
// Infrastructures are created by an external owner; the pipeline treats them
// as read-only and attaches Points, Jobs and Deformations to them.
type Infrastructure struct {
	ID        uuid.UUID
	Name      string
	Geometry  geom.Polygon
	CreatedAt time.Time
}

// A Point is one ground monitoring location within an Infrastructure.
// Points are generated in bulk on a regular ground lattice and are immutable
// after creation.
type Point struct {
	ID               uuid.UUID
	InfrastructureID uuid.UUID
	Lon, Lat         float64
	SoilType         *string
}

// A FileDescriptor describes one output file published by the upstream
// processing service for a finished job.
type FileDescriptor struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// A Job tracks one interferometric processing request through its lifecycle,
// from submission to the upstream service until its measurements are
// persisted (or it fails). Job rows are kept indefinitely; retries create
// new rows rather than resetting old ones.
type Job struct {
	ID               uuid.UUID
	InfrastructureID uuid.UUID
	// UpstreamID is the identifier assigned by the processing service
	// at submission time.
	UpstreamID string
	Status     JobStatus
	// BBox is the area the interferogram is expected to cover, normally
	// the infrastructure polygon.
	BBox             geom.Polygon
	ReferenceGranule string
	SecondaryGranule string
	Files            []FileDescriptor
	ErrorMessage     string
	// RetryCount is the number of poll attempts made so far.
	RetryCount int
	// ProcessingMS is the wall-clock duration of local post-processing
	// (download, sampling, insertion) in milliseconds.
	ProcessingMS *int64
	// RunningAt is the time the job was first observed running upstream.
	// The job wall-clock ceiling is measured from this instant.
	RunningAt   *time.Time
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// A Measurement is one sampled displacement value for one Point on one
// acquisition date, before persistence. Coherence is nil when no coherence
// raster accompanied the displacement raster.
type Measurement struct {
	PointID        uuid.UUID
	Date           time.Time
	DisplacementMM float64
	Coherence      *float64
}

// A Deformation is one persisted displacement measurement. Rows are unique
// by (PointID, JobID, Date). VelocityMMYear is nil until derived by a
// velocity recomputation pass, and for points with fewer than two
// measurements.
type Deformation struct {
	ID             uuid.UUID
	PointID        uuid.UUID
	JobID          uuid.UUID
	Date           time.Time
	DisplacementMM float64
	Coherence      *float64
	VelocityMMYear *float64
}

// A Granule is one Sentinel-1 SLC acquisition returned by the catalog.
type Granule struct {
	Name            string
	StartTime       time.Time
	StopTime        time.Time
	Path            int
	Frame           int
	FlightDirection string
	Polarization    string
	Footprint       geom.Polygon
}

// A PairCandidate is a scored (reference, secondary) granule pair suitable
// for interferometric processing. Candidates are value types; they are not
// persisted.
type PairCandidate struct {
	Reference Granule
	Secondary Granule
	// TemporalBaselineDays is the time separation of the two acquisitions.
	TemporalBaselineDays int
	// PerpendicularBaselineM is the across-track separation of the two
	// satellite positions in meters.
	PerpendicularBaselineM float64
	Path                   int
	// Score is the pair quality in [0, 1]; larger is better.
	Score float64
}

// A DateWindow is a closed time interval used to bound catalog searches.
type DateWindow struct {
	Start, End time.Time
}
