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

import "errors"

// Error kinds returned at component boundaries. Callers match them with
// errors.Is; wrapped messages carry the detail.
var (
	// ErrInvalidGeometry indicates an AOI polygon that is degenerate,
	// self-intersecting, outside valid longitude/latitude ranges, or
	// beyond the configured latitude ceiling.
	ErrInvalidGeometry = errors.New("sarwatch: invalid geometry")

	// ErrAreaTooLarge indicates an AOI polygon whose area exceeds the
	// configured maximum.
	ErrAreaTooLarge = errors.New("sarwatch: AOI area exceeds maximum")

	// ErrPointLimitExceeded indicates that grid generation would produce
	// more points than the configured ceiling.
	ErrPointLimitExceeded = errors.New("sarwatch: point limit exceeded")

	// ErrInfrastructureNotFound indicates a reference to an infrastructure
	// that does not exist.
	ErrInfrastructureNotFound = errors.New("sarwatch: infrastructure not found")

	// ErrNoPointsForInfrastructure indicates a job submission for an
	// infrastructure whose grid has not been generated.
	ErrNoPointsForInfrastructure = errors.New("sarwatch: infrastructure has no points")

	// ErrNoSuitablePairs indicates that no granule pair met the minimum
	// quality score for the requested AOI and date window.
	ErrNoSuitablePairs = errors.New("sarwatch: no suitable granule pairs")

	// ErrCatalogUnavailable indicates that the granule catalog could not
	// be reached after retries.
	ErrCatalogUnavailable = errors.New("sarwatch: granule catalog unavailable")

	// ErrUpstreamRejected indicates that the processing service rejected a
	// job submission; the upstream message is retained in the wrap.
	ErrUpstreamRejected = errors.New("sarwatch: upstream rejected job")

	// ErrTimeout indicates that a job exceeded its poll-attempt ceiling or
	// wall-clock budget and was moved to FAILED.
	ErrTimeout = errors.New("sarwatch: job timed out")

	// ErrCancelled indicates a job terminated by an external cancellation
	// request.
	ErrCancelled = errors.New("sarwatch: job cancelled")

	// ErrCorruptedRaster indicates a job output raster that could not be
	// parsed, or a required raster missing from the job outputs.
	ErrCorruptedRaster = errors.New("sarwatch: corrupted or missing raster")

	// ErrJobNotFound indicates a reference to a job that does not exist.
	ErrJobNotFound = errors.New("sarwatch: job not found")

	// ErrInvalidTransition indicates an attempted job state change that
	// the state machine does not allow.
	ErrInvalidTransition = errors.New("sarwatch: invalid job state transition")

	// ErrJobBusy indicates that another worker holds the advisory lock for
	// a job; the caller should re-deliver later.
	ErrJobBusy = errors.New("sarwatch: job locked by another worker")

	// ErrNotRetryable indicates a retry request for a job that is not in a
	// terminal non-succeeded state.
	ErrNotRetryable = errors.New("sarwatch: job not retryable")
)
