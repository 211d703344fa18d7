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

package sardb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spatialmodel/sarwatch"
)

// jobColumns is the select list shared by every query that scans a Job.
const jobColumns = `id, infrastructure_id, upstream_id, status,
	ST_AsGeoJSON(bbox), reference_granule, secondary_granule,
	files, error_message, retry_count, processing_ms,
	running_at, created_at, completed_at`

// nonTerminalStatuses lists the states a crashed worker may have left a job
// in; the startup rescan re-enqueues exactly these.
var nonTerminalStatuses = []string{
	string(sarwatch.StatusPending),
	string(sarwatch.StatusRunning),
	string(sarwatch.StatusProcessing),
}

// CreateJob stores a new job row. A zero ID is assigned and an empty status
// defaults to PENDING; CreatedAt is filled from the database clock.
func (db *DB) CreateJob(ctx context.Context, job *sarwatch.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = sarwatch.StatusPending
	}
	if !job.Status.Valid() {
		return fmt.Errorf("sardb: creating job: invalid status %q", job.Status)
	}
	var bbox *string
	if len(job.BBox) > 0 {
		gj, err := geojson.Encode(job.BBox)
		if err != nil {
			return fmt.Errorf("sardb: encoding job bbox: %w", err)
		}
		s := string(gj)
		bbox = &s
	}
	files, err := marshalFiles(job.Files)
	if err != nil {
		return fmt.Errorf("sardb: creating job: %w", err)
	}
	err = db.Pool.QueryRow(ctx, `
		INSERT INTO jobs (id, infrastructure_id, upstream_id, status, bbox,
			reference_granule, secondary_granule, files, error_message,
			retry_count, processing_ms, running_at, completed_at)
		VALUES ($1, $2, $3, $4, ST_SetSRID(ST_GeomFromGeoJSON($5), 4326),
			$6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at`,
		job.ID, job.InfrastructureID, job.UpstreamID, string(job.Status), bbox,
		job.ReferenceGranule, job.SecondaryGranule, files, job.ErrorMessage,
		job.RetryCount, job.ProcessingMS, job.RunningAt, job.CompletedAt).
		Scan(&job.CreatedAt)
	if err != nil {
		return fmt.Errorf("sardb: inserting job %s: %w", job.ID, err)
	}
	return nil
}

// Job fetches one job by ID.
func (db *DB) Job(ctx context.Context, id uuid.UUID) (*sarwatch.Job, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", sarwatch.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sardb: reading job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns the jobs of an infrastructure, newest first, optionally
// restricted to the given states.
func (db *DB) ListJobs(ctx context.Context, infraID uuid.UUID, statuses ...sarwatch.JobStatus) ([]sarwatch.Job, error) {
	if len(statuses) == 0 {
		return db.queryJobs(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE infrastructure_id = $1
			ORDER BY created_at DESC, id`, infraID)
	}
	set := make([]string, len(statuses))
	for i, s := range statuses {
		set[i] = string(s)
	}
	return db.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE infrastructure_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC, id`, infraID, set)
}

// ListNonTerminalJobs returns every job that has not reached a terminal
// state, oldest first. The orchestrator re-enqueues these at startup.
func (db *DB) ListNonTerminalJobs(ctx context.Context) ([]sarwatch.Job, error) {
	return db.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ANY($1)
		ORDER BY created_at, id`, nonTerminalStatuses)
}

// TransitionJob moves a job to a new state and applies mutate to the row
// inside the same transaction. The transaction first takes the job's
// advisory lock; if another worker holds it the call fails with ErrJobBusy
// and changes nothing. Disallowed state changes fail with
// ErrInvalidTransition. The updated row is returned.
//
// mutate may adjust UpstreamID, Files, ErrorMessage, RetryCount and
// ProcessingMS; other fields are managed by the store. RunningAt is set by
// the database clock on the first transition to RUNNING, CompletedAt on the
// transition into a terminal state.
func (db *DB) TransitionJob(ctx context.Context, id uuid.UUID, to sarwatch.JobStatus, mutate func(*sarwatch.Job)) (*sarwatch.Job, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("sardb: beginning job transition: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked bool
	err = tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtextextended($1::text, 0))`,
		id).Scan(&locked)
	if err != nil {
		return nil, fmt.Errorf("sardb: locking job %s: %w", id, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", sarwatch.ErrJobBusy, id)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", sarwatch.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sardb: reading job %s: %w", id, err)
	}
	if !sarwatch.CanTransition(job.Status, to) {
		return nil, fmt.Errorf("%w: %s to %s for job %s",
			sarwatch.ErrInvalidTransition, job.Status, to, id)
	}
	if mutate != nil {
		mutate(job)
	}
	job.Status = to

	files, err := marshalFiles(job.Files)
	if err != nil {
		return nil, fmt.Errorf("sardb: transitioning job %s: %w", id, err)
	}
	row = tx.QueryRow(ctx, `
		UPDATE jobs SET
			status = $2,
			upstream_id = $3,
			files = $4,
			error_message = $5,
			retry_count = $6,
			processing_ms = $7,
			running_at = CASE
				WHEN $2 = 'RUNNING' AND running_at IS NULL THEN now()
				ELSE running_at END,
			completed_at = CASE
				WHEN $2 IN ('SUCCEEDED', 'FAILED', 'CANCELLED')
					AND completed_at IS NULL THEN now()
				ELSE completed_at END
		WHERE id = $1
		RETURNING `+jobColumns,
		id, string(to), job.UpstreamID, files, job.ErrorMessage,
		job.RetryCount, job.ProcessingMS)
	updated, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("sardb: updating job %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("sardb: committing job transition: %w", err)
	}
	return updated, nil
}

// TouchJobPoll records one poll attempt: the job moves to (or stays in)
// RUNNING, its retry count increments, and RunningAt is set on first entry.
// It shares TransitionJob's locking discipline.
func (db *DB) TouchJobPoll(ctx context.Context, id uuid.UUID) (*sarwatch.Job, error) {
	return db.TransitionJob(ctx, id, sarwatch.StatusRunning, func(j *sarwatch.Job) {
		j.RetryCount++
	})
}

func (db *DB) queryJobs(ctx context.Context, sql string, args ...any) ([]sarwatch.Job, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sardb: listing jobs: %w", err)
	}
	defer rows.Close()
	var out []sarwatch.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sardb: listing jobs: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sardb: listing jobs: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (*sarwatch.Job, error) {
	var (
		j      sarwatch.Job
		status string
		bbox   *string
		files  []byte
	)
	err := row.Scan(&j.ID, &j.InfrastructureID, &j.UpstreamID, &status,
		&bbox, &j.ReferenceGranule, &j.SecondaryGranule,
		&files, &j.ErrorMessage, &j.RetryCount, &j.ProcessingMS,
		&j.RunningAt, &j.CreatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Status = sarwatch.JobStatus(status)
	if bbox != nil {
		g, err := geojson.Decode([]byte(*bbox))
		if err != nil {
			return nil, fmt.Errorf("decoding job bbox: %w", err)
		}
		poly, ok := g.(geom.Polygon)
		if !ok {
			return nil, fmt.Errorf("job bbox is %T, not a polygon", g)
		}
		j.BBox = poly
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &j.Files); err != nil {
			return nil, fmt.Errorf("decoding job files: %w", err)
		}
	}
	return &j, nil
}

func marshalFiles(files []sarwatch.FileDescriptor) ([]byte, error) {
	if files == nil {
		return []byte("[]"), nil
	}
	b, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("encoding job files: %w", err)
	}
	return b, nil
}
