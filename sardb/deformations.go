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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/spatialmodel/sarwatch"
)

// BulkUpsertDeformations persists the sampled measurements of one job. Rows
// are written in chunks of the configured size, each chunk one atomic
// statement keyed on (point_id, job_id, date): re-running the same job
// overwrites displacement and coherence in place, so a crashed run can be
// replayed without duplicating rows. Stored velocities are left untouched.
// It returns the number of rows written.
func (db *DB) BulkUpsertDeformations(ctx context.Context, jobID uuid.UUID, measurements []sarwatch.Measurement) (int, error) {
	if len(measurements) == 0 {
		return 0, nil
	}
	start := time.Now()
	chunk := db.chunk()
	total := 0
	for lo := 0; lo < len(measurements); lo += chunk {
		hi := min(lo+chunk, len(measurements))
		part := measurements[lo:hi]
		pointIDs := make([]uuid.UUID, len(part))
		dates := make([]time.Time, len(part))
		displacements := make([]float64, len(part))
		coherences := make([]*float64, len(part))
		for i, m := range part {
			pointIDs[i] = m.PointID
			dates[i] = m.Date
			displacements[i] = m.DisplacementMM
			coherences[i] = m.Coherence
		}
		tag, err := db.Pool.Exec(ctx, `
			INSERT INTO deformations (point_id, job_id, date, displacement_mm, coherence)
			SELECT v.point_id, $1, v.date, v.displacement_mm, v.coherence
			FROM unnest($2::uuid[], $3::date[], $4::float8[], $5::float8[])
				AS v(point_id, date, displacement_mm, coherence)
			ON CONFLICT (point_id, job_id, date) DO UPDATE SET
				displacement_mm = EXCLUDED.displacement_mm,
				coherence = EXCLUDED.coherence`,
			jobID, pointIDs, dates, displacements, coherences)
		if err != nil {
			return total, fmt.Errorf("sardb: upserting deformation rows %d through %d for job %s: %w",
				lo, hi, jobID, err)
		}
		total += int(tag.RowsAffected())
		db.logger().WithFields(logrus.Fields{
			"job_id":  jobID,
			"rows":    hi - lo,
			"through": hi,
			"total":   len(measurements),
		}).Debug("sardb: upserted deformation chunk")
	}
	db.logger().WithFields(logrus.Fields{
		"job_id":  jobID,
		"rows":    total,
		"elapsed": time.Since(start),
	}).Info("sardb: bulk-upserted deformations")
	return total, nil
}

// RecomputeVelocities refits the deformation velocity of every monitoring
// point of an infrastructure from its full measurement history across
// succeeded jobs. Each point's series is regressed against days since its
// first measurement; the slope, scaled to mm/year and rounded to three
// decimals, is written into all of the point's deformation rows. Points with
// fewer than two measurements, or with all measurements on one day, get
// NULL. The pass is idempotent. It returns the number of points fitted.
func (db *DB) RecomputeVelocities(ctx context.Context, infraID uuid.UUID) (int, error) {
	start := time.Now()
	rows, err := db.Pool.Query(ctx, `
		SELECT d.point_id, d.date, d.displacement_mm::float8
		FROM deformations d
		JOIN points p ON p.id = d.point_id
		JOIN jobs j ON j.id = d.job_id
		WHERE p.infrastructure_id = $1 AND j.status = 'SUCCEEDED'
		ORDER BY d.point_id, d.date`, infraID)
	if err != nil {
		return 0, fmt.Errorf("sardb: reading measurement history for %s: %w", infraID, err)
	}
	defer rows.Close()

	// Rows arrive grouped by point; fit each group as it completes.
	var (
		pointIDs   []uuid.UUID
		velocities []*float64
		cur        uuid.UUID
		first      time.Time
		days, mm   []float64
		started    bool
	)
	flush := func() {
		if len(days) == 0 {
			return
		}
		pointIDs = append(pointIDs, cur)
		velocities = append(velocities, fitVelocity(days, mm))
		days, mm = days[:0], mm[:0]
	}
	for rows.Next() {
		var (
			id   uuid.UUID
			date time.Time
			disp float64
		)
		if err := rows.Scan(&id, &date, &disp); err != nil {
			return 0, fmt.Errorf("sardb: reading measurement history for %s: %w", infraID, err)
		}
		if !started || id != cur {
			flush()
			cur, first, started = id, date, true
		}
		days = append(days, date.Sub(first).Hours()/24)
		mm = append(mm, disp)
	}
	flush()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("sardb: reading measurement history for %s: %w", infraID, err)
	}

	updated := 0
	chunk := db.chunk()
	for lo := 0; lo < len(pointIDs); lo += chunk {
		hi := min(lo+chunk, len(pointIDs))
		tag, err := db.Pool.Exec(ctx, `
			UPDATE deformations d
			SET velocity_mm_year = v.velocity
			FROM unnest($1::uuid[], $2::float8[]) AS v(point_id, velocity)
			WHERE d.point_id = v.point_id`,
			pointIDs[lo:hi], velocities[lo:hi])
		if err != nil {
			return 0, fmt.Errorf("sardb: writing velocities for %s: %w", infraID, err)
		}
		updated += int(tag.RowsAffected())
	}
	db.logger().WithFields(logrus.Fields{
		"infrastructure_id": infraID,
		"points":            len(pointIDs),
		"rows":              updated,
		"elapsed":           time.Since(start),
	}).Info("sardb: recomputed velocities")
	return len(pointIDs), nil
}

// fitVelocity returns the ordinary-least-squares slope of one point's
// displacement series in mm/year, or nil when the series cannot constrain a
// trend.
func fitVelocity(days, mm []float64) *float64 {
	if len(days) < 2 {
		return nil
	}
	spread := false
	for _, d := range days[1:] {
		if d != days[0] {
			spread = true
			break
		}
	}
	if !spread {
		return nil
	}
	_, slope := stat.LinearRegression(days, mm, nil, false)
	v := sarwatch.RoundTo3(slope * 365.25)
	return &v
}

// CountDeformations reports the number of persisted measurements for a job.
func (db *DB) CountDeformations(ctx context.Context, jobID uuid.UUID) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM deformations WHERE job_id = $1`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sardb: counting deformations for job %s: %w", jobID, err)
	}
	return n, nil
}

// A PointVelocity summarizes one monitoring point's deformation record.
type PointVelocity struct {
	PointID        uuid.UUID
	Lon, Lat       float64
	VelocityMMYear *float64
	// Measurements counts the point's rows from succeeded jobs, the ones
	// its velocity was fitted on.
	Measurements int
}

// Velocities returns the per-point velocity summary of an infrastructure,
// one entry per monitoring point whether or not it has measurements yet.
func (db *DB) Velocities(ctx context.Context, infraID uuid.UUID) ([]PointVelocity, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT p.id, ST_X(p.location), ST_Y(p.location),
		       max(d.velocity_mm_year)::float8,
		       count(*) FILTER (WHERE j.status = 'SUCCEEDED')
		FROM points p
		LEFT JOIN deformations d ON d.point_id = p.id
		LEFT JOIN jobs j ON j.id = d.job_id
		WHERE p.infrastructure_id = $1
		GROUP BY p.id
		ORDER BY p.id`, infraID)
	if err != nil {
		return nil, fmt.Errorf("sardb: reading velocities for %s: %w", infraID, err)
	}
	defer rows.Close()
	var out []PointVelocity
	for rows.Next() {
		var pv PointVelocity
		if err := rows.Scan(&pv.PointID, &pv.Lon, &pv.Lat, &pv.VelocityMMYear, &pv.Measurements); err != nil {
			return nil, fmt.Errorf("sardb: reading velocities for %s: %w", infraID, err)
		}
		out = append(out, pv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sardb: reading velocities for %s: %w", infraID, err)
	}
	return out, nil
}
