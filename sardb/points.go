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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/sarwatch"
)

// BulkInsertPoints persists a lattice of monitoring points in one
// transaction: either every point is stored or none is. Rows are staged with
// COPY and converted to PostGIS geometries in a single INSERT, which keeps
// six-figure lattices well under a second.
func (db *DB) BulkInsertPoints(ctx context.Context, points []sarwatch.Point) error {
	if len(points) == 0 {
		return nil
	}
	for i := range points {
		if points[i].ID == uuid.Nil {
			points[i].ID = uuid.New()
		}
	}
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sardb: beginning point insert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		CREATE TEMP TABLE points_load (
			id                uuid,
			infrastructure_id uuid,
			lon               double precision,
			lat               double precision,
			soil_type         text
		) ON COMMIT DROP`)
	if err != nil {
		return fmt.Errorf("sardb: creating point staging table: %w", err)
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"points_load"},
		[]string{"id", "infrastructure_id", "lon", "lat", "soil_type"},
		pgx.CopyFromSlice(len(points), func(i int) ([]any, error) {
			p := points[i]
			return []any{p.ID, p.InfrastructureID, p.Lon, p.Lat, p.SoilType}, nil
		}))
	if err != nil {
		return fmt.Errorf("sardb: copying points: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO points (id, infrastructure_id, location, soil_type)
		SELECT id, infrastructure_id,
		       ST_SetSRID(ST_MakePoint(lon, lat), 4326), soil_type
		FROM points_load`)
	if err != nil {
		return fmt.Errorf("sardb: inserting points: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("sardb: committing point insert: %w", err)
	}
	db.logger().WithFields(logrus.Fields{
		"infrastructure_id": points[0].InfrastructureID,
		"points":            n,
	}).Info("sardb: bulk-inserted points")
	return nil
}

// CountPoints reports the number of monitoring points attached to an
// infrastructure.
func (db *DB) CountPoints(ctx context.Context, infraID uuid.UUID) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM points WHERE infrastructure_id = $1`, infraID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sardb: counting points for %s: %w", infraID, err)
	}
	return n, nil
}

// ListPoints returns the monitoring points of an infrastructure ordered by
// ID. An infrastructure without points yields an empty slice, not an error.
func (db *DB) ListPoints(ctx context.Context, infraID uuid.UUID) ([]sarwatch.Point, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, infrastructure_id, ST_X(location), ST_Y(location), soil_type
		FROM points
		WHERE infrastructure_id = $1
		ORDER BY id`, infraID)
	if err != nil {
		return nil, fmt.Errorf("sardb: listing points for %s: %w", infraID, err)
	}
	defer rows.Close()
	var out []sarwatch.Point
	for rows.Next() {
		var p sarwatch.Point
		if err := rows.Scan(&p.ID, &p.InfrastructureID, &p.Lon, &p.Lat, &p.SoilType); err != nil {
			return nil, fmt.Errorf("sardb: listing points for %s: %w", infraID, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sardb: listing points for %s: %w", infraID, err)
	}
	return out, nil
}
