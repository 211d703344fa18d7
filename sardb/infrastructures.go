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
	"errors"
	"fmt"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spatialmodel/sarwatch"
)

// CreateInfrastructure stores a monitored structure. A zero ID is assigned;
// CreatedAt is filled from the database clock.
func (db *DB) CreateInfrastructure(ctx context.Context, inf *sarwatch.Infrastructure) error {
	if inf.ID == uuid.Nil {
		inf.ID = uuid.New()
	}
	gj, err := geojson.Encode(inf.Geometry)
	if err != nil {
		return fmt.Errorf("sardb: encoding infrastructure geometry: %w", err)
	}
	err = db.Pool.QueryRow(ctx, `
		INSERT INTO infrastructures (id, name, geometry)
		VALUES ($1, $2, ST_SetSRID(ST_GeomFromGeoJSON($3), 4326))
		RETURNING created_at`,
		inf.ID, inf.Name, string(gj)).Scan(&inf.CreatedAt)
	if err != nil {
		return fmt.Errorf("sardb: inserting infrastructure %s: %w", inf.ID, err)
	}
	return nil
}

// Infrastructure fetches one infrastructure by ID.
func (db *DB) Infrastructure(ctx context.Context, id uuid.UUID) (*sarwatch.Infrastructure, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, name, ST_AsGeoJSON(geometry), created_at
		FROM infrastructures
		WHERE id = $1`, id)
	inf, err := scanInfrastructure(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", sarwatch.ErrInfrastructureNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sardb: reading infrastructure %s: %w", id, err)
	}
	return inf, nil
}

// ListInfrastructures returns all infrastructures, oldest first.
func (db *DB) ListInfrastructures(ctx context.Context) ([]sarwatch.Infrastructure, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, name, ST_AsGeoJSON(geometry), created_at
		FROM infrastructures
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sardb: listing infrastructures: %w", err)
	}
	defer rows.Close()
	var out []sarwatch.Infrastructure
	for rows.Next() {
		inf, err := scanInfrastructure(rows)
		if err != nil {
			return nil, fmt.Errorf("sardb: listing infrastructures: %w", err)
		}
		out = append(out, *inf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sardb: listing infrastructures: %w", err)
	}
	return out, nil
}

func scanInfrastructure(row pgx.Row) (*sarwatch.Infrastructure, error) {
	var (
		inf sarwatch.Infrastructure
		gj  string
	)
	if err := row.Scan(&inf.ID, &inf.Name, &gj, &inf.CreatedAt); err != nil {
		return nil, err
	}
	g, err := geojson.Decode([]byte(gj))
	if err != nil {
		return nil, fmt.Errorf("decoding geometry: %w", err)
	}
	poly, ok := g.(geom.Polygon)
	if !ok {
		return nil, fmt.Errorf("geometry is %T, not a polygon", g)
	}
	inf.Geometry = poly
	return &inf, nil
}
