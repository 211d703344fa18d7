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

// Package sardb persists infrastructures, monitoring points, processing jobs,
// the durable job queue and deformation measurements in PostgreSQL/PostGIS.
// It is the only package that speaks SQL; the rest of the pipeline goes
// through the operations defined here.
package sardb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Config holds the database connection parameters.
type Config struct {
	// DSN is a PostgreSQL connection string, either key/value or URL form.
	DSN string
	// MaxConns bounds the connection pool. Zero keeps the pgxpool default.
	MaxConns int32
	// ChunkSize is the number of rows written per bulk statement.
	// Zero means 1000.
	ChunkSize int
}

// DB wraps a pgx connection pool together with the bulk-write tuning and the
// logger shared by all storage operations.
type DB struct {
	Pool *pgxpool.Pool
	Log  logrus.FieldLogger

	dsn       string
	chunkSize int
}

// Connect opens a connection pool against cfg.DSN and verifies it with a
// ping. The caller owns the returned DB and must Close it.
func Connect(ctx context.Context, cfg Config) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sardb: parsing connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("sardb: creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sardb: pinging database: %w", err)
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = 1000
	}
	return &DB{Pool: pool, dsn: cfg.DSN, chunkSize: chunk}, nil
}

// Close releases the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *DB) chunk() int {
	if db.chunkSize <= 0 {
		return 1000
	}
	return db.chunkSize
}

func (db *DB) logger() logrus.FieldLogger {
	if db.Log == nil {
		return logrus.StandardLogger()
	}
	return db.Log
}
