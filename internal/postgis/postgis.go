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

// Package postgis starts a throwaway PostGIS instance in Docker for storage
// tests.
package postgis

import (
	"context"
	"fmt"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// image is the PostGIS build the tests run against; it matches the
// PostgreSQL major version the pipeline deploys on.
const image = "postgis/postgis:15-3.4"

// SetupTestDB starts a PostGIS container and returns a connection string for
// it. The container is terminated when the test finishes. Tests that cannot
// reach a Docker daemon are skipped, and so is testing.Short mode, since
// pulling and starting the image takes tens of seconds.
func SetupTestDB(ctx context.Context, t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostGIS container test in short mode")
	}
	const (
		dbname = "sarwatch_test"
		dbuser = "postgres"
		dbpass = "postgres"
	)

	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       dbname,
			"POSTGRES_USER":     dbuser,
			"POSTGRES_PASSWORD": dbpass,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("starting PostGIS container (is Docker available?): %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminating PostGIS container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatal(err)
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbuser, dbpass, host, port.Port(), dbname)

	// The readiness log can precede the final restart; retry the first
	// connection until the server really accepts it.
	err = backoff.Retry(func() error {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		return conn.Close(ctx)
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10))
	if err != nil {
		t.Fatal(err)
	}
	return dsn
}
