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
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"

	// Registers the "pgx" database/sql driver used by the migration
	// connection.
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrateUp applies all pending schema migrations. A database that is
// already current is not an error.
func (db *DB) MigrateUp() error {
	m, done, err := db.newMigrate()
	if err != nil {
		return err
	}
	defer done()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sardb: applying migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recently applied migration.
func (db *DB) MigrateDown() error {
	m, done, err := db.newMigrate()
	if err != nil {
		return err
	}
	defer done()
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sardb: rolling back migration: %w", err)
	}
	return nil
}

// MigrateVersion reports the current schema version and whether the last
// migration left the schema dirty. An unmigrated database reports version 0.
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, done, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	defer done()
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sardb: reading schema version: %w", err)
	}
	return version, dirty, nil
}

// MigrateForce overwrites the recorded schema version without running any
// migration. It exists to recover a schema marked dirty by an interrupted
// migration.
func (db *DB) MigrateForce(version int) error {
	m, done, err := db.newMigrate()
	if err != nil {
		return err
	}
	defer done()
	if err := m.Force(version); err != nil {
		return fmt.Errorf("sardb: forcing schema version %d: %w", version, err)
	}
	return nil
}

// newMigrate assembles a migrator over the embedded migration files and a
// dedicated database/sql connection. The returned func releases both.
func (db *DB) newMigrate() (*migrate.Migrate, func(), error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("sardb: loading embedded migrations: %w", err)
	}
	sqlDB, err := sql.Open("pgx", db.dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("sardb: opening migration connection: %w", err)
	}
	driver, err := migratepgx.WithInstance(sqlDB, &migratepgx.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("sardb: preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("sardb: preparing migrations: %w", err)
	}
	m.Log = &migrateLogger{log: db.logger()}
	done := func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			db.logger().WithFields(logrus.Fields{
				"source_err":   srcErr,
				"database_err": dbErr,
			}).Warn("sardb: closing migration handles")
		}
		sqlDB.Close()
	}
	return m, done, nil
}

// migrateLogger adapts the structured logger to the migrate.Logger interface.
type migrateLogger struct {
	log logrus.FieldLogger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Infof("sardb: migrate: "+strings.TrimSuffix(format, "\n"), v...)
}

func (l *migrateLogger) Verbose() bool { return false }
