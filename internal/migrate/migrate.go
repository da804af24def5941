// Copyright 2022 the Batch Export Server authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package migrate handles the configuration and execution of database
// migrations.
package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/eventlake/batch-export-server/internal/database"
	"github.com/eventlake/batch-export-server/internal/serverenv"
	"github.com/eventlake/batch-export-server/pkg/logging"
	"github.com/golang-migrate/migrate/v4"

	// Migrations read from SQL files against a Postgres target.
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// New makes a new, configured Migration.
func New(config *Config, env *serverenv.ServerEnv) (*Migration, error) {
	switch config.MigrateCommand {
	case "up", "down":
	default:
		return nil, fmt.Errorf("MIGRATE_COMMAND must be \"up\" or \"down\", got %q", config.MigrateCommand)
	}

	return &Migration{
		config: config,
		env:    env,
	}, nil
}

// Migration wraps the configuration required to execute a migration against
// the database.
type Migration struct {
	config *Config
	env    *serverenv.ServerEnv
}

// Run applies the configured migration command against the database. A
// database that is already at the requested revision is not an error.
func (m *Migration) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("migrate.Run")

	source := fmt.Sprintf("file://%s", m.config.Migrations)
	mig, err := migrate.New(source, database.ConnectionURL(m.config.DatabaseConfig()))
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}
	defer func() {
		if srcErr, dbErr := mig.Close(); srcErr != nil {
			logger.Errorw("failed to close migration source", "error", srcErr)
		} else if dbErr != nil {
			logger.Errorw("failed to close migration database", "error", dbErr)
		}
	}()

	switch m.config.MigrateCommand {
	case "down":
		err = mig.Down()
	default:
		err = mig.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migration %s: %w", m.config.MigrateCommand, err)
	}

	version, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("reading migration version: %w", err)
	}
	logger.Infow("migrated", "version", version, "dirty", dirty)
	return nil
}
