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

// This package is used to apply database migrations.
package main

import (
	"context"
	"fmt"

	"github.com/eventlake/batch-export-server/internal/buildinfo"
	"github.com/eventlake/batch-export-server/internal/interrupt"
	"github.com/eventlake/batch-export-server/internal/migrate"
	"github.com/eventlake/batch-export-server/internal/setup"
	"github.com/eventlake/batch-export-server/pkg/logging"
)

func main() {
	ctx, done := interrupt.Context()

	logger := logging.NewLoggerFromEnv().
		With("build_id", buildinfo.ExportServer.ID()).
		With("build_tag", buildinfo.ExportServer.Tag())
	ctx = logging.WithLogger(ctx, logger)

	err := realMain(ctx)
	done()

	if err != nil {
		logger.Fatal(err)
	}
}

func realMain(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	var config migrate.Config
	env, err := setup.Setup(ctx, &config)
	if err != nil {
		return fmt.Errorf("setup.Setup: %w", err)
	}
	defer env.Close(ctx)

	m, err := migrate.New(&config, env)
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}

	logger.Infow("beginning migration")
	if err := m.Run(ctx); err != nil {
		return fmt.Errorf("migrate.Run: %w", err)
	}
	logger.Infow("migration completed")

	return nil
}
