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

// Package setup provides common logic for configuring the various services.
package setup

import (
	"context"
	"fmt"

	"github.com/eventlake/batch-export-server/internal/database"
	"github.com/eventlake/batch-export-server/internal/serverenv"
	"github.com/eventlake/batch-export-server/internal/source/clickhouse"
	"github.com/eventlake/batch-export-server/internal/storage"
	"github.com/eventlake/batch-export-server/pkg/logging"
	"github.com/eventlake/batch-export-server/pkg/observability"
	"github.com/eventlake/batch-export-server/pkg/secrets"

	"github.com/sethvargo/go-envconfig"
)

// DatabaseConfigProvider ensures that the environment config can provide a DB
// config. All binaries in this application connect to the database via the
// same method.
type DatabaseConfigProvider interface {
	DatabaseConfig() *database.Config
}

// BlobstoreConfigProvider provides the information about the blobstore.
type BlobstoreConfigProvider interface {
	BlobstoreConfig() *storage.Config
}

// SecretManagerConfigProvider signals that the config knows how to configure a
// secret manager.
type SecretManagerConfigProvider interface {
	SecretManagerConfig() *secrets.Config
}

// SourceConfigProvider signals that the config knows how to connect to the
// store exports read from.
type SourceConfigProvider interface {
	SourceConfig() *clickhouse.Config
}

// ObservabilityExporterConfigProvider signals that the config knows how to
// configure an observability exporter.
type ObservabilityExporterConfigProvider interface {
	ObservabilityExporterConfig() *observability.Config
}

// Setup runs common initialization code for all servers. See SetupWith.
func Setup(ctx context.Context, config interface{}) (*serverenv.ServerEnv, error) {
	return SetupWith(ctx, config, envconfig.OsLookuper())
}

// SetupWith processes the given configuration using envconfig. It is
// responsible for establishing database connections, resolving secrets, and
// configuring the observability exporter. The provided config must implement
// the provider interfaces for the subsystems it wants configured.
func SetupWith(ctx context.Context, config interface{}, l envconfig.Lookuper) (*serverenv.ServerEnv, error) {
	logger := logging.FromContext(ctx)

	// Build a list of options to pass to the server env.
	var serverEnvOpts []serverenv.Option

	// Build a list of mutators. This list will grow as we initialize more of the
	// configuration, such as the secret manager.
	var mutatorFuncs []envconfig.MutatorFunc

	// Load the secrets config, if provided.
	if provider, ok := config.(SecretManagerConfigProvider); ok {
		logger.Info("configuring secret manager")

		// The environment configuration defines which secret manager to use, so we
		// need to process the envconfig in here. Once we know which secret manager
		// to use, we can create the secret manager and then re-process (later) any
		// secret:// references.
		//
		// NOTE: it is not possible to specify which secret manager to use via a
		// secret:// reference. This configuration option must always be the
		// plaintext value.
		smConfig := provider.SecretManagerConfig()
		if err := envconfig.ProcessWith(ctx, smConfig, l); err != nil {
			return nil, fmt.Errorf("unable to process secret manager env: %w", err)
		}

		sm, err := secrets.SecretManagerFor(ctx, smConfig)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to secret manager: %w", err)
		}

		// Enable caching, if a TTL was provided.
		if ttl := smConfig.SecretCacheTTL; ttl > 0 {
			sm, err = secrets.WrapCacher(ctx, sm, ttl)
			if err != nil {
				return nil, fmt.Errorf("unable to create secret manager cache: %w", err)
			}
		}

		// Enable secret expansion, if enabled.
		if expand := smConfig.SecretExpansion; expand {
			sm, err = secrets.WrapJSONExpander(ctx, sm)
			if err != nil {
				return nil, fmt.Errorf("unable to create secret manager JSON expander: %w", err)
			}
		}

		// Update the mutators to defer resolving secrets.
		mutatorFuncs = append(mutatorFuncs, secrets.Resolver(sm, smConfig))

		// Update the serverEnv.
		serverEnvOpts = append(serverEnvOpts, serverenv.WithSecretManager(sm))
	}

	// Process the overall env. Note this could be a second pass for some of the
	// configs from above.
	if err := envconfig.ProcessWith(ctx, config, l, mutatorFuncs...); err != nil {
		return nil, fmt.Errorf("error loading environment variables: %w", err)
	}
	logger.Infow("provided", "config", config)

	// Configure blob storage.
	if provider, ok := config.(BlobstoreConfigProvider); ok {
		logger.Info("configuring blobstore")

		bsConfig := provider.BlobstoreConfig()
		blobstore, err := storage.BlobstoreFor(ctx, bsConfig.BlobstoreType)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to storage system: %w", err)
		}
		serverEnvOpts = append(serverEnvOpts, serverenv.WithBlobstore(blobstore))
	}

	// Setup the database connection.
	if provider, ok := config.(DatabaseConfigProvider); ok {
		logger.Info("configuring database")

		dbConfig := provider.DatabaseConfig()
		db, err := database.New(ctx, dbConfig)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to database: %w", err)
		}
		serverEnvOpts = append(serverEnvOpts, serverenv.WithDatabase(db))
	}

	// Connect to the store exports read from.
	if provider, ok := config.(SourceConfigProvider); ok {
		logger.Info("configuring source")

		srcConfig := provider.SourceConfig()
		src, err := clickhouse.New(ctx, srcConfig)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to source: %w", err)
		}
		serverEnvOpts = append(serverEnvOpts, serverenv.WithSource(src))
	}

	// Configure the observability exporter.
	if provider, ok := config.(ObservabilityExporterConfigProvider); ok {
		logger.Info("configuring observability exporter")

		oeConfig := provider.ObservabilityExporterConfig()
		oe, err := observability.NewFromEnv(ctx, oeConfig)
		if err != nil {
			return nil, fmt.Errorf("unable to create observability provider: %w", err)
		}
		if err := oe.StartExporter(ctx); err != nil {
			return nil, fmt.Errorf("failed to start observability exporter: %w", err)
		}
		serverEnvOpts = append(serverEnvOpts, serverenv.WithObservabilityExporter(oe))
	}

	return serverenv.New(ctx, serverEnvOpts...), nil
}
