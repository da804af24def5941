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

// Package export defines the handlers for scheduling and working export runs.
package export

import (
	"time"

	"github.com/eventlake/batch-export-server/internal/database"
	"github.com/eventlake/batch-export-server/internal/setup"
	"github.com/eventlake/batch-export-server/internal/source/clickhouse"
	"github.com/eventlake/batch-export-server/internal/storage"
	"github.com/eventlake/batch-export-server/pkg/observability"
	"github.com/eventlake/batch-export-server/pkg/secrets"
)

// Compile-time check to assert this config matches requirements.
var _ setup.BlobstoreConfigProvider = (*Config)(nil)
var _ setup.DatabaseConfigProvider = (*Config)(nil)
var _ setup.SecretManagerConfigProvider = (*Config)(nil)
var _ setup.SourceConfigProvider = (*Config)(nil)
var _ setup.ObservabilityExporterConfigProvider = (*Config)(nil)

// Config represents the configuration and associated environment variables for
// the export components.
type Config struct {
	Database              database.Config
	SecretManager         secrets.Config
	Storage               storage.Config
	Source                clickhouse.Config
	ObservabilityExporter observability.Config

	Port string `env:"PORT, default=8080"`

	// CreateTimeout bounds one /create-runs invocation, WorkerTimeout one
	// /do-work invocation.
	CreateTimeout time.Duration `env:"CREATE_RUNS_TIMEOUT, default=5m"`
	WorkerTimeout time.Duration `env:"WORKER_TIMEOUT, default=10m"`

	// MinWindowAge holds run creation back from the leading edge so
	// late-arriving rows land before their interval is exported.
	MinWindowAge time.Duration `env:"MIN_WINDOW_AGE, default=2m"`

	// InitialLookback caps how far the first run of a config reaches back.
	InitialLookback time.Duration `env:"INITIAL_LOOKBACK, default=24h"`

	// LeaseTTL is how long a leased run stays invisible to other workers.
	// MaxAttempts caps how many leases one run may consume.
	LeaseTTL    time.Duration `env:"RUN_LEASE_TTL, default=20m"`
	MaxAttempts int           `env:"RUN_MAX_ATTEMPTS, default=5"`

	// ConfigCacheDuration is how long the worker may reuse an export config
	// before re-reading it from the database.
	ConfigCacheDuration time.Duration `env:"CONFIG_CACHE_DURATION, default=5m"`

	// SpoolDir is where batch groups are serialized before staging. Empty
	// means the system temp dir.
	SpoolDir     string `env:"SPOOL_DIR"`
	MaxFileBytes int64  `env:"MAX_FILE_BYTES, default=67108864"`
	MaxFileRows  int64  `env:"MAX_FILE_ROWS, default=500000"`

	// QueueBatches and QueueBytes bound the handoff between the source read
	// and the destination write.
	QueueBatches int   `env:"QUEUE_BATCHES, default=16"`
	QueueBytes   int64 `env:"QUEUE_BYTES, default=268435456"`
}

func (c *Config) BlobstoreConfig() *storage.Config {
	return &c.Storage
}

func (c *Config) DatabaseConfig() *database.Config {
	return &c.Database
}

func (c *Config) SecretManagerConfig() *secrets.Config {
	return &c.SecretManager
}

func (c *Config) SourceConfig() *clickhouse.Config {
	return &c.Source
}

func (c *Config) ObservabilityExporterConfig() *observability.Config {
	return &c.ObservabilityExporter
}
