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

// Package admin is the JSON API for managing export configs, inspecting
// their runs, and requesting backfills. It requires a database connection
// and is expected to sit behind operator authentication.
package admin

import (
	"github.com/eventlake/batch-export-server/internal/database"
	"github.com/eventlake/batch-export-server/internal/setup"
	"github.com/eventlake/batch-export-server/pkg/observability"
	"github.com/eventlake/batch-export-server/pkg/secrets"
)

// Compile-time check to assert this config matches requirements.
var _ setup.DatabaseConfigProvider = (*Config)(nil)
var _ setup.SecretManagerConfigProvider = (*Config)(nil)
var _ setup.ObservabilityExporterConfigProvider = (*Config)(nil)

// Config represents the configuration and associated environment variables
// for the admin components.
type Config struct {
	Database              database.Config
	SecretManager         secrets.Config
	ObservabilityExporter observability.Config

	Port string `env:"PORT, default=8080"`

	// RunsPageSize caps how many runs one listing request returns, newest
	// first.
	RunsPageSize int `env:"ADMIN_RUNS_PAGE_SIZE, default=50"`
}

func (c *Config) DatabaseConfig() *database.Config {
	return &c.Database
}

func (c *Config) SecretManagerConfig() *secrets.Config {
	return &c.SecretManager
}

func (c *Config) ObservabilityExporterConfig() *observability.Config {
	return &c.ObservabilityExporter
}
