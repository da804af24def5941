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

// Package serverenv defines common parameters for the server environment.
package serverenv

import (
	"context"
	"fmt"
	"io"

	"github.com/eventlake/batch-export-server/internal/database"
	"github.com/eventlake/batch-export-server/internal/export/pipeline"
	"github.com/eventlake/batch-export-server/internal/storage"
	"github.com/eventlake/batch-export-server/pkg/observability"
	"github.com/eventlake/batch-export-server/pkg/secrets"
)

// ServerEnv represents latent environment configuration for servers in this
// application.
type ServerEnv struct {
	database              *database.DB
	blobstore             storage.Blobstore
	secretManager         secrets.SecretManager
	source                pipeline.Source
	observabilityExporter observability.Exporter
}

// Option defines function types to modify the ServerEnv on creation.
type Option func(*ServerEnv) *ServerEnv

// New creates a new ServerEnv with the requested options.
func New(ctx context.Context, opts ...Option) *ServerEnv {
	env := &ServerEnv{}

	for _, f := range opts {
		env = f(env)
	}

	return env
}

// WithDatabase attaches a database to the environment.
func WithDatabase(db *database.DB) Option {
	return func(s *ServerEnv) *ServerEnv {
		s.database = db
		return s
	}
}

// WithBlobstore attaches a blob storage system to the environment.
func WithBlobstore(blobstore storage.Blobstore) Option {
	return func(s *ServerEnv) *ServerEnv {
		s.blobstore = blobstore
		return s
	}
}

// WithSecretManager attaches a secret manager to the environment.
func WithSecretManager(sm secrets.SecretManager) Option {
	return func(s *ServerEnv) *ServerEnv {
		s.secretManager = sm
		return s
	}
}

// WithSource attaches the store exports read from to the environment.
func WithSource(src pipeline.Source) Option {
	return func(s *ServerEnv) *ServerEnv {
		s.source = src
		return s
	}
}

// WithObservabilityExporter attaches an observability exporter to the
// environment.
func WithObservabilityExporter(oe observability.Exporter) Option {
	return func(s *ServerEnv) *ServerEnv {
		s.observabilityExporter = oe
		return s
	}
}

// Database returns the database in the environment, if one exists.
func (s *ServerEnv) Database() *database.DB {
	return s.database
}

// Blobstore returns the blob storage system in the environment, if one exists.
func (s *ServerEnv) Blobstore() storage.Blobstore {
	return s.blobstore
}

// SecretManager returns the secret manager in the environment, if one exists.
func (s *ServerEnv) SecretManager() secrets.SecretManager {
	return s.secretManager
}

// Source returns the store exports read from, if one exists.
func (s *ServerEnv) Source() pipeline.Source {
	return s.source
}

// ObservabilityExporter returns the observability exporter in the environment,
// if one exists.
func (s *ServerEnv) ObservabilityExporter() observability.Exporter {
	return s.observabilityExporter
}

// Close shuts down the server env, closing database connections, stopping the
// observability exporter, etc.
func (s *ServerEnv) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}

	if s.database != nil {
		s.database.Close(ctx)
	}

	if c, ok := s.source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("failed to close source: %w", err)
		}
	}

	if s.observabilityExporter != nil {
		if err := s.observabilityExporter.Close(); err != nil {
			return fmt.Errorf("failed to close observability exporter: %w", err)
		}
	}

	return nil
}
