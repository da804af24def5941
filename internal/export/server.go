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

package export

import (
	"context"
	"fmt"

	"github.com/eventlake/batch-export-server/internal/serverenv"
	"github.com/eventlake/batch-export-server/pkg/cache"
	"github.com/eventlake/batch-export-server/pkg/server"
	"github.com/gorilla/mux"
)

// NewServer makes a Server.
func NewServer(config *Config, env *serverenv.ServerEnv) (*Server, error) {
	// Validate config.
	if env.Database() == nil {
		return nil, fmt.Errorf("export.NewServer requires Database present in the ServerEnv")
	}
	if env.Source() == nil {
		return nil, fmt.Errorf("export.NewServer requires Source present in the ServerEnv")
	}
	if config.MinWindowAge < 0 {
		return nil, fmt.Errorf("MIN_WINDOW_AGE must be a duration of >= 0")
	}
	if config.MaxAttempts < 1 {
		return nil, fmt.Errorf("RUN_MAX_ATTEMPTS must be >= 1")
	}

	configCache, err := cache.New(config.ConfigCacheDuration)
	if err != nil {
		return nil, fmt.Errorf("CONFIG_CACHE_DURATION: %w", err)
	}

	return &Server{
		config:      config,
		env:         env,
		configCache: configCache,
	}, nil
}

// Server hosts end points to schedule and work export runs.
type Server struct {
	config      *Config
	env         *serverenv.ServerEnv
	configCache *cache.Cache
}

// Routes defines and returns the routes for this server.
func (s *Server) Routes(ctx context.Context) *mux.Router {
	r := mux.NewRouter()

	r.Handle("/create-runs", s.handleCreateRuns())
	r.Handle("/do-work", s.handleDoWork())
	r.Handle("/debug", s.handleDebug())
	r.Handle("/health", server.HandleHealthz(s.env.Database()))

	return r
}
