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

package admin

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/eventlake/batch-export-server/internal/serverenv"
	"github.com/eventlake/batch-export-server/pkg/server"
	"github.com/gin-gonic/gin"
)

// Server is the admin server.
type Server struct {
	config *Config
	env    *serverenv.ServerEnv
}

// NewServer makes a new admin server.
func NewServer(config *Config, env *serverenv.ServerEnv) (*Server, error) {
	if env.Database() == nil {
		return nil, fmt.Errorf("missing Database in server env")
	}
	if config.RunsPageSize < 1 {
		return nil, fmt.Errorf("ADMIN_RUNS_PAGE_SIZE must be >= 1")
	}

	return &Server{
		config: config,
		env:    env,
	}, nil
}

func (s *Server) Routes(ctx context.Context) http.Handler {
	mux := gin.Default()

	// Export config handling.
	mux.GET("/configs", s.HandleConfigsList())
	mux.POST("/configs", s.HandleConfigsCreate())
	mux.GET("/configs/:id", s.HandleConfigsShow())
	mux.PATCH("/configs/:id", s.HandleConfigsPatch())
	mux.DELETE("/configs/:id", s.HandleConfigsDelete())

	// Run inspection.
	mux.GET("/configs/:id/runs", s.HandleRunsList())

	// Backfill requests.
	mux.POST("/configs/:id/backfills", s.HandleBackfillsCreate())

	// Healthz.
	mux.GET("/health", gin.WrapH(server.HandleHealthz(s.env.Database())))

	return mux
}

// errorJSON writes a JSON error response with the given status.
func errorJSON(c *gin.Context, status int, format string, args ...interface{}) {
	c.JSON(status, gin.H{"error": fmt.Sprintf(format, args...)})
}

// pathID parses the :id path parameter. A malformed ID reports 400 and
// returns false.
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "config ID must be an integer: %q", c.Param("id"))
		return 0, false
	}
	return id, true
}
