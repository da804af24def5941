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
	"errors"
	"net/http"

	"github.com/eventlake/batch-export-server/internal/database"
	exportdatabase "github.com/eventlake/batch-export-server/internal/export/database"
	"github.com/eventlake/batch-export-server/pkg/logging"
	"github.com/gin-gonic/gin"
)

// HandleRunsList lists a config's runs, newest interval first.
func (s *Server) HandleRunsList() func(c *gin.Context) {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		id, ok := pathID(c)
		if !ok {
			return
		}

		db := exportdatabase.New(s.env.Database())
		if _, err := db.GetConfig(ctx, id); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				errorJSON(c, http.StatusNotFound, "no config with ID %d", id)
				return
			}
			logging.FromContext(ctx).Named("HandleRunsList").
				Errorw("failed to get config", "config", id, "error", err)
			errorJSON(c, http.StatusInternalServerError, "failed to get config")
			return
		}

		runs, err := db.ListRuns(ctx, id, s.config.RunsPageSize)
		if err != nil {
			logging.FromContext(ctx).Named("HandleRunsList").
				Errorw("failed to list runs", "config", id, "error", err)
			errorJSON(c, http.StatusInternalServerError, "failed to list runs")
			return
		}

		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}
