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
	"time"

	"github.com/eventlake/batch-export-server/internal/database"
	exportdatabase "github.com/eventlake/batch-export-server/internal/export/database"
	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/eventlake/batch-export-server/pkg/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// backfillRequest is the JSON payload for requesting a backfill run over a
// historical interval. An earliest backfill omits start_at and reaches back
// to the oldest row the source holds.
type backfillRequest struct {
	StartAt    *time.Time `json:"start_at"`
	EndAt      *time.Time `json:"end_at"`
	IsEarliest bool       `json:"is_earliest_backfill"`
}

// HandleBackfillsCreate creates one backfill run for a config. Backfill runs
// are worked like scheduled runs but are invisible to the periodic batcher's
// frontier.
func (s *Server) HandleBackfillsCreate() func(c *gin.Context) {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		id, ok := pathID(c)
		if !ok {
			return
		}

		var req backfillRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "malformed request: %v", err)
			return
		}
		if req.EndAt == nil {
			errorJSON(c, http.StatusBadRequest, "end_at is required")
			return
		}
		if req.IsEarliest && req.StartAt != nil {
			errorJSON(c, http.StatusBadRequest, "an earliest backfill cannot carry start_at")
			return
		}
		if !req.IsEarliest && req.StartAt == nil {
			errorJSON(c, http.StatusBadRequest, "start_at is required unless is_earliest_backfill is set")
			return
		}
		if req.StartAt != nil && !req.StartAt.Before(*req.EndAt) {
			errorJSON(c, http.StatusBadRequest, "start_at must be before end_at")
			return
		}

		db := exportdatabase.New(s.env.Database())
		ec, err := db.GetConfig(ctx, id)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				errorJSON(c, http.StatusNotFound, "no config with ID %d", id)
				return
			}
			logging.FromContext(ctx).Named("HandleBackfillsCreate").
				Errorw("failed to get config", "config", id, "error", err)
			errorJSON(c, http.StatusInternalServerError, "failed to get config")
			return
		}
		if !ec.DeletedAt.IsZero() {
			errorJSON(c, http.StatusNotFound, "no config with ID %d", id)
			return
		}

		run := &model.ExportRun{
			ConfigID:    ec.ConfigID,
			Status:      model.RunStarting,
			IntervalEnd: req.EndAt.UTC(),
			Backfill: &model.BackfillDetails{
				BackfillID: uuid.NewString(),
				EndAt:      req.EndAt,
				IsEarliest: req.IsEarliest,
			},
		}
		if req.StartAt != nil {
			start := req.StartAt.UTC()
			run.IntervalStart = start
			run.Backfill.StartAt = &start
		}

		if err := db.AddRuns(ctx, []*model.ExportRun{run}); err != nil {
			logging.FromContext(ctx).Named("HandleBackfillsCreate").
				Errorw("failed to add backfill run", "config", id, "error", err)
			errorJSON(c, http.StatusInternalServerError, "failed to add backfill run")
			return
		}

		c.JSON(http.StatusCreated, run)
	}
}
