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
	"github.com/eventlake/batch-export-server/internal/destination"
	exportdatabase "github.com/eventlake/batch-export-server/internal/export/database"
	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/eventlake/batch-export-server/pkg/logging"
	"github.com/gin-gonic/gin"
)

// configRequest is the JSON payload for creating an export config. Periods
// arrive in seconds, matching the stored representation.
type configRequest struct {
	TeamID              int64             `json:"team_id"`
	Name                string            `json:"name"`
	Destination         string            `json:"destination"`
	DestinationSettings map[string]string `json:"destination_settings"`
	Spec                *model.Spec       `json:"spec"`
	PeriodSeconds       int64             `json:"period_seconds"`
	From                *time.Time        `json:"from_timestamp"`
	Thru                *time.Time        `json:"thru_timestamp"`
}

func (r *configRequest) toModel() *model.ExportConfig {
	ec := &model.ExportConfig{
		TeamID:              r.TeamID,
		Name:                r.Name,
		Destination:         r.Destination,
		DestinationSettings: r.DestinationSettings,
		Spec:                r.Spec,
		Period:              time.Duration(r.PeriodSeconds) * time.Second,
	}
	if r.From != nil {
		ec.From = r.From.UTC()
	}
	if r.Thru != nil {
		ec.Thru = r.Thru.UTC()
	}
	return ec
}

// HandleConfigsList lists all configs that have not been deleted.
func (s *Server) HandleConfigsList() func(c *gin.Context) {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		db := exportdatabase.New(s.env.Database())

		configs, err := db.ListConfigs(ctx)
		if err != nil {
			logging.FromContext(ctx).Named("HandleConfigsList").
				Errorw("failed to list configs", "error", err)
			errorJSON(c, http.StatusInternalServerError, "failed to list configs")
			return
		}

		c.JSON(http.StatusOK, gin.H{"configs": configs})
	}
}

// HandleConfigsCreate creates a new export config.
func (s *Server) HandleConfigsCreate() func(c *gin.Context) {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		var req configRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "malformed request: %v", err)
			return
		}

		ec := req.toModel()
		if _, err := destination.ParseType(ec.Destination); err != nil {
			errorJSON(c, http.StatusBadRequest, "%v", err)
			return
		}
		if err := ec.Validate(); err != nil {
			errorJSON(c, http.StatusBadRequest, "%v", err)
			return
		}

		db := exportdatabase.New(s.env.Database())
		if err := db.AddConfig(ctx, ec); err != nil {
			logging.FromContext(ctx).Named("HandleConfigsCreate").
				Errorw("failed to add config", "error", err)
			errorJSON(c, http.StatusInternalServerError, "failed to add config")
			return
		}

		c.JSON(http.StatusCreated, ec)
	}
}

// HandleConfigsShow returns one config by ID, deleted configs included.
func (s *Server) HandleConfigsShow() func(c *gin.Context) {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		id, ok := pathID(c)
		if !ok {
			return
		}

		db := exportdatabase.New(s.env.Database())
		ec, err := db.GetConfig(ctx, id)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				errorJSON(c, http.StatusNotFound, "no config with ID %d", id)
				return
			}
			logging.FromContext(ctx).Named("HandleConfigsShow").
				Errorw("failed to get config", "config", id, "error", err)
			errorJSON(c, http.StatusInternalServerError, "failed to get config")
			return
		}

		c.JSON(http.StatusOK, ec)
	}
}

// HandleConfigsPatch pauses or unpauses a config.
func (s *Server) HandleConfigsPatch() func(c *gin.Context) {
	type patchRequest struct {
		Paused *bool `json:"paused"`
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()

		id, ok := pathID(c)
		if !ok {
			return
		}

		var req patchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "malformed request: %v", err)
			return
		}
		if req.Paused == nil {
			errorJSON(c, http.StatusBadRequest, "paused is required")
			return
		}

		db := exportdatabase.New(s.env.Database())
		if err := db.SetConfigPaused(ctx, id, *req.Paused); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				errorJSON(c, http.StatusNotFound, "no config with ID %d", id)
				return
			}
			logging.FromContext(ctx).Named("HandleConfigsPatch").
				Errorw("failed to update config", "config", id, "error", err)
			errorJSON(c, http.StatusInternalServerError, "failed to update config")
			return
		}

		ec, err := db.GetConfig(ctx, id)
		if err != nil {
			logging.FromContext(ctx).Named("HandleConfigsPatch").
				Errorw("failed to reload config", "config", id, "error", err)
			errorJSON(c, http.StatusInternalServerError, "failed to reload config")
			return
		}

		c.JSON(http.StatusOK, ec)
	}
}

// HandleConfigsDelete soft-deletes a config. The row and its runs remain for
// bookkeeping, but the config no longer lists or schedules.
func (s *Server) HandleConfigsDelete() func(c *gin.Context) {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		id, ok := pathID(c)
		if !ok {
			return
		}

		db := exportdatabase.New(s.env.Database())
		if err := db.SoftDeleteConfig(ctx, id); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				errorJSON(c, http.StatusNotFound, "no config with ID %d", id)
				return
			}
			logging.FromContext(ctx).Named("HandleConfigsDelete").
				Errorw("failed to delete config", "config", id, "error", err)
			errorJSON(c, http.StatusInternalServerError, "failed to delete config")
			return
		}

		c.JSON(http.StatusOK, gin.H{"deleted": id})
	}
}
