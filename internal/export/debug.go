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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	exportdatabase "github.com/eventlake/batch-export-server/internal/export/database"
	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/eventlake/batch-export-server/pkg/logging"
)

// handleDebug returns a snapshot of every export config and the end of the
// latest run created for each, which is where the next scheduling pass will
// pick up.
func (s *Server) handleDebug() http.Handler {
	type response struct {
		ExportConfigs []*model.ExportConfig `json:"export_configs"`
		LatestRunEnds map[int64]time.Time   `json:"latest_run_ends"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx).Named("handleDebug")
		db := exportdatabase.New(s.env.Database())

		configs, err := db.ListConfigs(ctx)
		if err != nil {
			logger.Errorw("failed to list export configs", "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, http.StatusText(http.StatusInternalServerError))
			return
		}

		latestRunEnds := make(map[int64]time.Time, len(configs))
		for _, ec := range configs {
			end, err := db.LatestRunEnd(ctx, ec.ConfigID)
			if err != nil {
				logger.Errorw("failed to get latest run end", "config", ec.ConfigID, "error", err)
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprint(w, http.StatusText(http.StatusInternalServerError))
				return
			}
			latestRunEnds[ec.ConfigID] = end
		}

		resp := &response{
			ExportConfigs: configs,
			LatestRunEnds: latestRunEnds,
		}

		w.Header().Set("Content-Type", "application/json")

		e := json.NewEncoder(w)
		e.SetIndent("", "  ")
		if err := e.Encode(resp); err != nil {
			logger.Errorw("failed to encode response", "error", err)
		}
	})
}
