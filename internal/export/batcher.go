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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/eventlake/batch-export-server/internal/database"
	exportdatabase "github.com/eventlake/batch-export-server/internal/export/database"
	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/eventlake/batch-export-server/pkg/logging"
	"go.opencensus.io/stats"
)

const createRunsLock = "create_runs"

// handleCreateRuns is a handler to iterate the active export configs and
// create runs for the periods that have elapsed since each config's latest
// scheduled run.
func (s *Server) handleCreateRuns() http.Handler {
	db := s.env.Database()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		logger := logging.FromContext(ctx).Named("handleCreateRuns")

		ctx, cancel := context.WithTimeout(ctx, s.config.CreateTimeout)
		defer cancel()

		// Obtain lock to make sure there are no other processes working to
		// create runs.
		unlockFn, err := db.Lock(ctx, createRunsLock, s.config.CreateTimeout)
		if err != nil {
			if errors.Is(err, database.ErrAlreadyLocked) {
				stats.Record(ctx, mBatcherLockContention.M(1))
				logger.Infow("already locked")
				w.WriteHeader(http.StatusOK)
				return
			}

			logger.Errorw("failed to lock", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := unlockFn(); err != nil {
				logger.Errorw("failed to unlock", "error", err)
			}
		}()

		totalConfigs := 0
		totalRuns := 0
		totalConfigsWithRuns := 0
		defer logger.Debugw("finished",
			"configs", totalConfigs,
			"runs", totalRuns,
			"configs_with_runs", totalConfigsWithRuns)

		// Runs never reach into the minimum window age, so late rows land
		// before their interval is exported.
		effectiveTime := time.Now().UTC().Add(-1 * s.config.MinWindowAge)
		if err := exportdatabase.New(db).IterateActiveConfigs(ctx, effectiveTime, func(ec *model.ExportConfig) error {
			totalConfigs++
			runsCreated, err := s.maybeCreateRuns(ctx, ec, effectiveTime)
			if err != nil {
				logger.Errorw("failed to create runs", "config", ec.ConfigID, "error", err)
				return nil
			}

			totalRuns += runsCreated
			if runsCreated > 0 {
				totalConfigsWithRuns++
			}
			return nil
		}); err != nil {
			// some specific error handling below, but just need one metric.
			stats.Record(ctx, mBatcherFailure.M(1))

			switch {
			case errors.Is(err, context.DeadlineExceeded):
				logger.Infow("run creation timed out")
				w.WriteHeader(http.StatusOK)
				return
			case errors.Is(err, context.Canceled):
				logger.Infow("run creation canceled")
				w.WriteHeader(http.StatusOK)
				return
			default:
				logger.Errorw("failed to create runs", "error", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
	})
}

func (s *Server) maybeCreateRuns(ctx context.Context, ec *model.ExportConfig, now time.Time) (int, error) {
	logger := logging.FromContext(ctx).Named("maybeCreateRuns").
		With("config", ec.ConfigID)
	exportDB := exportdatabase.New(s.env.Database())

	latestEnd, err := exportDB.LatestRunEnd(ctx, ec.ConfigID)
	if err != nil {
		return 0, fmt.Errorf("fetching latest run for config %d: %w", ec.ConfigID, err)
	}

	ranges := makeRunRanges(ec.Period, latestEnd, now, s.config.InitialLookback, ec.From)
	if len(ranges) == 0 {
		stats.Record(ctx, mBatcherNoWork.M(1))
		logger.Debugw("skipping run creation")
		return 0, nil
	}

	runs := make([]*model.ExportRun, 0, len(ranges))
	for _, rr := range ranges {
		runs = append(runs, &model.ExportRun{
			ConfigID:      ec.ConfigID,
			Status:        model.RunStarting,
			IntervalStart: rr.Start,
			IntervalEnd:   rr.End,
		})
	}

	if err := exportDB.AddRuns(ctx, runs); err != nil {
		return 0, fmt.Errorf("creating export runs for config %d: %w", ec.ConfigID, err)
	}

	stats.Record(ctx, mRunsCreated.M(int64(len(runs))))
	logger.Debugw("created runs", "runs", len(runs))
	return len(runs), nil
}

// makeRunRanges returns the period-aligned [start, end) ranges to schedule,
// oldest first. latestEnd is the end of the newest scheduled run, zero when
// the config has never scheduled. now already has the minimum window age
// subtracted, so every returned range ends at or before it.
func makeRunRanges(period time.Duration, latestEnd, now time.Time, lookback time.Duration, from time.Time) []model.Interval {
	// Configs are validated on write, but a non-positive period would walk
	// the wrong way and never terminate, so refuse it here too.
	if period <= 0 {
		return nil
	}

	windowEnd := now.Truncate(period)

	// A config that has never scheduled starts from the lookback floor, not
	// the beginning of time. The config's own start wins when it is later.
	if latestEnd.IsZero() {
		latestEnd = now.Add(-lookback)
		if !from.IsZero() && from.After(latestEnd) {
			latestEnd = from
		}
		latestEnd = latestEnd.Truncate(period)
	}

	if !windowEnd.After(latestEnd) {
		return nil
	}

	// Walk backwards from the window end. Allow overlap with ranges before
	// latestEnd so an edited period overlaps the old runs instead of leaving
	// a gap.
	var ranges []model.Interval
	end := windowEnd
	start := end.Add(-period)
	for end.After(latestEnd) {
		ranges = append([]model.Interval{{Start: start, End: end}}, ranges...)
		start = start.Add(-period)
		end = end.Add(-period)
	}
	return ranges
}
