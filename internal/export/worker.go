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
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/eventlake/batch-export-server/internal/destination"
	exportdatabase "github.com/eventlake/batch-export-server/internal/export/database"
	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/eventlake/batch-export-server/internal/export/pipeline"
	"github.com/eventlake/batch-export-server/pkg/logging"
	"github.com/sethvargo/go-retry"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
)

// errSpecInvalid marks a model spec that no longer resolves. Specs are
// validated when configs are written, so retrying cannot fix this.
var errSpecInvalid = errors.New("model spec invalid")

// finalizeTimeout bounds the run bookkeeping write that happens after an
// attempt, on its own context.
const finalizeTimeout = 30 * time.Second

// handleDoWork is a handler to lease export runs, one at a time, and drive
// each through a pipeline attempt until the worker runs out of runs or time.
func (s *Server) handleDoWork() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.WorkerTimeout)
		defer cancel()

		logger := logging.FromContext(ctx).Named("handleDoWork")
		db := exportdatabase.New(s.env.Database())

		for {
			if ctx.Err() != nil {
				logger.Infow("timed out processing runs")
				fmt.Fprintln(w, "Timed out processing runs. Will continue on next invocation.")
				return
			}

			run, err := s.leaseRun(ctx, db)
			if err != nil {
				logger.Errorw("failed to lease run", "error", err)
				continue
			}
			if run == nil {
				stats.Record(ctx, mWorkerNoWork.M(1))
				logger.Infow("no more work to do")
				fmt.Fprintln(w, "No more work to do.")
				return
			}

			status, err := s.processRun(ctx, run)
			if err != nil {
				logger.Errorw("failed to process run", "run", run.RunID, "error", err)
				continue
			}

			fmt.Fprintf(w, "Run %d finished %s.\n", run.RunID, status)
		}
	})
}

// leaseRun obtains the next runnable run, backing off and retrying a few
// times when the lease query itself fails.
func (s *Server) leaseRun(ctx context.Context, db *exportdatabase.ExportDB) (*model.ExportRun, error) {
	var run *model.ExportRun
	b := retry.WithMaxRetries(3, retry.NewFibonacci(250*time.Millisecond))
	if err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		run, err = db.LeaseRun(ctx, s.config.LeaseTTL, s.config.MaxAttempts, time.Now().UTC())
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return run, nil
}

// processRun drives one leased run through a pipeline attempt and finalizes
// it. The returned status is the run's resulting status. The returned error
// reports bookkeeping failures only; an export failure finalizes the run
// instead of surfacing here.
func (s *Server) processRun(ctx context.Context, run *model.ExportRun) (string, error) {
	logger := logging.FromContext(ctx).Named("processRun").
		With("run", run.RunID, "config", run.ConfigID)
	db := exportdatabase.New(s.env.Database())

	ctx, _ = tag.New(ctx, tag.Upsert(ExportConfigIDTagKey, strconv.FormatInt(run.ConfigID, 10)))

	cached, err := s.configCache.WriteThruLookup(strconv.FormatInt(run.ConfigID, 10), func() (interface{}, error) {
		return db.GetConfig(ctx, run.ConfigID)
	})
	if err != nil {
		return "", fmt.Errorf("looking up config %d: %w", run.ConfigID, err)
	}
	ec := cached.(*model.ExportConfig)

	logger.Infow("processing run",
		"interval", run.Interval().String(),
		"attempt", run.Attempts,
		"resumed_ranges", len(run.DoneRanges))

	started := time.Now()
	result, aerr := s.runAttempt(ctx, ec, run)
	stats.Record(ctx, mAttemptDuration.M(float64(time.Since(started).Milliseconds())))

	if result != nil {
		stats.Record(ctx, mRowsProduced.M(result.RowsProduced), mRowsLoaded.M(result.RowsLoaded))
		run.RowsProduced += result.RowsProduced
		run.RowsLoaded += result.RowsLoaded
		run.DoneRanges = result.Done
	}

	now := time.Now().UTC()
	switch {
	case aerr == nil:
		run.Status = model.RunCompleted
		run.LatestError = ""
		run.DoneRanges = []model.Interval{run.Interval()}
		run.FinishedAt = now
	case errors.Is(aerr, context.Canceled):
		run.Status = model.RunCancelled
		run.LatestError = aerr.Error()
		run.FinishedAt = now
	case !retryable(aerr) || run.Attempts >= s.config.MaxAttempts:
		run.Status = model.RunFailed
		run.LatestError = aerr.Error()
		run.FinishedAt = now
	default:
		run.Status = model.RunFailedRetryable
		run.LatestError = aerr.Error()
	}

	if aerr != nil {
		logger.Errorw("export attempt failed", "status", run.Status, "error", aerr)
	}

	// The attempt may have consumed the request deadline. Finalize on a fresh
	// context so a timed-out or cancelled attempt still persists the frontier
	// it advanced instead of waiting out the lease.
	fctx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), logger), finalizeTimeout)
	defer cancel()
	if err := db.FinalizeRun(fctx, run); err != nil {
		return "", fmt.Errorf("finalizing run %d: %w", run.RunID, err)
	}

	stats.RecordWithTags(ctx,
		[]tag.Mutator{tag.Upsert(RunStatusTagKey, run.Status)},
		mRunsFinalized.M(1))

	logger.Infow("run finalized",
		"status", run.Status,
		"rows_produced", run.RowsProduced,
		"rows_loaded", run.RowsLoaded)
	return run.Status, nil
}

// runAttempt builds the run's destination and moves the run's remaining data
// through one pipeline attempt.
func (s *Server) runAttempt(ctx context.Context, ec *model.ExportConfig, run *model.ExportRun) (*pipeline.Result, error) {
	// The factory resolves secret references in place, so it gets a copy.
	settings := make(map[string]string, len(ec.DestinationSettings))
	for k, v := range ec.DestinationSettings {
		settings[k] = v
	}

	typ, err := destination.ParseType(ec.Destination)
	if err != nil {
		return nil, err
	}
	defaultFields := destination.DefaultFields(typ, ec.Spec.Name)

	q, err := ec.Spec.Resolve(defaultFields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errSpecInvalid, err)
	}

	dest, err := destination.For(ctx, s.env, &destination.Config{
		Type:   typ,
		Table:  settings["table"],
		Schema: q.Schema(),

		Settings: settings,

		// Staged files are namespaced by run so concurrent runs of the same
		// table do not collide, and so a retry of this run finds its own
		// leftovers.
		StagePrefix:  fmt.Sprintf("run-%d", run.RunID),
		FreshAttempt: len(run.DoneRanges) == 0,
	})
	if err != nil {
		return nil, fmt.Errorf("building destination: %w", err)
	}
	defer func() {
		if c, ok := dest.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logging.FromContext(ctx).Named("runAttempt").
					Errorw("failed to close destination", "error", err)
			}
		}
	}()

	attempt := &pipeline.Attempt{
		Source:        s.env.Source(),
		Destination:   dest,
		Spec:          ec.Spec,
		TeamID:        ec.TeamID,
		FullRange:     run.Interval(),
		DoneRanges:    run.DoneRanges,
		DefaultFields: defaultFields,
		Backfill:      run.Backfill,
		Table:         settings["table"],
		SpoolDir:      s.config.SpoolDir,
		MaxFileBytes:  s.config.MaxFileBytes,
		MaxFileRows:   s.config.MaxFileRows,
		QueueBatches:  s.config.QueueBatches,
		QueueBytes:    s.config.QueueBytes,
	}
	return attempt.Run(ctx)
}

// retryable reports whether another attempt could fix err. Misconfiguration
// cannot be retried away; for everything else the attempt limit arbitrates.
func retryable(err error) bool {
	if errors.Is(err, destination.ErrBadConfig) || errors.Is(err, errSpecInvalid) {
		return false
	}
	return true
}
