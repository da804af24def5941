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

package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/eventlake/batch-export-server/internal/database"
	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/eventlake/batch-export-server/pkg/logging"

	pgx "github.com/jackc/pgx/v4"
)

const (
	configColumns = `config_id, team_id, name, destination, destination_settings, spec, period_seconds, paused, from_timestamp, thru_timestamp, created_at, updated_at, deleted_at`
	runColumns    = `run_id, config_id, status, interval_start, interval_end, done_ranges, rows_produced, rows_loaded, latest_error, attempts, lease_expires, backfill_details, created_at, updated_at, finished_at`
)

// ExportDB manages export configs and runs in the bookkeeping database.
type ExportDB struct {
	db *database.DB
}

func New(db *database.DB) *ExportDB {
	return &ExportDB{
		db: db,
	}
}

// AddConfig creates a new ExportConfig record from which runs are created.
// On success the config's ID and timestamps are populated.
func (db *ExportDB) AddConfig(ctx context.Context, ec *model.ExportConfig) error {
	if err := ec.Validate(); err != nil {
		return err
	}

	settings, spec, err := marshalConfigJSON(ec)
	if err != nil {
		return err
	}
	return db.db.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO
				export_configs
				(team_id, name, destination, destination_settings, spec, period_seconds, paused, from_timestamp, thru_timestamp)
			VALUES
				($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING config_id, created_at, updated_at
		`, ec.TeamID, ec.Name, ec.Destination, settings, spec, int(ec.Period.Seconds()),
			ec.Paused, database.NullableTime(ec.From), database.NullableTime(ec.Thru))

		if err := row.Scan(&ec.ConfigID, &ec.CreatedAt, &ec.UpdatedAt); err != nil {
			return fmt.Errorf("fetching config_id: %w", err)
		}
		return nil
	})
}

// UpdateConfig updates an existing ExportConfig record.
func (db *ExportDB) UpdateConfig(ctx context.Context, ec *model.ExportConfig) error {
	if err := ec.Validate(); err != nil {
		return err
	}

	settings, spec, err := marshalConfigJSON(ec)
	if err != nil {
		return err
	}
	return db.db.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE
				export_configs
			SET
				team_id = $1, name = $2, destination = $3, destination_settings = $4,
				spec = $5, period_seconds = $6, paused = $7, from_timestamp = $8,
				thru_timestamp = $9, updated_at = now()
			WHERE
				config_id = $10
		`, ec.TeamID, ec.Name, ec.Destination, settings, spec, int(ec.Period.Seconds()),
			ec.Paused, database.NullableTime(ec.From), database.NullableTime(ec.Thru), ec.ConfigID)
		if err != nil {
			return fmt.Errorf("updating config: %w", err)
		}
		if result.RowsAffected() != 1 {
			return database.ErrNotFound
		}
		return nil
	})
}

// GetConfig looks up a single config by ID, soft-deleted configs included.
func (db *ExportDB) GetConfig(ctx context.Context, id int64) (*model.ExportConfig, error) {
	conn, err := db.db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
		SELECT
			`+configColumns+`
		FROM
			export_configs
		WHERE
			config_id = $1`, id)

	return scanOneConfig(row)
}

// ListConfigs returns all configs that have not been soft deleted.
func (db *ExportDB) ListConfigs(ctx context.Context) ([]*model.ExportConfig, error) {
	conn, err := db.db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
		SELECT
			`+configColumns+`
		FROM
			export_configs
		WHERE
			deleted_at IS NULL
		ORDER BY
			config_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []*model.ExportConfig{}
	for rows.Next() {
		ec, err := scanOneConfig(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, ec)
	}
	return results, rows.Err()
}

// SetConfigPaused pauses or unpauses a config. Paused configs stop producing
// runs but keep their history.
func (db *ExportDB) SetConfigPaused(ctx context.Context, id int64, paused bool) error {
	return db.db.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE
				export_configs
			SET
				paused = $1, updated_at = now()
			WHERE
				config_id = $2 AND deleted_at IS NULL
		`, paused, id)
		if err != nil {
			return fmt.Errorf("updating config: %w", err)
		}
		if result.RowsAffected() != 1 {
			return database.ErrNotFound
		}
		return nil
	})
}

// SoftDeleteConfig marks a config deleted. The row and its runs are kept for
// bookkeeping, but the config no longer lists or schedules.
func (db *ExportDB) SoftDeleteConfig(ctx context.Context, id int64) error {
	return db.db.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE
				export_configs
			SET
				paused = TRUE, deleted_at = now(), updated_at = now()
			WHERE
				config_id = $1 AND deleted_at IS NULL
		`, id)
		if err != nil {
			return fmt.Errorf("deleting config: %w", err)
		}
		if result.RowsAffected() != 1 {
			return database.ErrNotFound
		}
		return nil
	})
}

// IterateActiveConfigs applies f to each config that is eligible to produce
// runs at time t. If f returns a non-nil error, the iteration stops, and the
// returned error will match f's error with errors.Is.
func (db *ExportDB) IterateActiveConfigs(ctx context.Context, t time.Time, f func(*model.ExportConfig) error) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("IterateActiveConfigs(%s): %w", t, err)
		}
	}()

	conn, err := db.db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
		SELECT
			`+configColumns+`
		FROM
			export_configs
		WHERE
			NOT paused
			AND deleted_at IS NULL
			AND (from_timestamp IS NULL OR from_timestamp <= $1)
			AND (thru_timestamp IS NULL OR thru_timestamp > $1)
		`, t)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanOneConfig(rows)
		if err != nil {
			return err
		}
		if err = f(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanOneConfig(row pgx.Row) (*model.ExportConfig, error) {
	var (
		m                   model.ExportConfig
		settings, spec      []byte
		periodSeconds       int
		from, thru, deleted *time.Time
	)
	if err := row.Scan(&m.ConfigID, &m.TeamID, &m.Name, &m.Destination, &settings, &spec,
		&periodSeconds, &m.Paused, &from, &thru, &m.CreatedAt, &m.UpdatedAt, &deleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	m.Period = time.Duration(periodSeconds) * time.Second
	if err := json.Unmarshal(settings, &m.DestinationSettings); err != nil {
		return nil, fmt.Errorf("unmarshaling destination settings: %w", err)
	}
	if err := json.Unmarshal(spec, &m.Spec); err != nil {
		return nil, fmt.Errorf("unmarshaling model spec: %w", err)
	}
	if from != nil {
		m.From = *from
	}
	if thru != nil {
		m.Thru = *thru
	}
	if deleted != nil {
		m.DeletedAt = *deleted
	}
	return &m, nil
}

func marshalConfigJSON(ec *model.ExportConfig) (settings, spec []byte, err error) {
	// Nil settings store as an empty object so scans always yield a map.
	s := ec.DestinationSettings
	if s == nil {
		s = map[string]string{}
	}
	if settings, err = json.Marshal(s); err != nil {
		return nil, nil, fmt.Errorf("marshaling destination settings: %w", err)
	}
	if spec, err = json.Marshal(ec.Spec); err != nil {
		return nil, nil, fmt.Errorf("marshaling model spec: %w", err)
	}
	return settings, spec, nil
}

// LatestRunEnd returns the interval end of the most recent run for a config,
// ignoring backfill runs. It returns the zero time if the config has no runs.
func (db *ExportDB) LatestRunEnd(ctx context.Context, configID int64) (time.Time, error) {
	conn, err := db.db.Pool.Acquire(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
		SELECT
			interval_end
		FROM
			export_runs
		WHERE
			config_id = $1
			AND backfill_details IS NULL
		ORDER BY
			interval_end DESC
		LIMIT 1
		`, configID)

	var latestEnd time.Time
	if err := row.Scan(&latestEnd); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("scanning result: %w", err)
	}
	return latestEnd, nil
}

// AddRuns inserts new export runs in a single transaction. Each run's ID is
// populated on success. Runs with no status insert as STARTING.
func (db *ExportDB) AddRuns(ctx context.Context, runs []*model.ExportRun) error {
	return db.db.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		const stmtName = "insert export runs"
		_, err := tx.Prepare(ctx, stmtName, `
			INSERT INTO
				export_runs
				(config_id, status, interval_start, interval_end, done_ranges, backfill_details)
			VALUES
				($1, $2, $3, $4, $5, $6)
			RETURNING run_id, created_at, updated_at
		`)
		if err != nil {
			return err
		}

		for _, r := range runs {
			if r.Status == "" {
				r.Status = model.RunStarting
			}
			done, backfill, err := marshalRunJSON(r)
			if err != nil {
				return err
			}
			row := tx.QueryRow(ctx, stmtName,
				r.ConfigID, r.Status, database.NullableTime(r.IntervalStart), r.IntervalEnd, done, backfill)
			if err := row.Scan(&r.RunID, &r.CreatedAt, &r.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// LeaseRun returns a leased run for the worker to process, or nil when there
// is no work to do. Runnable runs are new, expired leases, and retryable
// failures with attempts to spare; leasing moves the run to RUNNING, extends
// the lease to now+ttl, and counts an attempt.
func (db *ExportDB) LeaseRun(ctx context.Context, ttl time.Duration, maxAttempts int, now time.Time) (*model.ExportRun, error) {
	// Look up a set of candidate run IDs.
	var candidates []int64
	err := func() error { // Use a func to allow defer conn.Release() to work.
		conn, err := db.db.Pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquiring connection: %w", err)
		}
		defer conn.Release()

		// Only runs whose interval has fully elapsed are eligible.
		rows, err := conn.Query(ctx, `
			SELECT
				run_id
			FROM
				export_runs
			WHERE
				(
					status = $1
					OR
					(status = $2 AND lease_expires < $4)
					OR
					status = $3
				)
			AND
				attempts < $5
			AND
				interval_end <= $4
			LIMIT 100
		`, model.RunStarting, model.RunRunning, model.RunFailedRetryable, now, maxAttempts)
		if err != nil {
			return err
		}

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			candidates = append(candidates, id)
		}
		return rows.Err()
	}()
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	// Randomize candidates so that workers aren't competing for the same run.
	candidates = shuffle(candidates)

	for _, id := range candidates {
		// In a serialized transaction, fetch the run, make sure it can still be
		// leased, then lease it.
		leased := false
		err := db.db.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, `
				SELECT
					status, lease_expires, attempts
				FROM
					export_runs
				WHERE
					run_id = $1
				`, id)

			var status string
			var expires *time.Time
			var attempts int
			if err := row.Scan(&status, &expires, &attempts); err != nil {
				return err
			}

			runnable := status == model.RunStarting ||
				status == model.RunFailedRetryable ||
				(status == model.RunRunning && (expires == nil || expires.Before(now)))
			if !runnable || attempts >= maxAttempts {
				// Something beat us to this run, it's no longer available.
				return nil
			}

			if _, err := tx.Exec(ctx, `
				UPDATE
					export_runs
				SET
					status = $1, lease_expires = $2, attempts = attempts + 1, updated_at = now()
				WHERE
					run_id = $3
				`, model.RunRunning, now.Add(ttl), id); err != nil {
				return err
			}

			leased = true
			return nil
		})
		if err != nil {
			return nil, err
		}

		if leased {
			return db.LookupRun(ctx, id)
		}
	}
	// We didn't manage to lease any of the candidates, so return no work to be
	// done (nil).
	return nil, nil
}

// LookupRun returns the run with the given ID.
func (db *ExportDB) LookupRun(ctx context.Context, runID int64) (*model.ExportRun, error) {
	conn, err := db.db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	return lookupRun(ctx, runID, conn.QueryRow)
}

type queryRowFn func(ctx context.Context, query string, args ...interface{}) pgx.Row

func lookupRun(ctx context.Context, runID int64, queryRow queryRowFn) (*model.ExportRun, error) {
	row := queryRow(ctx, `
		SELECT
			`+runColumns+`
		FROM
			export_runs
		WHERE
			run_id = $1
		LIMIT 1
		`, runID)
	return scanOneRun(row)
}

// ListRuns returns the most recent runs for a config, newest first. A limit
// of zero or less applies a default of 100.
func (db *ExportDB) ListRuns(ctx context.Context, configID int64, limit int) ([]*model.ExportRun, error) {
	if limit <= 0 {
		limit = 100
	}

	conn, err := db.db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
		SELECT
			`+runColumns+`
		FROM
			export_runs
		WHERE
			config_id = $1
		ORDER BY
			interval_end DESC, run_id DESC
		LIMIT $2
		`, configID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []*model.ExportRun{}
	for rows.Next() {
		r, err := scanOneRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// FinalizeRun records the outcome of a run attempt: status, the committed
// done-range frontier, row counts, and the error that stopped it, clearing
// the lease. The caller sets FinishedAt for terminal statuses. Finalizing a
// run that is already terminal is a no-op.
func (db *ExportDB) FinalizeRun(ctx context.Context, run *model.ExportRun) error {
	logger := logging.FromContext(ctx)

	done, _, err := marshalRunJSON(run)
	if err != nil {
		return err
	}
	return db.db.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		current, err := lookupRun(ctx, run.RunID, tx.QueryRow)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			logger.Warnw("run is already finalized", "run_id", run.RunID, "status", current.Status)
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE
				export_runs
			SET
				status = $1, done_ranges = $2, rows_produced = $3, rows_loaded = $4,
				latest_error = $5, lease_expires = NULL, finished_at = $6, updated_at = now()
			WHERE
				run_id = $7
			`, run.Status, done, run.RowsProduced, run.RowsLoaded, run.LatestError,
			database.NullableTime(run.FinishedAt), run.RunID); err != nil {
			return fmt.Errorf("finalizing run %d: %w", run.RunID, err)
		}
		return nil
	})
}

func scanOneRun(row pgx.Row) (*model.ExportRun, error) {
	var (
		r                        model.ExportRun
		start, expires, finished *time.Time
		done, backfill           []byte
	)
	if err := row.Scan(&r.RunID, &r.ConfigID, &r.Status, &start, &r.IntervalEnd, &done,
		&r.RowsProduced, &r.RowsLoaded, &r.LatestError, &r.Attempts, &expires, &backfill,
		&r.CreatedAt, &r.UpdatedAt, &finished); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(done, &r.DoneRanges); err != nil {
		return nil, fmt.Errorf("unmarshaling done ranges: %w", err)
	}
	if len(backfill) > 0 {
		r.Backfill = &model.BackfillDetails{}
		if err := json.Unmarshal(backfill, r.Backfill); err != nil {
			return nil, fmt.Errorf("unmarshaling backfill details: %w", err)
		}
	}
	if start != nil {
		r.IntervalStart = *start
	}
	if expires != nil {
		r.LeaseExpires = *expires
	}
	if finished != nil {
		r.FinishedAt = *finished
	}
	return &r, nil
}

func marshalRunJSON(r *model.ExportRun) (done, backfill []byte, err error) {
	// Nil done ranges store as an empty array so scans always yield a slice.
	ranges := r.DoneRanges
	if ranges == nil {
		ranges = []model.Interval{}
	}
	if done, err = json.Marshal(ranges); err != nil {
		return nil, nil, fmt.Errorf("marshaling done ranges: %w", err)
	}
	if r.Backfill != nil {
		if backfill, err = json.Marshal(r.Backfill); err != nil {
			return nil, nil, fmt.Errorf("marshaling backfill details: %w", err)
		}
	}
	return done, backfill, nil
}

func shuffle(vals []int64) []int64 {
	r := rand.New(rand.NewSource(time.Now().Unix()))
	ret := make([]int64, len(vals))
	for i, randIndex := range r.Perm(len(vals)) {
		ret[i] = vals[randIndex]
	}
	return ret
}
