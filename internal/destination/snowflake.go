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

package destination

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"contrib.go.opencensus.io/integrations/ocsql"
	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/eventlake/batch-export-server/pkg/observability"
	"github.com/hashicorp/go-multierror"
	"github.com/snowflakedb/gosnowflake"
)

// registerSnowflakeDriver wraps the snowflake driver with OpenCensus
// instrumentation under the fixed name the observability package watches for.
var registerDriverOnce sync.Once

func registerSnowflakeDriver() {
	registerDriverOnce.Do(func() {
		sql.Register(observability.OCSQLDriverName,
			ocsql.Wrap(&gosnowflake.SnowflakeDriver{}, ocsql.WithAllTraceOptions()))
	})
}

// Snowflake delivers exports to a Snowflake table. Files are staged into the
// table stage with PUT and made visible with COPY INTO, which also purges the
// staged copies it loaded.
//
// All statements run on one pinned session so the USE and SET statements
// issued at connect time govern every later PUT and COPY.
type Snowflake struct {
	db     *sql.DB
	conn   *sql.Conn
	config *Config

	prepared bool
}

// compile-time check
var _ Destination = (*Snowflake)(nil)

// Required settings for a snowflake destination.
var snowflakeRequiredSettings = []string{"account", "user", "password", "database", "schema", "warehouse"}

func NewSnowflake(ctx context.Context, cfg *Config) (*Snowflake, error) {
	registerSnowflakeDriver()

	for _, k := range snowflakeRequiredSettings {
		if cfg.Settings[k] == "" {
			return nil, fmt.Errorf("%w: snowflake destination requires setting %q", ErrBadConfig, k)
		}
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("%w: snowflake destination requires a table", ErrBadConfig)
	}

	dsn, err := gosnowflake.DSN(&gosnowflake.Config{
		Account:     cfg.Settings["account"],
		User:        cfg.Settings["user"],
		Password:    cfg.Settings["password"],
		Database:    cfg.Settings["database"],
		Schema:      cfg.Settings["schema"],
		Warehouse:   cfg.Settings["warehouse"],
		Role:        cfg.Settings["role"],
		Application: "batch-export-server",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: building snowflake dsn: %v", ErrBadConfig, err)
	}

	db, err := sql.Open(observability.OCSQLDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening snowflake connection: %w", err)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("acquiring snowflake session: %w", err)
	}

	s := &Snowflake{db: db, conn: conn, config: cfg}
	if err := s.initSession(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// initSession pins the session to the target database and schema.
// ABORT_DETACHED_QUERY stays off so a long COPY survives a brief client
// disconnect.
func (s *Snowflake) initSession(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("USE DATABASE %s", quoteIdent(s.config.Settings["database"])),
		fmt.Sprintf("USE SCHEMA %s", quoteIdent(s.config.Settings["schema"])),
		"SET ABORT_DETACHED_QUERY = FALSE",
	}
	for _, stmt := range stmts {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initializing snowflake session (%s): %w", stmt, err)
		}
	}
	return nil
}

// prepare creates the target table when missing and, on a fresh attempt,
// removes whatever an earlier failed attempt left under this run's stage
// prefix. It runs once, before the first stage.
func (s *Snowflake) prepare(ctx context.Context) error {
	if s.prepared {
		return nil
	}

	cols := make([]string, 0, len(s.config.Schema.Columns))
	for _, c := range s.config.Schema.Columns {
		if c.Name == model.InsertedAtColumn {
			continue
		}
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(c.Name), snowflakeType(c.Type)))
	}
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(s.config.Table), strings.Join(cols, ", "))
	if _, err := s.conn.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("creating table %q: %w", s.config.Table, err)
	}

	if s.config.FreshAttempt {
		if _, err := s.conn.ExecContext(ctx, "REMOVE "+s.stagePath()); err != nil {
			return fmt.Errorf("clearing table stage: %w", err)
		}
	}

	s.prepared = true
	return nil
}

// stagePath is the table stage location this run's files live under.
func (s *Snowflake) stagePath() string {
	return fmt.Sprintf(`'@%%"%s"/%s'`, strings.ReplaceAll(s.config.Table, `"`, `""`), s.config.StagePrefix)
}

func (s *Snowflake) Stage(ctx context.Context, file *StagedFile) (*StageOutcome, error) {
	if err := s.prepare(ctx); err != nil {
		return nil, err
	}

	put := fmt.Sprintf("PUT 'file://%s' %s", file.LocalPath, s.stagePath())
	rows, err := s.conn.QueryContext(ctx, put)
	if err != nil {
		return nil, fmt.Errorf("staging %s: %w", file.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("staging %s: %w", file.Name, err)
		}
		return nil, fmt.Errorf("staging %s: %w: empty result", file.Name, ErrFileNotUploaded)
	}

	var (
		source, target, srcComp, tgtComp, status string
		message                                  sql.NullString
		srcSize, tgtSize                         int64
	)
	if err := rows.Scan(&source, &target, &srcSize, &tgtSize, &srcComp, &tgtComp, &status, &message); err != nil {
		return nil, fmt.Errorf("reading stage result for %s: %w", file.Name, err)
	}

	outcome := &StageOutcome{
		Source:            source,
		Target:            target,
		SourceSize:        srcSize,
		TargetSize:        tgtSize,
		SourceCompression: srcComp,
		TargetCompression: tgtComp,
		Status:            StageStatus(strings.ToUpper(status)),
		Message:           message.String,
	}
	switch outcome.Status {
	case StageUploaded:
	case "SKIPPED":
		// A re-staged file with an unchanged checksum. Fine: staging is
		// repeatable by contract.
		outcome.Status = StageUploaded
	default:
		outcome.Status = StageFailed
		return outcome, fmt.Errorf("%w: %s: %s", ErrFileNotUploaded, file.Name, message.String)
	}
	return outcome, nil
}

func (s *Snowflake) Commit(ctx context.Context, table string, files []*StagedFile) ([]*CommitOutcome, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if err := s.prepare(ctx); err != nil {
		return nil, err
	}

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = "'" + strings.ReplaceAll(f.Name, "'", "\\'") + "'"
	}

	copyStmt := fmt.Sprintf(`COPY INTO %s
FROM %s
FILE_FORMAT = (TYPE = 'JSON')
MATCH_BY_COLUMN_NAME = CASE_INSENSITIVE
FILES = (%s)
PURGE = TRUE`,
		quoteIdent(table), s.stagePath(), strings.Join(names, ", "))

	rows, err := s.conn.QueryContext(ctx, copyStmt)
	if err != nil {
		return nil, fmt.Errorf("copying %d files into %q: %w", len(files), table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading copy result columns: %w", err)
	}
	if len(cols) < 10 {
		return nil, fmt.Errorf("unexpected copy result shape (%d columns) for table %q", len(cols), table)
	}

	var outcomes []*CommitOutcome
	var loadErr error
	for rows.Next() {
		var (
			file, status                                   string
			rowsParsed, rowsLoaded, errorLimit, errorsSeen sql.NullInt64
			firstError, firstErrorColName                  sql.NullString
			firstErrorLine, firstErrorChar                 sql.NullInt64
		)
		if err := rows.Scan(&file, &status, &rowsParsed, &rowsLoaded, &errorLimit, &errorsSeen,
			&firstError, &firstErrorLine, &firstErrorChar, &firstErrorColName); err != nil {
			return nil, fmt.Errorf("reading copy result row: %w", err)
		}

		outcome := &CommitOutcome{
			File:           file,
			Status:         CommitStatus(strings.ToUpper(status)),
			RowsParsed:     rowsParsed.Int64,
			RowsLoaded:     rowsLoaded.Int64,
			ErrorLimit:     errorLimit.Int64,
			ErrorsSeen:     errorsSeen.Int64,
			FirstError:     firstError.String,
			FirstErrorLine: firstErrorLine.Int64,
		}
		outcomes = append(outcomes, outcome)

		if outcome.Status != CommitLoaded && loadErr == nil {
			loadErr = fmt.Errorf("%w: %s: %s", ErrFileNotLoaded, outcome.File, outcome.FirstError)
		}
	}
	if err := rows.Err(); err != nil {
		return outcomes, fmt.Errorf("reading copy results: %w", err)
	}
	return outcomes, loadErr
}

// Close releases the pinned session and the pool behind it.
func (s *Snowflake) Close() error {
	var merr *multierror.Error
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("closing snowflake session: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("closing snowflake pool: %w", err))
		}
	}
	return merr.ErrorOrNil()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func snowflakeType(t model.ColumnType) string {
	switch t {
	case model.ColumnInt64:
		return "INTEGER"
	case model.ColumnFloat64:
		return "FLOAT"
	case model.ColumnBool:
		return "BOOLEAN"
	case model.ColumnDateTime:
		return "TIMESTAMP"
	case model.ColumnJSON:
		return "VARIANT"
	default:
		return "STRING"
	}
}
