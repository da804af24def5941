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

// Package clickhouse reads export models out of the ClickHouse analytical
// store, paging rows into record batches ordered by insertion time.
package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/eventlake/batch-export-server/internal/buildinfo"
	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/eventlake/batch-export-server/internal/export/pipeline"
	"github.com/eventlake/batch-export-server/pkg/logging"
	"go.opencensus.io/stats"
)

// Client streams export reads from ClickHouse. It implements
// pipeline.Source.
type Client struct {
	conn      driver.Conn
	batchRows int
}

var _ pipeline.Source = (*Client)(nil)

// New dials the store and verifies the connection.
func New(ctx context.Context, cfg *Config) (*Client, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Addrs,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:  cfg.DialTimeout,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
		Compression:  &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "batch-export-server", Version: buildinfo.ExportServer.Tag()},
			},
		},
	}
	if cfg.UseTLS {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}

	batchRows := cfg.BatchRows
	if batchRows <= 0 {
		batchRows = 10000
	}
	return &Client{conn: conn, batchRows: batchRows}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.conn.Close()
}

// StreamBatches executes the model's read over one work interval and pages
// the result into record batches. Rows come back ordered by insertion time,
// so each intermediate batch's bounds end at the highest insertion time it
// observed and the final batch closes out the interval.
func (c *Client) StreamBatches(ctx context.Context, q *pipeline.SourceQuery, fn func(*pipeline.RecordBatch) error) (int64, error) {
	logger := logging.FromContext(ctx).Named("clickhouse")

	stmt, args, err := buildQuery(q)
	if err != nil {
		return 0, err
	}
	logger.Debugw("executing export read",
		"model", q.Model.Kind(),
		"team_id", q.TeamID,
		"interval", q.Interval.String())

	queryStart := time.Now()
	rows, err := c.conn.Query(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("querying %s: %w", q.Model.Kind(), err)
	}
	defer rows.Close()
	stats.Record(ctx, mQueryLatencyMS.M(float64(time.Since(queryStart).Milliseconds())))

	schema := q.Model.Schema()
	types := rows.ColumnTypes()
	if len(types) != len(schema.Columns) {
		return 0, fmt.Errorf("query returned %d columns, schema has %d", len(types), len(schema.Columns))
	}
	insertedIdx := schema.Index(model.InsertedAtColumn)

	var (
		total int64
		batch []pipeline.Row
	)
	start := q.Interval.Start
	cursor := q.Interval.Start

	flush := func(end time.Time) error {
		err := fn(&pipeline.RecordBatch{
			Schema: schema,
			Rows:   batch,
			Bounds: model.Interval{Start: start, End: end},
		})
		if err != nil {
			return err
		}
		total += int64(len(batch))
		stats.Record(ctx, mRowsRead.M(int64(len(batch))), mBatchesEmitted.M(1))
		start = end
		batch = nil
		return nil
	}

	scan := make([]interface{}, len(types))
	for rows.Next() {
		for i, ct := range types {
			scan[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(scan...); err != nil {
			return total, fmt.Errorf("scanning %s row: %w", q.Model.Kind(), err)
		}

		row := make(pipeline.Row, len(scan))
		for i, v := range scan {
			row[i] = indirect(v)
		}
		if insertedIdx >= 0 {
			if at, ok := row[insertedIdx].(time.Time); ok && at.After(cursor) {
				cursor = at
			}
		}

		batch = append(batch, row)
		if len(batch) >= c.batchRows {
			if err := flush(cursor); err != nil {
				return total, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return total, fmt.Errorf("reading %s rows: %w", q.Model.Kind(), err)
	}

	if len(batch) > 0 {
		if err := flush(q.Interval.End); err != nil {
			return total, err
		}
	}
	return total, nil
}

// indirect unwraps the typed pointer the driver scanned into, mapping a nil
// Nullable column to nil.
func indirect(v interface{}) interface{} {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}
