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

package pipeline

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/eventlake/batch-export-server/internal/destination"
	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/eventlake/batch-export-server/pkg/logging"
	"github.com/google/uuid"
	"go.opencensus.io/stats"
)

const (
	defaultMaxFileBytes = 64 << 20
	defaultMaxFileRows  = 500000

	spoolTimeFormat = "20060102T150405Z"
)

// ConsumerInput configures the consumer half of an export attempt.
type ConsumerInput struct {
	Destination destination.Destination
	Table       string

	// Interval is the run's full range, used to name spooled files.
	Interval model.Interval

	// PrimaryKey drives read-side deduplication within each batch. Empty
	// means whole-row identity.
	PrimaryKey []string

	// SpoolDir is where batch groups are serialized before staging. Empty
	// means the system temp dir.
	SpoolDir string

	// MaxFileBytes and MaxFileRows bound one staged file, by serialized
	// pre-compression bytes and by row count.
	MaxFileBytes int64
	MaxFileRows  int64

	// Done seeds the frontier with what earlier attempts committed.
	Done []model.Interval
}

// ConsumerResult reports what one consumer run delivered.
type ConsumerResult struct {
	RowsLoaded int64

	// Done is the committed frontier: the seed plus every file committed
	// during this run. It is valid even when the run ends in an error, so
	// the caller can persist partial progress.
	Done []model.Interval
}

// RunConsumer drains the queue, grouping batches into gzip JSONL spool files
// and delivering each full file with a stage followed by a commit. The
// frontier extends only after a successful commit, a failed stage is never
// followed by a commit, and the first failure of either phase ends the run
// with whatever was already committed reflected in the result.
func RunConsumer(ctx context.Context, queue *Queue, in *ConsumerInput) (*ConsumerResult, error) {
	logger := logging.FromContext(ctx).Named("consumer")

	if in.Destination == nil {
		return nil, fmt.Errorf("consumer requires a destination")
	}
	if in.Table == "" {
		return nil, fmt.Errorf("consumer requires a table")
	}
	maxBytes := in.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxFileBytes
	}
	maxRows := in.MaxFileRows
	if maxRows <= 0 {
		maxRows = defaultMaxFileRows
	}

	result := &ConsumerResult{Done: MergeIntervals(in.Done)}

	var spool *spoolFile
	seq := 0
	defer func() {
		if spool != nil {
			spool.discard()
		}
	}()

	flush := func() error {
		file, err := spool.finish()
		spool = nil
		if err != nil {
			return err
		}
		defer os.Remove(file.LocalPath)

		outcome, err := in.Destination.Stage(ctx, file)
		if err != nil {
			stats.Record(ctx, mStageFailures.M(1))
			return fmt.Errorf("staging %s: %w", file.Name, err)
		}
		if outcome.Status != destination.StageUploaded {
			stats.Record(ctx, mStageFailures.M(1))
			return fmt.Errorf("staging %s: %w: %s", file.Name, destination.ErrFileNotUploaded, outcome.Message)
		}

		outcomes, err := in.Destination.Commit(ctx, in.Table, []*destination.StagedFile{file})
		if err != nil {
			stats.Record(ctx, mCommitFailures.M(1))
			return fmt.Errorf("committing %s: %w", file.Name, err)
		}
		for _, oc := range outcomes {
			if oc.Status != destination.CommitLoaded {
				stats.Record(ctx, mCommitFailures.M(1))
				return fmt.Errorf("committing %s: %w: %s", oc.File, destination.ErrFileNotLoaded, oc.FirstError)
			}
			result.RowsLoaded += oc.RowsLoaded
		}

		stats.Record(ctx, mFilesCommitted.M(1))
		result.Done = Extend(result.Done, model.Interval{Start: file.Start, End: file.End})
		seq++
		logger.Debugw("committed batch group",
			"file", file.Name,
			"rows", file.Rows,
			"bytes", file.Bytes)
		return nil
	}

	for {
		b, err := queue.Get(ctx)
		if err != nil {
			return result, err
		}
		if b == nil {
			break
		}

		b.Rows = Deduplicate(b.Schema, b.Rows, in.PrimaryKey)
		if len(b.Rows) == 0 {
			continue
		}

		if spool == nil {
			s, err := newSpoolFile(in.SpoolDir, in.Interval, seq)
			if err != nil {
				return result, err
			}
			spool = s
		}
		if err := spool.appendBatch(b); err != nil {
			return result, err
		}
		if spool.rows >= maxRows || spool.rawBytes >= maxBytes {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}

	if spool != nil && spool.rows > 0 {
		if err := flush(); err != nil {
			return result, err
		}
	}
	return result, nil
}

// spoolFile accumulates one batch group as gzip JSONL on local disk.
type spoolFile struct {
	f    *os.File
	gz   *gzip.Writer
	cw   *countingWriter
	enc  *json.Encoder
	name string

	rows     int64
	rawBytes int64
	bounds   model.Interval
}

func newSpoolFile(dir string, interval model.Interval, seq int) (*spoolFile, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	name := fmt.Sprintf("%s-%s-%d-%s.jsonl.gz",
		spoolTime(interval.Start), spoolTime(interval.End), seq, uuid.New().String())

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}

	s := &spoolFile{f: f, name: name}
	s.gz = gzip.NewWriter(f)
	s.cw = &countingWriter{w: s.gz}
	s.enc = json.NewEncoder(s.cw)
	return s, nil
}

// spoolTime renders an interval endpoint for a file name. The zero time is
// an unbounded lower bound.
func spoolTime(t time.Time) string {
	if t.IsZero() {
		return "earliest"
	}
	return t.UTC().Format(spoolTimeFormat)
}

// appendBatch serializes the batch's rows and widens the spool's covered
// interval to include the batch's bounds.
func (s *spoolFile) appendBatch(b *RecordBatch) error {
	for _, row := range b.Rows {
		if err := s.enc.Encode(rowObject(b.Schema, row)); err != nil {
			return fmt.Errorf("serializing row: %w", err)
		}
	}
	if s.rows == 0 {
		s.bounds = b.Bounds
	} else {
		s.bounds.End = b.Bounds.End
	}
	s.rows += int64(len(b.Rows))
	s.rawBytes = s.cw.n
	return nil
}

// finish closes the spool and describes it for staging. The caller owns
// removing the file.
func (s *spoolFile) finish() (*destination.StagedFile, error) {
	if err := s.gz.Close(); err != nil {
		s.f.Close()
		return nil, fmt.Errorf("closing gzip stream: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return nil, fmt.Errorf("closing spool file: %w", err)
	}
	info, err := os.Stat(s.f.Name())
	if err != nil {
		return nil, fmt.Errorf("sizing spool file: %w", err)
	}
	return &destination.StagedFile{
		Name:      s.name,
		LocalPath: s.f.Name(),
		Bytes:     info.Size(),
		RawBytes:  s.rawBytes,
		Rows:      s.rows,
		Start:     s.bounds.Start,
		End:       s.bounds.End,
	}, nil
}

// discard closes and deletes a spool that will not be staged.
func (s *spoolFile) discard() {
	s.gz.Close()
	s.f.Close()
	os.Remove(s.f.Name())
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// rowObject renders one row for the destination: named by column, the
// bookkeeping insertion-time column dropped, JSON text embedded as JSON
// rather than re-quoted, and timestamps in RFC 3339.
func rowObject(schema *model.Schema, row Row) map[string]interface{} {
	obj := make(map[string]interface{}, len(schema.Columns))
	for i, c := range schema.Columns {
		if c.Name == model.InsertedAtColumn || i >= len(row) {
			continue
		}
		obj[c.Name] = jsonValue(c, row[i])
	}
	return obj
}

func jsonValue(c model.Column, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch c.Type {
	case model.ColumnJSON:
		switch t := v.(type) {
		case string:
			if json.Valid([]byte(t)) {
				return json.RawMessage(t)
			}
			return t
		case []byte:
			if json.Valid(t) {
				return json.RawMessage(t)
			}
			return string(t)
		}
		return v
	case model.ColumnDateTime:
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(time.RFC3339Nano)
		}
		return v
	case model.ColumnString:
		if b, ok := v.([]byte); ok {
			return string(b)
		}
		return v
	}
	return v
}
