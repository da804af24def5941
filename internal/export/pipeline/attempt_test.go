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
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eventlake/batch-export-server/internal/destination"
	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/eventlake/batch-export-server/internal/project"
	"github.com/google/go-cmp/cmp"
)

var errSourceBoom = errors.New("source exploded")

type sourceRow struct {
	at  time.Time
	row Row
}

// srcRow builds a row for the three-field test spec, with the insertion
// time appended the way a real source does.
func srcRow(at time.Time, uuid string) sourceRow {
	return sourceRow{at: at, row: Row{uuid, "$pageview", nil, at}}
}

// fakeSource replays canned rows, slicing each queried interval into
// batches of perBatch rows with tiled bounds.
type fakeSource struct {
	mu        sync.Mutex
	rows      []sourceRow
	perBatch  int
	failAfter int // fail once this many batches were emitted, -1 never
	queried   []model.Interval
}

func newFakeSource(perBatch int, rows ...sourceRow) *fakeSource {
	return &fakeSource{rows: rows, perBatch: perBatch, failAfter: -1}
}

func (s *fakeSource) StreamBatches(ctx context.Context, q *SourceQuery, fn func(*RecordBatch) error) (int64, error) {
	s.mu.Lock()
	s.queried = append(s.queried, q.Interval)
	var selected []sourceRow
	for _, r := range s.rows {
		if !q.Interval.Start.IsZero() && r.at.Before(q.Interval.Start) {
			continue
		}
		if !r.at.Before(q.Interval.End) {
			continue
		}
		selected = append(selected, r)
	}
	s.mu.Unlock()

	per := s.perBatch
	if per <= 0 {
		per = len(selected)
	}

	var emitted int64
	batches := 0
	start := q.Interval.Start
	for i := 0; i < len(selected); i += per {
		if s.failAfter >= 0 && batches >= s.failAfter {
			return emitted, errSourceBoom
		}
		j := i + per
		if j > len(selected) {
			j = len(selected)
		}
		chunk := selected[i:j]

		end := chunk[len(chunk)-1].at
		if j == len(selected) {
			end = q.Interval.End
		}
		rows := make([]Row, 0, len(chunk))
		for _, r := range chunk {
			rows = append(rows, r.row)
		}
		if err := fn(&RecordBatch{
			Schema: q.Model.Schema(),
			Rows:   rows,
			Bounds: model.Interval{Start: start, End: end},
		}); err != nil {
			return emitted, err
		}
		emitted += int64(len(rows))
		batches++
		start = end
	}
	if s.failAfter >= 0 && batches >= s.failAfter {
		return emitted, errSourceBoom
	}
	return emitted, nil
}

func testSpec() *model.Spec {
	return &model.Spec{Name: model.ModelEvents, Fields: []string{"uuid", "event", "properties"}}
}

func TestAttemptRun(t *testing.T) {
	t.Parallel()

	ctx := project.TestContext(t)
	mem := memDest(t)

	src := newFakeSource(2,
		srcRow(day(1).Add(1*time.Hour), "a"),
		srcRow(day(1).Add(2*time.Hour), "b"),
		srcRow(day(2).Add(1*time.Hour), "c"),
		srcRow(day(2).Add(2*time.Hour), "d"),
	)

	a := &Attempt{
		Source:      src,
		Destination: mem,
		Spec:        testSpec(),
		TeamID:      42,
		FullRange:   ival(1, 3),
		Table:       "events",
		SpoolDir:    t.TempDir(),
	}
	res, err := a.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.RowsProduced != 4 {
		t.Errorf("RowsProduced = %d, want 4", res.RowsProduced)
	}
	if res.RowsLoaded != 4 {
		t.Errorf("RowsLoaded = %d, want 4", res.RowsLoaded)
	}
	if diff := cmp.Diff([]model.Interval{ival(1, 3)}, res.Done); diff != "" {
		t.Errorf("done ranges mismatch (-want, +got):\n%s", diff)
	}

	var uuids []string
	for _, row := range mem.CommittedRows("events") {
		uuids = append(uuids, row["uuid"].(string))
	}
	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, uuids); diff != "" {
		t.Errorf("delivered rows mismatch (-want, +got):\n%s", diff)
	}
	for _, row := range mem.CommittedRows("events") {
		if _, ok := row[model.InsertedAtColumn]; ok {
			t.Errorf("delivered row carries %s: %v", model.InsertedAtColumn, row)
		}
	}
}

func TestAttemptRunResumesFromDoneRanges(t *testing.T) {
	t.Parallel()

	ctx := project.TestContext(t)
	mem := memDest(t)

	src := newFakeSource(0,
		srcRow(day(1).Add(1*time.Hour), "a"),
		srcRow(day(2).Add(1*time.Hour), "b"),
	)

	a := &Attempt{
		Source:      src,
		Destination: mem,
		Spec:        testSpec(),
		TeamID:      42,
		FullRange:   ival(1, 3),
		DoneRanges:  []model.Interval{ival(1, 2)},
		Table:       "events",
		SpoolDir:    t.TempDir(),
	}
	res, err := a.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if diff := cmp.Diff([]model.Interval{ival(2, 3)}, src.queried); diff != "" {
		t.Errorf("queried intervals mismatch (-want, +got):\n%s", diff)
	}
	if res.RowsLoaded != 1 {
		t.Errorf("RowsLoaded = %d, want 1", res.RowsLoaded)
	}
	if diff := cmp.Diff([]model.Interval{ival(1, 3)}, res.Done); diff != "" {
		t.Errorf("done ranges mismatch (-want, +got):\n%s", diff)
	}

	rows := mem.CommittedRows("events")
	if len(rows) != 1 || rows[0]["uuid"] != "b" {
		t.Errorf("delivered rows = %v, want only b", rows)
	}
}

func TestAttemptRunEarliestBackfill(t *testing.T) {
	t.Parallel()

	ctx := project.TestContext(t)
	mem := memDest(t)

	src := newFakeSource(0,
		srcRow(day(1).Add(-30*24*time.Hour), "ancient"),
		srcRow(day(1).Add(1*time.Hour), "recent"),
	)

	a := &Attempt{
		Source:      src,
		Destination: mem,
		Spec:        testSpec(),
		TeamID:      42,
		FullRange:   ival(1, 2),
		Backfill:    &model.BackfillDetails{BackfillID: "bf-1", IsEarliest: true},
		Table:       "events",
		SpoolDir:    t.TempDir(),
	}
	res, err := a.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.RowsLoaded != 2 {
		t.Errorf("RowsLoaded = %d, want 2", res.RowsLoaded)
	}
	if len(src.queried) != 1 || !src.queried[0].Start.IsZero() {
		t.Errorf("queried intervals = %v, want one unbounded-start interval", src.queried)
	}
	if len(res.Done) != 1 || !res.Done[0].Start.IsZero() || !res.Done[0].End.Equal(day(2)) {
		t.Errorf("done ranges = %v, want unbounded start through day 2", res.Done)
	}
}

func TestAttemptRunConsumerFailureStopsProducer(t *testing.T) {
	t.Parallel()

	ctx := project.TestContext(t)
	mem := memDest(t)
	mem.FailCommit = map[string]string{"*-0-*": "load exploded"}

	var rows []sourceRow
	for i := 0; i < 50; i++ {
		rows = append(rows, srcRow(day(1).Add(time.Duration(i)*time.Minute), "row"))
	}
	src := newFakeSource(1, rows...)

	a := &Attempt{
		Source:       src,
		Destination:  mem,
		Spec:         testSpec(),
		TeamID:       42,
		FullRange:    ival(1, 2),
		Table:        "events",
		SpoolDir:     t.TempDir(),
		MaxFileRows:  1,
		QueueBatches: 1,
	}
	res, err := a.Run(ctx)
	if !errors.Is(err, destination.ErrFileNotLoaded) {
		t.Fatalf("err = %v, want ErrFileNotLoaded", err)
	}
	if res.RowsLoaded != 0 {
		t.Errorf("RowsLoaded = %d, want 0", res.RowsLoaded)
	}
	if len(res.Done) != 0 {
		t.Errorf("done ranges = %v, want none", res.Done)
	}
}

func TestAttemptRunSourceFailure(t *testing.T) {
	t.Parallel()

	ctx := project.TestContext(t)
	mem := memDest(t)

	src := newFakeSource(1, srcRow(day(1).Add(1*time.Hour), "a"))
	src.failAfter = 0

	a := &Attempt{
		Source:      src,
		Destination: mem,
		Spec:        testSpec(),
		TeamID:      42,
		FullRange:   ival(1, 2),
		Table:       "events",
		SpoolDir:    t.TempDir(),
	}
	res, err := a.Run(ctx)
	if !errors.Is(err, errSourceBoom) {
		t.Fatalf("err = %v, want %v", err, errSourceBoom)
	}
	if res.RowsLoaded != 0 {
		t.Errorf("RowsLoaded = %d, want 0", res.RowsLoaded)
	}
	if got := len(mem.CommittedFiles()); got != 0 {
		t.Errorf("committed %d files, want 0", got)
	}
}

func TestAttemptRunBadSpec(t *testing.T) {
	t.Parallel()

	ctx := project.TestContext(t)

	a := &Attempt{
		Source:      newFakeSource(0),
		Destination: memDest(t),
		Spec:        &model.Spec{Name: "bogus"},
		TeamID:      42,
		FullRange:   ival(1, 2),
		Table:       "events",
		SpoolDir:    t.TempDir(),
	}
	_, err := a.Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "unknown model") {
		t.Fatalf("err = %v, want unknown model", err)
	}
}
