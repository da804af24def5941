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
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/eventlake/batch-export-server/internal/destination"
	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/eventlake/batch-export-server/internal/project"
	"github.com/google/go-cmp/cmp"
)

var consumerSchema = &model.Schema{Columns: []model.Column{
	{Name: "uuid", Type: model.ColumnString},
	{Name: "event", Type: model.ColumnString},
	{Name: "properties", Type: model.ColumnJSON},
	{Name: model.InsertedAtColumn, Type: model.ColumnDateTime},
}}

func eventRow(uuid, event, properties string) Row {
	var props interface{}
	if properties != "" {
		props = properties
	}
	return Row{uuid, event, props, day(1)}
}

func batchOf(bounds model.Interval, rows ...Row) *RecordBatch {
	return &RecordBatch{Schema: consumerSchema, Rows: rows, Bounds: bounds}
}

func memDest(t testing.TB) *destination.Memory {
	t.Helper()
	m, err := destination.NewMemory(project.TestContext(t), nil)
	if err != nil {
		t.Fatalf("creating memory destination: %v", err)
	}
	return m
}

// loadQueue puts the batches on a fresh queue and closes it at end of
// stream.
func loadQueue(t testing.TB, batches ...*RecordBatch) *Queue {
	t.Helper()
	ctx := project.TestContext(t)
	q := NewQueue(len(batches)+1, 1<<30)
	for _, b := range batches {
		if err := q.Put(ctx, b); err != nil {
			t.Fatalf("loading queue: %v", err)
		}
	}
	q.CloseSend()
	return q
}

func TestRunConsumerDelivers(t *testing.T) {
	t.Parallel()

	ctx := project.TestContext(t)
	mem := memDest(t)
	dir := t.TempDir()

	q := loadQueue(t,
		batchOf(ival(1, 2),
			eventRow("a", "$pageview", `{"plan":"pro"}`),
			eventRow("b", "$identify", "not json")),
		batchOf(ival(2, 3),
			eventRow("c", "$pageview", "")),
	)

	res, err := RunConsumer(ctx, q, &ConsumerInput{
		Destination: mem,
		Table:       "events",
		Interval:    ival(1, 3),
		PrimaryKey:  []string{"uuid"},
		SpoolDir:    dir,
	})
	if err != nil {
		t.Fatalf("RunConsumer: %v", err)
	}

	if res.RowsLoaded != 3 {
		t.Errorf("RowsLoaded = %d, want 3", res.RowsLoaded)
	}
	if diff := cmp.Diff([]model.Interval{ival(1, 3)}, res.Done); diff != "" {
		t.Errorf("done ranges mismatch (-want, +got):\n%s", diff)
	}

	want := []map[string]interface{}{
		{"uuid": "a", "event": "$pageview", "properties": map[string]interface{}{"plan": "pro"}},
		{"uuid": "b", "event": "$identify", "properties": "not json"},
		{"uuid": "c", "event": "$pageview", "properties": nil},
	}
	if diff := cmp.Diff(want, mem.CommittedRows("events")); diff != "" {
		t.Errorf("committed rows mismatch (-want, +got):\n%s", diff)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("spool dir not cleaned up, %d files remain", len(entries))
	}
}

func TestRunConsumerGroupsByRows(t *testing.T) {
	t.Parallel()

	ctx := project.TestContext(t)
	mem := memDest(t)

	var batches []*RecordBatch
	for i := 1; i <= 5; i++ {
		batches = append(batches, batchOf(ival(i, i+1), eventRow(fmt.Sprintf("id%d", i), "$pageview", "")))
	}
	q := loadQueue(t, batches...)

	res, err := RunConsumer(ctx, q, &ConsumerInput{
		Destination: mem,
		Table:       "events",
		Interval:    ival(1, 6),
		PrimaryKey:  []string{"uuid"},
		SpoolDir:    t.TempDir(),
		MaxFileRows: 2,
	})
	if err != nil {
		t.Fatalf("RunConsumer: %v", err)
	}
	if res.RowsLoaded != 5 {
		t.Errorf("RowsLoaded = %d, want 5", res.RowsLoaded)
	}
	if diff := cmp.Diff([]model.Interval{ival(1, 6)}, res.Done); diff != "" {
		t.Errorf("done ranges mismatch (-want, +got):\n%s", diff)
	}

	files := mem.CommittedFiles()
	if len(files) != 3 {
		t.Fatalf("committed %d files, want 3", len(files))
	}
	wantRows := []int64{2, 2, 1}
	wantBounds := []model.Interval{ival(1, 3), ival(3, 5), ival(5, 6)}
	for i, f := range files {
		if f.Rows != wantRows[i] {
			t.Errorf("file %d rows = %d, want %d", i, f.Rows, wantRows[i])
		}
		got := model.Interval{Start: f.Start, End: f.End}
		if diff := cmp.Diff(wantBounds[i], got); diff != "" {
			t.Errorf("file %d bounds mismatch (-want, +got):\n%s", i, diff)
		}
		wantPrefix := "20220101T000000Z-20220106T000000Z-"
		if !strings.HasPrefix(f.Name, wantPrefix) || !strings.HasSuffix(f.Name, ".jsonl.gz") {
			t.Errorf("file %d name %q does not match %s{seq}-{id}.jsonl.gz", i, f.Name, wantPrefix)
		}
	}
}

func TestRunConsumerGroupsByBytes(t *testing.T) {
	t.Parallel()

	ctx := project.TestContext(t)
	mem := memDest(t)

	q := loadQueue(t,
		batchOf(ival(1, 2), eventRow("a", "$pageview", "")),
		batchOf(ival(2, 3), eventRow("b", "$pageview", "")),
	)

	res, err := RunConsumer(ctx, q, &ConsumerInput{
		Destination:  mem,
		Table:        "events",
		Interval:     ival(1, 3),
		SpoolDir:     t.TempDir(),
		MaxFileBytes: 1,
	})
	if err != nil {
		t.Fatalf("RunConsumer: %v", err)
	}
	if res.RowsLoaded != 2 {
		t.Errorf("RowsLoaded = %d, want 2", res.RowsLoaded)
	}
	if got := len(mem.CommittedFiles()); got != 2 {
		t.Errorf("committed %d files, want 2", got)
	}
}

func TestRunConsumerStageFailure(t *testing.T) {
	t.Parallel()

	ctx := project.TestContext(t)
	mem := memDest(t)
	mem.FailStage = map[string]string{"*": "stage exploded"}
	dir := t.TempDir()

	q := loadQueue(t, batchOf(ival(1, 2), eventRow("a", "$pageview", "")))

	res, err := RunConsumer(ctx, q, &ConsumerInput{
		Destination: mem,
		Table:       "events",
		Interval:    ival(1, 2),
		SpoolDir:    dir,
	})
	if !errors.Is(err, destination.ErrFileNotUploaded) {
		t.Fatalf("err = %v, want ErrFileNotUploaded", err)
	}
	if len(res.Done) != 0 {
		t.Errorf("done ranges = %v, want none", res.Done)
	}
	if got := len(mem.CommittedFiles()); got != 0 {
		t.Errorf("committed %d files after failed stage, want 0", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("spool dir not cleaned up, %d files remain", len(entries))
	}
}

func TestRunConsumerCommitFailureKeepsEarlierProgress(t *testing.T) {
	t.Parallel()

	ctx := project.TestContext(t)
	mem := memDest(t)
	mem.FailCommit = map[string]string{"*-1-*": "load exploded"}

	q := loadQueue(t,
		batchOf(ival(1, 2), eventRow("a", "$pageview", "")),
		batchOf(ival(2, 3), eventRow("b", "$pageview", "")),
		batchOf(ival(3, 4), eventRow("c", "$pageview", "")),
	)

	res, err := RunConsumer(ctx, q, &ConsumerInput{
		Destination: mem,
		Table:       "events",
		Interval:    ival(1, 4),
		SpoolDir:    t.TempDir(),
		MaxFileRows: 1,
	})
	if !errors.Is(err, destination.ErrFileNotLoaded) {
		t.Fatalf("err = %v, want ErrFileNotLoaded", err)
	}
	if res.RowsLoaded != 1 {
		t.Errorf("RowsLoaded = %d, want 1", res.RowsLoaded)
	}
	if diff := cmp.Diff([]model.Interval{ival(1, 2)}, res.Done); diff != "" {
		t.Errorf("done ranges mismatch (-want, +got):\n%s", diff)
	}
	if got := len(mem.CommittedFiles()); got != 1 {
		t.Errorf("committed %d files, want 1", got)
	}
}

func TestRunConsumerQueueError(t *testing.T) {
	t.Parallel()

	ctx := project.TestContext(t)
	mem := memDest(t)

	sentinel := errors.New("upstream exploded")
	q := NewQueue(4, 1<<20)
	q.CloseWithError(sentinel)

	res, err := RunConsumer(ctx, q, &ConsumerInput{
		Destination: mem,
		Table:       "events",
		Interval:    ival(1, 2),
		SpoolDir:    t.TempDir(),
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want %v", err, sentinel)
	}
	if len(res.Done) != 0 {
		t.Errorf("done ranges = %v, want none", res.Done)
	}
}

func TestRunConsumerSeedsDone(t *testing.T) {
	t.Parallel()

	ctx := project.TestContext(t)
	mem := memDest(t)

	q := loadQueue(t, batchOf(ival(2, 3), eventRow("a", "$pageview", "")))

	res, err := RunConsumer(ctx, q, &ConsumerInput{
		Destination: mem,
		Table:       "events",
		Interval:    ival(1, 3),
		SpoolDir:    t.TempDir(),
		Done:        []model.Interval{ival(1, 2)},
	})
	if err != nil {
		t.Fatalf("RunConsumer: %v", err)
	}
	if diff := cmp.Diff([]model.Interval{ival(1, 3)}, res.Done); diff != "" {
		t.Errorf("done ranges mismatch (-want, +got):\n%s", diff)
	}
}

func TestRunConsumerDeduplicates(t *testing.T) {
	t.Parallel()

	ctx := project.TestContext(t)
	mem := memDest(t)

	q := loadQueue(t, batchOf(ival(1, 2),
		eventRow("a", "$pageview", ""),
		eventRow("a", "$pageview", `{"plan":"pro"}`),
		eventRow("b", "$pageview", ""),
	))

	res, err := RunConsumer(ctx, q, &ConsumerInput{
		Destination: mem,
		Table:       "events",
		Interval:    ival(1, 2),
		PrimaryKey:  []string{"uuid"},
		SpoolDir:    t.TempDir(),
	})
	if err != nil {
		t.Fatalf("RunConsumer: %v", err)
	}
	if res.RowsLoaded != 2 {
		t.Errorf("RowsLoaded = %d, want 2", res.RowsLoaded)
	}

	want := []map[string]interface{}{
		{"uuid": "a", "event": "$pageview", "properties": map[string]interface{}{"plan": "pro"}},
		{"uuid": "b", "event": "$pageview", "properties": nil},
	}
	if diff := cmp.Diff(want, mem.CommittedRows("events")); diff != "" {
		t.Errorf("committed rows mismatch (-want, +got):\n%s", diff)
	}
}
