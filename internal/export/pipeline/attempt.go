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

// Package pipeline moves one export run's remaining data from a source to a
// destination. A producer streams record batches across the run's work
// intervals onto a bounded queue while a consumer spools them into files and
// delivers each with a stage then a commit, extending the committed frontier
// as it goes.
package pipeline

import (
	"context"
	"fmt"

	"github.com/eventlake/batch-export-server/internal/destination"
	"github.com/eventlake/batch-export-server/internal/export/model"
)

const (
	defaultQueueBatches = 16
	defaultQueueBytes   = 256 << 20
)

// Attempt is one try at moving an export run's remaining data from a source
// to a destination. A fresh run and a retry are the same shape, they differ
// only in the done ranges carried in.
type Attempt struct {
	Source      Source
	Destination destination.Destination

	Spec   *model.Spec
	TeamID int64

	// FullRange is the run's interval. A zero Start means unbounded below.
	FullRange model.Interval

	// DoneRanges holds what prior attempts already committed.
	DoneRanges []model.Interval

	// DefaultFields is the destination's field preference, applied when the
	// spec leaves fields unset.
	DefaultFields []string

	// Backfill is set when this run was created by a backfill request.
	Backfill *model.BackfillDetails

	Table    string
	SpoolDir string

	MaxFileBytes int64
	MaxFileRows  int64

	// QueueBatches and QueueBytes bound the handoff between the source read
	// and the destination write. Zero means the default.
	QueueBatches int
	QueueBytes   int64
}

// Result reports one attempt.
type Result struct {
	RowsProduced int64
	RowsLoaded   int64

	// Done is the committed frontier after this attempt, including the
	// ranges carried in. Persist it even on error so a retry can resume.
	Done []model.Interval
}

// Run executes the attempt. The producer streams batches onto a bounded
// queue while the consumer, on the calling goroutine, stages and commits
// them. The returned result is valid even when err is non-nil: it carries
// whatever the attempt committed before failing.
func (a *Attempt) Run(ctx context.Context) (*Result, error) {
	if a.Source == nil {
		return nil, fmt.Errorf("attempt requires a source")
	}
	if a.Spec == nil {
		return nil, fmt.Errorf("attempt requires a model spec")
	}

	batches := a.QueueBatches
	if batches <= 0 {
		batches = defaultQueueBatches
	}
	bytes := a.QueueBytes
	if bytes <= 0 {
		bytes = defaultQueueBytes
	}
	queue := NewQueue(batches, bytes)

	// The producer gets its own cancel so a consumer failure can unstick a
	// blocked Put without tearing down the caller's context.
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := StartProducer(pctx, a.Source, queue, &ProducerInput{
		Spec:          a.Spec,
		TeamID:        a.TeamID,
		FullRange:     a.FullRange,
		DoneRanges:    a.DoneRanges,
		DefaultFields: a.DefaultFields,
		Backfill:      a.Backfill,
	})

	cres, cerr := RunConsumer(ctx, queue, &ConsumerInput{
		Destination:  a.Destination,
		Table:        a.Table,
		Interval:     a.FullRange,
		PrimaryKey:   primaryKeyFor(a.Spec, a.DefaultFields),
		SpoolDir:     a.SpoolDir,
		MaxFileBytes: a.MaxFileBytes,
		MaxFileRows:  a.MaxFileRows,
		Done:         a.DoneRanges,
	})
	if cerr != nil {
		cancel()
	}
	perr := handle.Wait()

	result := &Result{
		RowsProduced: handle.Rows(),
	}
	if cres != nil {
		result.RowsLoaded = cres.RowsLoaded
		result.Done = cres.Done
	}

	// The consumer error is the attempt's error when both halves fail: a
	// cancelled producer is usually collateral of the consumer failure.
	if cerr != nil {
		return result, cerr
	}
	if perr != nil {
		return result, perr
	}
	return result, nil
}

func primaryKeyFor(spec *model.Spec, defaultFields []string) []string {
	q, err := spec.Resolve(defaultFields)
	if err != nil {
		return nil
	}
	return q.PrimaryKey()
}
