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
	"fmt"
	"time"

	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/eventlake/batch-export-server/pkg/logging"
	"go.opencensus.io/stats"
)

// Source streams the rows a resolved model selects over one work interval.
// internal/source holds the implementations.
type Source interface {
	// StreamBatches executes the read described by q and invokes fn once per
	// batch, in ascending source-time order. Each batch's Bounds is the
	// sub-interval of q.Interval it covers: consecutive batches tile the
	// interval, and the final batch's Bounds reach q.Interval.End. It returns
	// the number of rows streamed. An error from fn stops the stream and is
	// returned as-is.
	StreamBatches(ctx context.Context, q *SourceQuery, fn func(*RecordBatch) error) (int64, error)
}

// SourceQuery describes one streamed read.
type SourceQuery struct {
	Model    model.Query
	TeamID   int64
	Interval model.Interval
}

// ProducerInput is everything the producer needs for one export attempt.
type ProducerInput struct {
	Spec   *model.Spec
	TeamID int64

	// FullRange is the run's interval. DoneRanges is what earlier attempts
	// already committed; the producer only reads what remains.
	FullRange  model.Interval
	DoneRanges []model.Interval

	// DefaultFields applies when the spec names no fields.
	DefaultFields []string

	// Backfill is set when the run belongs to a backfill. An earliest
	// backfill reads with no lower time bound.
	Backfill *model.BackfillDetails
}

// ProducerHandle observes a running producer.
type ProducerHandle struct {
	done chan struct{}
	rows int64
	err  error
}

// Wait blocks until the producer settles and returns its terminal error,
// nil after a complete stream.
func (h *ProducerHandle) Wait() error {
	<-h.done
	return h.err
}

// Rows blocks until the producer settles and returns the total rows
// produced.
func (h *ProducerHandle) Rows() int64 {
	<-h.done
	return h.rows
}

// StartProducer resolves the model spec once and streams every remaining
// work interval into the queue in ascending order. On a complete stream it
// closes the queue at end-of-stream; on failure, cancellation included, it
// closes the queue with the terminal error so the consumer stops promptly
// instead of draining. The producer never retries: retry is the worker's
// job, across whole attempts, where the done ranges make it cheap.
func StartProducer(ctx context.Context, source Source, queue *Queue, in *ProducerInput) *ProducerHandle {
	h := &ProducerHandle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.rows, h.err = produce(ctx, source, queue, in)
		if h.err != nil {
			queue.CloseWithError(h.err)
			return
		}
		queue.CloseSend()
	}()
	return h
}

func produce(ctx context.Context, source Source, queue *Queue, in *ProducerInput) (int64, error) {
	logger := logging.FromContext(ctx).Named("producer")

	q, err := in.Spec.Resolve(in.DefaultFields)
	if err != nil {
		return 0, fmt.Errorf("resolving model spec: %w", err)
	}

	full := in.FullRange
	if in.Backfill != nil && in.Backfill.IsEarliest {
		full.Start = time.Time{}
	}

	work := WorkIntervals(full, in.DoneRanges)
	logger.Debugw("streaming work intervals",
		"model", q.Kind(),
		"team_id", in.TeamID,
		"full", full.String(),
		"intervals", len(work))

	var total int64
	for _, w := range work {
		n, err := source.StreamBatches(ctx, &SourceQuery{Model: q, TeamID: in.TeamID, Interval: w},
			func(b *RecordBatch) error {
				if err := queue.Put(ctx, b); err != nil {
					return err
				}
				stats.Record(ctx, mBatchesProduced.M(1))
				return nil
			})
		total += n
		if err != nil {
			return total, fmt.Errorf("streaming %s: %w", w, err)
		}
	}
	return total, nil
}
