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
	"sync"

	"go.opencensus.io/stats"
	"golang.org/x/sync/semaphore"
)

// Queue is the bounded buffer between one producer and one consumer. It is
// bounded twice over: by batch count and by the approximate bytes of queued
// batches, so a slow destination stalls the source read instead of growing
// the heap.
//
// The producer finishes the stream one of two ways. CloseSend marks normal
// end-of-stream: the consumer drains the remaining batches and then sees the
// end. CloseWithError marks the stream failed or cancelled: the consumer
// observes the error immediately, ahead of any still-queued batches, so it
// stops promptly instead of loading rows the producer no longer stands
// behind. Both are idempotent and terminal.
type Queue struct {
	ch       chan *RecordBatch
	bytes    *semaphore.Weighted
	maxBytes int64

	mu         sync.Mutex
	sendClosed bool
	termErr    error
	term       chan struct{}
}

// NewQueue returns a queue holding at most maxBatches batches and maxBytes
// approximate bytes. Both bounds must be positive.
func NewQueue(maxBatches int, maxBytes int64) *Queue {
	return &Queue{
		ch:       make(chan *RecordBatch, maxBatches),
		bytes:    semaphore.NewWeighted(maxBytes),
		maxBytes: maxBytes,
		term:     make(chan struct{}),
	}
}

// weight clamps a batch's byte size to the queue's byte capacity so one
// oversized batch can still pass through alone.
func (q *Queue) weight(b *RecordBatch) int64 {
	w := b.ByteSize()
	if w > q.maxBytes {
		return q.maxBytes
	}
	if w < 1 {
		return 1
	}
	return w
}

// Put enqueues a batch in FIFO order, blocking while the queue is full in
// either bound. It returns the context's error if ctx is done first.
func (q *Queue) Put(ctx context.Context, b *RecordBatch) error {
	w := q.weight(b)
	if err := q.bytes.Acquire(ctx, w); err != nil {
		return err
	}
	select {
	case q.ch <- b:
		stats.Record(ctx, mQueueDepth.M(int64(len(q.ch))))
		return nil
	case <-ctx.Done():
		q.bytes.Release(w)
		return ctx.Err()
	}
}

// Get returns the next batch in FIFO order, blocking until one is available
// or the queue reaches a terminal state. At normal end-of-stream it returns
// (nil, nil), forever. After CloseWithError it returns the close error,
// forever, without draining queued batches first.
func (q *Queue) Get(ctx context.Context) (*RecordBatch, error) {
	select {
	case <-q.term:
		return nil, q.terminalErr()
	default:
	}

	select {
	case b, ok := <-q.ch:
		if !ok {
			return nil, nil
		}
		q.bytes.Release(q.weight(b))
		stats.Record(ctx, mQueueDepth.M(int64(len(q.ch))))
		return b, nil
	case <-q.term:
		return nil, q.terminalErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CloseSend marks normal end-of-stream. The producer must not Put after
// calling it. The queue's first terminal state wins, so CloseSend after
// CloseWithError is a no-op.
func (q *Queue) CloseSend() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sendClosed {
		return
	}
	select {
	case <-q.term:
		return
	default:
	}
	q.sendClosed = true
	close(q.ch)
}

// CloseWithError marks the stream failed (or cancelled, when err is the
// context's error). The queue's first terminal state wins.
func (q *Queue) CloseWithError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sendClosed {
		return
	}
	select {
	case <-q.term:
		return
	default:
	}
	q.termErr = err
	close(q.term)
}

func (q *Queue) terminalErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.termErr
}
