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
	"github.com/eventlake/batch-export-server/internal/export/model"
)

// Row holds one exported row's values in schema column order. JSON columns
// hold their encoded text, not decoded structures.
type Row []interface{}

// RecordBatch is one ordered page of rows streamed from the source. All rows
// share the batch's schema: index i of a row is the value of
// Schema.Columns[i]. Bounds is the sub-interval of the work range the batch
// covers; consecutive batches from one stream tile their work interval in
// ascending order, and committing a batch entitles the consumer to extend the
// done frontier by exactly Bounds.
type RecordBatch struct {
	Schema *model.Schema
	Rows   []Row
	Bounds model.Interval
}

// ByteSize approximates the in-memory size of the batch's values. It is used
// for queue byte accounting, not for exact allocation tracking.
func (b *RecordBatch) ByteSize() int64 {
	var n int64
	for _, row := range b.Rows {
		n += 16 * int64(len(row))
		for _, v := range row {
			switch t := v.(type) {
			case string:
				n += int64(len(t))
			case []byte:
				n += int64(len(t))
			}
		}
	}
	return n
}
