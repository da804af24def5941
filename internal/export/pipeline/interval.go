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
	"sort"

	"github.com/eventlake/batch-export-server/internal/export/model"
)

// MergeIntervals returns the canonical form of a set of half-open intervals:
// sorted ascending, overlapping and adjacent entries coalesced, empty entries
// dropped. The input is not modified.
func MergeIntervals(intervals []model.Interval) []model.Interval {
	kept := make([]model.Interval, 0, len(intervals))
	for _, in := range intervals {
		if in.End.After(in.Start) {
			kept = append(kept, in)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Start.Equal(kept[j].Start) {
			return kept[i].End.Before(kept[j].End)
		}
		return kept[i].Start.Before(kept[j].Start)
	})

	var merged []model.Interval
	for _, in := range kept {
		if n := len(merged); n > 0 && !in.Start.After(merged[n-1].End) {
			if in.End.After(merged[n-1].End) {
				merged[n-1].End = in.End
			}
			continue
		}
		merged = append(merged, in)
	}
	return merged
}

// WorkIntervals subtracts the done set from the full range and returns what
// remains to export, ascending and disjoint. Done intervals outside the full
// range do not contribute. A full range with a zero Start is unbounded below.
func WorkIntervals(full model.Interval, done []model.Interval) []model.Interval {
	if !full.End.After(full.Start) {
		return nil
	}

	var out []model.Interval
	cursor := full.Start
	for _, d := range MergeIntervals(done) {
		if !d.End.After(cursor) {
			continue
		}
		if !d.Start.After(cursor) {
			// Covers the cursor, so the frontier advances with no gap.
			cursor = d.End
			if !full.End.After(cursor) {
				return out
			}
			continue
		}
		if !d.Start.Before(full.End) {
			break
		}
		out = append(out, model.Interval{Start: cursor, End: d.Start})
		cursor = d.End
		if !full.End.After(cursor) {
			return out
		}
	}
	return append(out, model.Interval{Start: cursor, End: full.End})
}

// Extend folds one committed interval into the done set, returning the
// canonical merged form.
func Extend(done []model.Interval, committed model.Interval) []model.Interval {
	out := make([]model.Interval, 0, len(done)+1)
	out = append(out, done...)
	out = append(out, committed)
	return MergeIntervals(out)
}
