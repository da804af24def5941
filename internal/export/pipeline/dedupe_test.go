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
	"testing"

	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/google/go-cmp/cmp"
)

var dedupeSchema = &model.Schema{Columns: []model.Column{
	{Name: "uuid", Type: model.ColumnString},
	{Name: "event", Type: model.ColumnString},
	{Name: "properties", Type: model.ColumnJSON},
}}

func TestDeduplicate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		rows []Row
		pk   []string
		want []Row
	}{
		{
			name: "no_duplicates",
			rows: []Row{
				{"a", "$pageview", `{}`},
				{"b", "$pageview", `{}`},
			},
			pk: []string{"uuid"},
			want: []Row{
				{"a", "$pageview", `{}`},
				{"b", "$pageview", `{}`},
			},
		},
		{
			name: "prefers_more_complete_row",
			rows: []Row{
				{"a", "$pageview", nil},
				{"b", "$identify", `{}`},
				{"a", "$pageview", `{"plan":"pro"}`},
			},
			pk: []string{"uuid"},
			want: []Row{
				// The richer duplicate replaces the first occurrence in
				// place.
				{"a", "$pageview", `{"plan":"pro"}`},
				{"b", "$identify", `{}`},
			},
		},
		{
			name: "ties_keep_first",
			rows: []Row{
				{"a", "first", `{}`},
				{"a", "later", `{}`},
			},
			pk: []string{"uuid"},
			want: []Row{
				{"a", "first", `{}`},
			},
		},
		{
			name: "whole_row_identity_without_pk",
			rows: []Row{
				{"a", "$pageview", `{}`},
				{"a", "$pageview", `{}`},
				{"a", "$autocapture", `{}`},
			},
			pk: nil,
			want: []Row{
				{"a", "$pageview", `{}`},
				{"a", "$autocapture", `{}`},
			},
		},
		{
			name: "json_compared_decoded",
			rows: []Row{
				{"a", "$pageview", `{"x":1,"y":2}`},
				{"a", "$pageview", `{"y": 2, "x": 1}`},
			},
			pk: nil,
			want: []Row{
				{"a", "$pageview", `{"x":1,"y":2}`},
			},
		},
		{
			name: "unknown_pk_falls_back_to_whole_row",
			rows: []Row{
				{"a", "$pageview", `{}`},
				{"a", "$pageview", `{}`},
			},
			pk: []string{"nonexistent"},
			want: []Row{
				{"a", "$pageview", `{}`},
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := Deduplicate(dedupeSchema, tc.rows, tc.pk)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("mismatch (-want, +got):\n%s", diff)
			}

			// A second pass must change nothing.
			again := Deduplicate(dedupeSchema, got, tc.pk)
			if diff := cmp.Diff(got, again); diff != "" {
				t.Errorf("not idempotent (-first, +second):\n%s", diff)
			}
		})
	}
}
