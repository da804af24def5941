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

package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestIntervalJSON(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		interval Interval
		encoded  string
	}{
		{
			name: "bounded",
			interval: Interval{
				Start: time.Date(2022, 9, 1, 0, 0, 0, 0, time.UTC),
				End:   time.Date(2022, 9, 1, 1, 0, 0, 0, time.UTC),
			},
			encoded: `["2022-09-01T00:00:00Z","2022-09-01T01:00:00Z"]`,
		},
		{
			name: "unbounded_start",
			interval: Interval{
				End: time.Date(2022, 9, 1, 1, 0, 0, 0, time.UTC),
			},
			encoded: `[null,"2022-09-01T01:00:00Z"]`,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			b, err := json.Marshal(tc.interval)
			if err != nil {
				t.Fatal(err)
			}
			if got := string(b); got != tc.encoded {
				t.Errorf("encoded mismatch: got %s, want %s", got, tc.encoded)
			}

			var back Interval
			if err := json.Unmarshal(b, &back); err != nil {
				t.Fatal(err)
			}
			if !back.Start.Equal(tc.interval.Start) || !back.End.Equal(tc.interval.End) {
				t.Errorf("round trip mismatch: got %v, want %v", back, tc.interval)
			}
		})
	}
}

func TestExportConfigValidate(t *testing.T) {
	t.Parallel()

	valid := func() *ExportConfig {
		return &ExportConfig{
			TeamID:      1,
			Name:        "hourly-events",
			Destination: "MEMORY",
			Period:      time.Hour,
			Spec:        &Spec{Name: ModelEvents},
		}
	}

	cases := []struct {
		name   string
		mutate func(*ExportConfig)
		errStr string
	}{
		{
			name:   "valid",
			mutate: func(c *ExportConfig) {},
		},
		{
			name:   "missing_team",
			mutate: func(c *ExportConfig) { c.TeamID = 0 },
			errStr: "team_id is required",
		},
		{
			name:   "missing_destination",
			mutate: func(c *ExportConfig) { c.Destination = "" },
			errStr: "destination is required",
		},
		{
			name:   "zero_period",
			mutate: func(c *ExportConfig) { c.Period = 0 },
			errStr: "minimum period is 1m",
		},
		{
			name:   "negative_period",
			mutate: func(c *ExportConfig) { c.Period = -time.Hour },
			errStr: "minimum period is 1m",
		},
		{
			name:   "subsecond_period",
			mutate: func(c *ExportConfig) { c.Period = 500 * time.Millisecond },
			errStr: "minimum period is 1m",
		},
		{
			name:   "period_too_long",
			mutate: func(c *ExportConfig) { c.Period = 25 * time.Hour },
			errStr: "maximum period is 24h",
		},
		{
			name:   "uneven_period",
			mutate: func(c *ExportConfig) { c.Period = 7 * time.Hour },
			errStr: "period must divide equally",
		},
		{
			name:   "missing_spec",
			mutate: func(c *ExportConfig) { c.Spec = nil },
			errStr: "model spec is required",
		},
		{
			name:   "bad_spec",
			mutate: func(c *ExportConfig) { c.Spec = &Spec{Name: "bogus"} },
			errStr: `unknown model "bogus"`,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			config := valid()
			tc.mutate(config)
			err := config.Validate()
			if tc.errStr == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.errStr) {
				t.Fatalf("expected error containing %q, got %v", tc.errStr, err)
			}
		})
	}
}

func TestEffectiveThru(t *testing.T) {
	t.Parallel()

	now := time.Date(2022, 9, 15, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		config ExportConfig
		active bool
	}{
		{
			name:   "open_ended",
			config: ExportConfig{},
			active: true,
		},
		{
			name:   "paused",
			config: ExportConfig{Paused: true},
			active: false,
		},
		{
			name:   "deleted",
			config: ExportConfig{DeletedAt: now.Add(-time.Minute)},
			active: false,
		},
		{
			name:   "before_from",
			config: ExportConfig{From: now.Add(time.Hour)},
			active: false,
		},
		{
			name:   "after_thru",
			config: ExportConfig{Thru: now.Add(-time.Hour)},
			active: false,
		},
		{
			name:   "inside_window",
			config: ExportConfig{From: now.Add(-time.Hour), Thru: now.Add(time.Hour)},
			active: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := tc.config.EffectiveThru(now); got != tc.active {
				t.Errorf("EffectiveThru = %t, want %t", got, tc.active)
			}
		})
	}
}

func TestSpecResolve(t *testing.T) {
	t.Parallel()

	t.Run("empty_name_is_events", func(t *testing.T) {
		t.Parallel()

		q, err := (&Spec{}).Resolve(nil)
		if err != nil {
			t.Fatal(err)
		}
		if q.Kind() != ModelEvents {
			t.Errorf("kind = %q, want %q", q.Kind(), ModelEvents)
		}
		if diff := cmp.Diff([]string{"uuid"}, q.PrimaryKey()); diff != "" {
			t.Errorf("primary key mismatch (-want, +got):\n%s", diff)
		}
		last := q.Schema().Columns[len(q.Schema().Columns)-1]
		if last.Name != InsertedAtColumn {
			t.Errorf("last column = %q, want %q", last.Name, InsertedAtColumn)
		}
	})

	t.Run("fields_fall_back_to_defaults", func(t *testing.T) {
		t.Parallel()

		q, err := (&Spec{Name: ModelEvents}).Resolve([]string{"uuid", "event", "timestamp"})
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"uuid", "event", "timestamp", InsertedAtColumn}
		if diff := cmp.Diff(want, q.Schema().Names()); diff != "" {
			t.Errorf("schema mismatch (-want, +got):\n%s", diff)
		}
	})

	t.Run("spec_fields_win_over_defaults", func(t *testing.T) {
		t.Parallel()

		spec := &Spec{Name: ModelEvents, Fields: []string{"event", "distinct_id"}}
		q, err := spec.Resolve([]string{"uuid"})
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"event", "distinct_id", InsertedAtColumn}
		if diff := cmp.Diff(want, q.Schema().Names()); diff != "" {
			t.Errorf("schema mismatch (-want, +got):\n%s", diff)
		}
	})

	t.Run("include_wins_over_exclude", func(t *testing.T) {
		t.Parallel()

		spec := &Spec{
			Name:          ModelEvents,
			IncludeEvents: []string{"$pageview"},
			ExcludeEvents: []string{"$autocapture"},
		}
		q, err := spec.Resolve(nil)
		if err != nil {
			t.Fatal(err)
		}
		events := q.(*EventsQuery)
		if diff := cmp.Diff([]string{"$pageview"}, events.IncludeEvents); diff != "" {
			t.Errorf("include mismatch (-want, +got):\n%s", diff)
		}
		if len(events.ExcludeEvents) != 0 {
			t.Errorf("exclude should be dropped, got %v", events.ExcludeEvents)
		}
	})

	t.Run("unknown_field", func(t *testing.T) {
		t.Parallel()

		_, err := (&Spec{Name: ModelEvents, Fields: []string{"nope"}}).Resolve(nil)
		if err == nil || !strings.Contains(err.Error(), `unknown field "nope"`) {
			t.Fatalf("expected unknown field error, got %v", err)
		}
	})

	t.Run("persons", func(t *testing.T) {
		t.Parallel()

		q, err := (&Spec{Name: ModelPersons}).Resolve(nil)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"distinct_id", "person_id"}, q.PrimaryKey()); diff != "" {
			t.Errorf("primary key mismatch (-want, +got):\n%s", diff)
		}
	})

	t.Run("sessions", func(t *testing.T) {
		t.Parallel()

		q, err := (&Spec{Name: ModelSessions}).Resolve(nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := q.(*SessionsQuery); !ok {
			t.Fatalf("expected *SessionsQuery, got %T", q)
		}
	})

	t.Run("custom", func(t *testing.T) {
		t.Parallel()

		spec := &Spec{
			Name: ModelCustom,
			CustomFields: []CustomField{
				{Expression: "JSONExtractString(properties, 'plan')", Alias: "plan"},
				{Expression: "toInt64(team_id)", Alias: "team", Type: "integer"},
			},
		}
		q, err := spec.Resolve(nil)
		if err != nil {
			t.Fatal(err)
		}
		if q.PrimaryKey() != nil {
			t.Errorf("custom models have no primary key, got %v", q.PrimaryKey())
		}
		want := []string{"plan", "team", InsertedAtColumn}
		if diff := cmp.Diff(want, q.Schema().Names()); diff != "" {
			t.Errorf("schema mismatch (-want, +got):\n%s", diff)
		}
		if typ := q.Schema().Columns[1].Type; typ != ColumnInt64 {
			t.Errorf("team column type = %q, want %q", typ, ColumnInt64)
		}
	})

	t.Run("custom_requires_fields", func(t *testing.T) {
		t.Parallel()

		_, err := (&Spec{Name: ModelCustom}).Resolve(nil)
		if err == nil || !strings.Contains(err.Error(), "at least one field") {
			t.Fatalf("expected field requirement error, got %v", err)
		}
	})

	t.Run("custom_duplicate_alias", func(t *testing.T) {
		t.Parallel()

		spec := &Spec{
			Name: ModelCustom,
			CustomFields: []CustomField{
				{Expression: "event", Alias: "name"},
				{Expression: "distinct_id", Alias: "name"},
			},
		}
		_, err := spec.Resolve(nil)
		if err == nil || !strings.Contains(err.Error(), "appears twice") {
			t.Fatalf("expected duplicate alias error, got %v", err)
		}
	})

	t.Run("unknown_model", func(t *testing.T) {
		t.Parallel()

		_, err := (&Spec{Name: "bogus"}).Resolve(nil)
		if err == nil || !strings.Contains(err.Error(), `unknown model "bogus"`) {
			t.Fatalf("expected unknown model error, got %v", err)
		}
	})
}
