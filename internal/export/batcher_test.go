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

package export

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/google/go-cmp/cmp"
)

func TestMakeRunRanges(t *testing.T) {
	t.Parallel()

	// The scheduler clock, after the minimum window age was subtracted.
	now := time.Date(2022, 3, 15, 10, 7, 0, 0, time.UTC)
	at := func(h, m int) time.Time {
		return time.Date(2022, 3, 15, h, m, 0, 0, time.UTC)
	}

	cases := []struct {
		name      string
		period    time.Duration
		latestEnd time.Time
		lookback  time.Duration
		from      time.Time
		want      []model.Interval
	}{
		{
			name:     "fresh config starts at the lookback floor",
			period:   time.Hour,
			lookback: 3 * time.Hour,
			want: []model.Interval{
				{Start: at(7, 0), End: at(8, 0)},
				{Start: at(8, 0), End: at(9, 0)},
				{Start: at(9, 0), End: at(10, 0)},
			},
		},
		{
			name:     "config start wins over the lookback floor",
			period:   time.Hour,
			lookback: 3 * time.Hour,
			from:     at(8, 30),
			want: []model.Interval{
				{Start: at(8, 0), End: at(9, 0)},
				{Start: at(9, 0), End: at(10, 0)},
			},
		},
		{
			name:     "config start in the future",
			period:   time.Hour,
			lookback: 3 * time.Hour,
			from:     at(11, 0),
			want:     nil,
		},
		{
			name:      "continuation schedules one elapsed period",
			period:    time.Hour,
			latestEnd: at(9, 0),
			lookback:  24 * time.Hour,
			want:      []model.Interval{{Start: at(9, 0), End: at(10, 0)}},
		},
		{
			name:      "caught up",
			period:    time.Hour,
			latestEnd: at(10, 0),
			lookback:  24 * time.Hour,
			want:      nil,
		},
		{
			name:      "sub-hour period",
			period:    15 * time.Minute,
			latestEnd: at(9, 30),
			lookback:  24 * time.Hour,
			want: []model.Interval{
				{Start: at(9, 30), End: at(9, 45)},
				{Start: at(9, 45), End: at(10, 0)},
			},
		},
		{
			// A stored period that skipped validation must not send the
			// scheduler walking the wrong direction.
			name:      "negative period schedules nothing",
			period:    -time.Hour,
			latestEnd: at(9, 0),
			lookback:  24 * time.Hour,
			want:      nil,
		},
		{
			name:      "zero period schedules nothing",
			latestEnd: at(9, 0),
			lookback:  24 * time.Hour,
			want:      nil,
		},
		{
			// The config's period grew from 30m to 1h after a run ended at
			// 9:30. The new range overlaps the old run rather than leaving
			// 9:00-9:30 unexported.
			name:      "period change overlaps instead of leaving a gap",
			period:    time.Hour,
			latestEnd: at(9, 30),
			lookback:  24 * time.Hour,
			want:      []model.Interval{{Start: at(9, 0), End: at(10, 0)}},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := makeRunRanges(tc.period, tc.latestEnd, now, tc.lookback, tc.from)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("mismatch (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestHandleCreateRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv, exportDB := newTestServer(t, newStubSource(0))
	srv.config.InitialLookback = 2 * time.Hour

	hourly := addTestConfig(t, exportDB, t.Name())

	quarter := &model.ExportConfig{
		TeamID:              42,
		Name:                "quarter-hourly",
		Destination:         "MEMORY",
		DestinationSettings: map[string]string{"name": t.Name(), "table": "events"},
		Spec:                &model.Spec{Name: model.ModelEvents},
		Period:              15 * time.Minute,
	}
	if err := exportDB.AddConfig(ctx, quarter); err != nil {
		t.Fatal(err)
	}

	paused := addTestConfig(t, exportDB, t.Name())
	if err := exportDB.SetConfigPaused(ctx, paused.ConfigID, true); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	srv.handleCreateRuns().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/create-runs", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	// Two hours of lookback make two hourly runs and eight quarter-hour runs.
	hourlyRuns, err := exportDB.ListRuns(ctx, hourly.ConfigID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hourlyRuns) != 2 {
		t.Fatalf("got %d hourly runs, want 2", len(hourlyRuns))
	}
	for _, run := range hourlyRuns {
		if run.Status != model.RunStarting {
			t.Errorf("run %d status = %q, want %q", run.RunID, run.Status, model.RunStarting)
		}
		if got := run.IntervalEnd.Sub(run.IntervalStart); got != time.Hour {
			t.Errorf("run %d spans %s, want 1h", run.RunID, got)
		}
	}
	// Newest first, tiling without gaps.
	if !hourlyRuns[0].IntervalStart.Equal(hourlyRuns[1].IntervalEnd) {
		t.Errorf("runs do not tile: %s then %s", hourlyRuns[1].Interval(), hourlyRuns[0].Interval())
	}
	latest, err := exportDB.LatestRunEnd(ctx, hourly.ConfigID)
	if err != nil {
		t.Fatal(err)
	}
	if !latest.Equal(hourlyRuns[0].IntervalEnd) {
		t.Errorf("latest run end = %s, want %s", latest, hourlyRuns[0].IntervalEnd)
	}

	quarterRuns, err := exportDB.ListRuns(ctx, quarter.ConfigID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(quarterRuns) != 8 {
		t.Errorf("got %d quarter-hour runs, want 8", len(quarterRuns))
	}

	pausedRuns, err := exportDB.ListRuns(ctx, paused.ConfigID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pausedRuns) != 0 {
		t.Errorf("got %d runs for a paused config, want 0", len(pausedRuns))
	}

	// A second pass finds the frontier caught up and schedules nothing new.
	w = httptest.NewRecorder()
	srv.handleCreateRuns().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/create-runs", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	hourlyRuns, err = exportDB.ListRuns(ctx, hourly.ConfigID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hourlyRuns) != 2 {
		t.Errorf("got %d hourly runs after second pass, want 2", len(hourlyRuns))
	}
}

func TestHandleCreateRunsAlreadyLocked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv, exportDB := newTestServer(t, newStubSource(0))

	config := addTestConfig(t, exportDB, t.Name())

	unlock, err := srv.env.Database().Lock(ctx, createRunsLock, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	// A concurrent invocation yields without scheduling anything.
	w := httptest.NewRecorder()
	srv.handleCreateRuns().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/create-runs", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	runs, err := exportDB.ListRuns(ctx, config.ConfigID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("got %d runs while locked, want 0", len(runs))
	}

	if err := unlock(); err != nil {
		t.Fatal(err)
	}

	w = httptest.NewRecorder()
	srv.handleCreateRuns().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/create-runs", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	runs, err = exportDB.ListRuns(ctx, config.ConfigID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) == 0 {
		t.Error("expected runs once the lock was released")
	}
}
