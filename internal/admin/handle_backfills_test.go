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

package admin

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/eventlake/batch-export-server/internal/export/model"
)

func TestBackfillCreate(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	var created model.ExportConfig
	if got := doJSON(t, srv, http.MethodPost, "/configs", validConfigRequest("backfillable"), &created); got != http.StatusCreated {
		t.Fatalf("create config: got status %d, want %d", got, http.StatusCreated)
	}
	backfillPath := fmt.Sprintf("/configs/%d/backfills", created.ConfigID)

	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2022, 1, 8, 0, 0, 0, 0, time.UTC)

	var run model.ExportRun
	status := doJSON(t, srv, http.MethodPost, backfillPath, map[string]interface{}{
		"start_at": start,
		"end_at":   end,
	}, &run)
	if status != http.StatusCreated {
		t.Fatalf("create backfill: got status %d, want %d", status, http.StatusCreated)
	}
	if run.RunID == 0 {
		t.Fatal("backfill run has no ID")
	}
	if !run.IntervalStart.Equal(start) || !run.IntervalEnd.Equal(end) {
		t.Errorf("backfill interval = %s, want [%s, %s)", run.Interval(), start, end)
	}
	if run.Backfill == nil || run.Backfill.BackfillID == "" {
		t.Fatal("backfill run must carry backfill details")
	}
	if run.Backfill.IsEarliest {
		t.Error("bounded backfill marked earliest")
	}

	// The run is visible in the config's run listing.
	var listing struct {
		Runs []*model.ExportRun `json:"runs"`
	}
	runsPath := fmt.Sprintf("/configs/%d/runs", created.ConfigID)
	if got := doJSON(t, srv, http.MethodGet, runsPath, nil, &listing); got != http.StatusOK {
		t.Fatalf("list runs: got status %d, want %d", got, http.StatusOK)
	}
	if len(listing.Runs) != 1 || listing.Runs[0].RunID != run.RunID {
		t.Errorf("run listing = %+v, want the backfill run", listing.Runs)
	}
}

func TestBackfillCreateEarliest(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	var created model.ExportConfig
	if got := doJSON(t, srv, http.MethodPost, "/configs", validConfigRequest("earliest"), &created); got != http.StatusCreated {
		t.Fatalf("create config: got status %d, want %d", got, http.StatusCreated)
	}
	backfillPath := fmt.Sprintf("/configs/%d/backfills", created.ConfigID)

	end := time.Date(2022, 1, 8, 0, 0, 0, 0, time.UTC)

	var run model.ExportRun
	status := doJSON(t, srv, http.MethodPost, backfillPath, map[string]interface{}{
		"end_at":               end,
		"is_earliest_backfill": true,
	}, &run)
	if status != http.StatusCreated {
		t.Fatalf("create earliest backfill: got status %d, want %d", status, http.StatusCreated)
	}
	if !run.IntervalStart.IsZero() {
		t.Errorf("earliest backfill interval start = %s, want unbounded", run.IntervalStart)
	}
	if run.Backfill == nil || !run.Backfill.IsEarliest {
		t.Error("earliest backfill run must be marked earliest")
	}
}

func TestBackfillValidation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	var created model.ExportConfig
	if got := doJSON(t, srv, http.MethodPost, "/configs", validConfigRequest("strict"), &created); got != http.StatusCreated {
		t.Fatalf("create config: got status %d, want %d", got, http.StatusCreated)
	}
	backfillPath := fmt.Sprintf("/configs/%d/backfills", created.ConfigID)

	start := time.Date(2022, 1, 8, 0, 0, 0, 0, time.UTC)
	end := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		path   string
		body   map[string]interface{}
		status int
	}{
		{"missing end", backfillPath, map[string]interface{}{"start_at": end}, http.StatusBadRequest},
		{"missing start", backfillPath, map[string]interface{}{"end_at": end}, http.StatusBadRequest},
		{"earliest with start", backfillPath, map[string]interface{}{
			"start_at": end, "end_at": start, "is_earliest_backfill": true,
		}, http.StatusBadRequest},
		{"inverted interval", backfillPath, map[string]interface{}{
			"start_at": start, "end_at": end,
		}, http.StatusBadRequest},
		{"unknown config", "/configs/12345/backfills", map[string]interface{}{
			"start_at": end, "end_at": start,
		}, http.StatusNotFound},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := doJSON(t, srv, http.MethodPost, tc.path, tc.body, nil); got != tc.status {
				t.Fatalf("got status %d, want %d", got, tc.status)
			}
		})
	}
}
