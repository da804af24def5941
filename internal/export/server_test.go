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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eventlake/batch-export-server/internal/database"
	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/eventlake/batch-export-server/internal/serverenv"
)

// TestNewServer tests NewServer().
func TestNewServer(t *testing.T) {
	t.Parallel()

	emptyDB := &database.DB{}
	src := newStubSource(0)
	ctx := context.Background()
	fullEnv := serverenv.New(ctx, serverenv.WithDatabase(emptyDB), serverenv.WithSource(src))

	testCases := []struct {
		name   string
		config *Config
		env    *serverenv.ServerEnv
		err    string
	}{
		{
			name:   "nil database",
			config: &Config{MaxAttempts: 1},
			env:    serverenv.New(ctx, serverenv.WithSource(src)),
			err:    "export.NewServer requires Database present in the ServerEnv",
		},
		{
			name:   "nil source",
			config: &Config{MaxAttempts: 1},
			env:    serverenv.New(ctx, serverenv.WithDatabase(emptyDB)),
			err:    "export.NewServer requires Source present in the ServerEnv",
		},
		{
			name:   "negative min window age",
			config: &Config{MinWindowAge: -time.Minute, MaxAttempts: 1},
			env:    fullEnv,
			err:    "MIN_WINDOW_AGE must be a duration of >= 0",
		},
		{
			name:   "no attempts",
			config: &Config{},
			env:    fullEnv,
			err:    "RUN_MAX_ATTEMPTS must be >= 1",
		},
		{
			name:   "fully specified",
			config: &Config{MaxAttempts: 1},
			env:    fullEnv,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := NewServer(tc.config, tc.env)
			if tc.err != "" {
				if err == nil || err.Error() != tc.err {
					t.Fatalf("got %v: want %v", err, tc.err)
				}
			} else if err != nil {
				t.Fatalf("got unexpected error: %v", err)
			} else if got.env != tc.env {
				t.Fatalf("got %+v: want %v", got.env, tc.env)
			}
		})
	}
}

func TestHandleDebug(t *testing.T) {
	t.Parallel()

	srv, exportDB := newTestServer(t, newStubSource(0))

	config := addTestConfig(t, exportDB, t.Name())
	now := time.Now().UTC().Truncate(time.Microsecond)
	run := addRun(t, exportDB, config.ConfigID, model.Interval{Start: now.Add(-time.Hour), End: now})

	w := httptest.NewRecorder()
	srv.handleDebug().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		ExportConfigs []*model.ExportConfig `json:"export_configs"`
		LatestRunEnds map[int64]time.Time   `json:"latest_run_ends"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	if len(resp.ExportConfigs) != 1 || resp.ExportConfigs[0].ConfigID != config.ConfigID {
		t.Errorf("configs = %+v, want only config %d", resp.ExportConfigs, config.ConfigID)
	}
	if got := resp.LatestRunEnds[config.ConfigID]; !got.Equal(run.IntervalEnd) {
		t.Errorf("latest run end = %s, want %s", got, run.IntervalEnd)
	}
}
