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

// Package model is a model abstraction of export configs and export runs.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Statuses an export run moves through. A run is created STARTING, leased
// into RUNNING, and finishes in one of the terminal states. FAILED_RETRYABLE
// runs are eligible for another lease until the attempt limit is reached.
var (
	RunStarting        = "STARTING"
	RunRunning         = "RUNNING"
	RunCompleted       = "COMPLETED"
	RunFailed          = "FAILED"
	RunFailedRetryable = "FAILED_RETRYABLE"
	RunCancelled       = "CANCELLED"
)

const oneDay = 24 * time.Hour

// Interval is a half-open time range [Start, End). A zero Start means the
// interval is unbounded below, which is how earliest backfills are expressed.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Duration returns End minus Start. It is meaningless for intervals with an
// unbounded lower bound.
func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

func (i Interval) IsZero() bool {
	return i.Start.IsZero() && i.End.IsZero()
}

func (i Interval) String() string {
	start := "-infinity"
	if !i.Start.IsZero() {
		start = i.Start.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("[%s, %s)", start, i.End.UTC().Format(time.RFC3339Nano))
}

// MarshalJSON encodes the interval as a two element array of RFC 3339
// timestamps. An unbounded lower bound encodes as null.
func (i Interval) MarshalJSON() ([]byte, error) {
	var pair [2]*time.Time
	if !i.Start.IsZero() {
		start := i.Start.UTC()
		pair[0] = &start
	}
	if !i.End.IsZero() {
		end := i.End.UTC()
		pair[1] = &end
	}
	return json.Marshal(pair)
}

func (i *Interval) UnmarshalJSON(b []byte) error {
	var pair [2]*time.Time
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("interval must be a [start, end) pair: %w", err)
	}
	i.Start, i.End = time.Time{}, time.Time{}
	if pair[0] != nil {
		i.Start = pair[0].UTC()
	}
	if pair[1] != nil {
		i.End = pair[1].UTC()
	}
	return nil
}

// ExportConfig describes one recurring export: which model to read, where to
// deliver it, and how often. The batcher creates one run per elapsed period
// while the config is active.
type ExportConfig struct {
	ConfigID            int64             `db:"config_id" json:"config_id"`
	TeamID              int64             `db:"team_id" json:"team_id"`
	Name                string            `db:"name" json:"name"`
	Destination         string            `db:"destination" json:"destination"`
	DestinationSettings map[string]string `db:"destination_settings" json:"destination_settings"`
	Spec                *Spec             `db:"spec" json:"spec"`
	Period              time.Duration     `db:"period_seconds" json:"period_seconds"`
	Paused              bool              `db:"paused" json:"paused"`
	From                time.Time         `db:"from_timestamp" json:"from_timestamp"`
	Thru                time.Time         `db:"thru_timestamp" json:"thru_timestamp"`
	CreatedAt           time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time         `db:"updated_at" json:"updated_at"`
	DeletedAt           time.Time         `db:"deleted_at" json:"deleted_at"`
}

func (c *ExportConfig) Validate() error {
	if c.TeamID == 0 {
		return errors.New("team_id is required")
	}
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.Destination == "" {
		return errors.New("destination is required")
	}
	// The batcher truncates and steps by the period, so it must be a
	// positive divisor of a day.
	if c.Period < time.Minute {
		return errors.New("minimum period is 1m")
	}
	if c.Period > oneDay {
		return errors.New("maximum period is 24h")
	}
	if int64(oneDay.Seconds())%int64(c.Period.Seconds()) != 0 {
		return errors.New("period must divide equally into 24 hours (e.g., 2h, 4h, 12h, 15m, 30m)")
	}
	if c.Spec == nil {
		return errors.New("model spec is required")
	}
	if err := c.Spec.Validate(); err != nil {
		return fmt.Errorf("model spec: %w", err)
	}
	return nil
}

// EffectiveThru reports whether the config is still producing runs at t.
func (c *ExportConfig) EffectiveThru(t time.Time) bool {
	if c.Paused || !c.DeletedAt.IsZero() {
		return false
	}
	if !c.From.IsZero() && t.Before(c.From) {
		return false
	}
	if !c.Thru.IsZero() && t.After(c.Thru) {
		return false
	}
	return true
}

// ExportRun is one unit of export work: a single interval of a single config,
// leased by a worker and driven to a terminal status. DoneRanges records the
// sub-intervals already committed to the destination so a retried run resumes
// instead of starting over.
type ExportRun struct {
	RunID         int64            `db:"run_id" json:"run_id"`
	ConfigID      int64            `db:"config_id" json:"config_id"`
	Status        string           `db:"status" json:"status"`
	IntervalStart time.Time        `db:"interval_start" json:"interval_start"`
	IntervalEnd   time.Time        `db:"interval_end" json:"interval_end"`
	DoneRanges    []Interval       `db:"done_ranges" json:"done_ranges"`
	RowsProduced  int64            `db:"rows_produced" json:"rows_produced"`
	RowsLoaded    int64            `db:"rows_loaded" json:"rows_loaded"`
	LatestError   string           `db:"latest_error" json:"latest_error,omitempty"`
	Attempts      int              `db:"attempts" json:"attempts"`
	LeaseExpires  time.Time        `db:"lease_expires" json:"lease_expires"`
	Backfill      *BackfillDetails `db:"backfill_details" json:"backfill,omitempty"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at" json:"updated_at"`
	FinishedAt    time.Time        `db:"finished_at" json:"finished_at"`
}

// Interval returns the run's half-open export range. Start is zero for
// earliest backfill runs.
func (r *ExportRun) Interval() Interval {
	return Interval{Start: r.IntervalStart, End: r.IntervalEnd}
}

// IsBackfill reports whether this run was created by a backfill request
// rather than the periodic batcher.
func (r *ExportRun) IsBackfill() bool {
	return r.Backfill != nil
}

// IsTerminal reports whether the run's status admits no further work.
func (r *ExportRun) IsTerminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// BackfillDetails ties a run back to the backfill request that created it.
// A nil StartAt marks an earliest backfill, one that reaches back to the
// oldest row the source holds.
type BackfillDetails struct {
	BackfillID string     `json:"backfill_id"`
	StartAt    *time.Time `json:"start_at,omitempty"`
	EndAt      *time.Time `json:"end_at,omitempty"`
	IsEarliest bool       `json:"is_earliest_backfill"`
}
