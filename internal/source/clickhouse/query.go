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

package clickhouse

import (
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/eventlake/batch-export-server/internal/export/pipeline"
)

// Select expressions per exported column. Events and custom models read the
// raw events table, where the insertion time lives in inserted_at with
// _timestamp as the fallback for rows written before that column existed.
var eventSelect = map[string]string{
	"uuid":                 "toString(uuid)",
	"event":                "event",
	"properties":           "nullIf(properties, '')",
	"elements_chain":       "nullIf(elements_chain, '')",
	"timestamp":            "timestamp",
	"created_at":           "created_at",
	"distinct_id":          "toString(distinct_id)",
	"team_id":              "team_id",
	"set":                  "nullIf(JSONExtractRaw(properties, '$set'), '')",
	"set_once":             "nullIf(JSONExtractRaw(properties, '$set_once'), '')",
	model.InsertedAtColumn: "COALESCE(inserted_at, _timestamp)",
}

// Persons are exported as latest state: the person row joined with its
// distinct id mapping, both read FINAL so replacing merges are applied.
var personSelect = map[string]string{
	"team_id":                    "p.team_id",
	"distinct_id":                "pd.distinct_id",
	"person_id":                  "toString(p.id)",
	"properties":                 "nullIf(p.properties, '')",
	"person_version":             "p.version",
	"person_distinct_id_version": "pd.version",
	"created_at":                 "p.created_at",
	"is_deleted":                 "p.is_deleted",
	model.InsertedAtColumn:       "greatest(p._timestamp, pd._timestamp)",
}

// Sessions are exported as the latest aggregate state of each session whose
// last update falls inside the interval.
var sessionSelect = map[string]string{
	"session_id":           "toString(session_id)",
	"team_id":              "team_id",
	"distinct_id":          "distinct_id",
	"session_start":        "start_timestamp",
	"session_end":          "end_timestamp",
	"duration_seconds":     "dateDiff('second', start_timestamp, end_timestamp)",
	"event_count":          "event_count",
	"pageview_count":       "pageview_count",
	"autocapture_count":    "autocapture_count",
	"entry_url":            "entry_url",
	"exit_url":             "exit_url",
	"urls":                 "toJSONString(urls)",
	model.InsertedAtColumn: "_timestamp",
}

// buildQuery renders the statement and named parameters for one work
// interval read. Statements order by insertion time so batch bounds tile
// the interval, and a zero interval start omits the lower time bound.
func buildQuery(q *pipeline.SourceQuery) (string, []interface{}, error) {
	switch m := q.Model.(type) {
	case *model.EventsQuery:
		stmt, args := buildEventsQuery(m, q)
		return stmt, args, nil
	case *model.PersonsQuery:
		stmt, args := buildPersonsQuery(m, q)
		return stmt, args, nil
	case *model.SessionsQuery:
		stmt, args := buildSessionsQuery(m, q)
		return stmt, args, nil
	case *model.CustomQuery:
		stmt, args := buildCustomQuery(m, q)
		return stmt, args, nil
	default:
		return "", nil, fmt.Errorf("unsupported model %q", q.Model.Kind())
	}
}

func buildEventsQuery(m *model.EventsQuery, q *pipeline.SourceQuery) (string, []interface{}) {
	var sb strings.Builder
	writeSelect(&sb, m.Schema(), eventSelect)
	sb.WriteString("\nFROM events")
	sb.WriteString("\nWHERE team_id = @team_id")

	args := []interface{}{clickhouse.Named("team_id", q.TeamID)}
	args = writeTimeBounds(&sb, args, eventSelect[model.InsertedAtColumn], q.Interval)

	if len(m.IncludeEvents) > 0 {
		sb.WriteString("\n  AND event IN @include_events")
		args = append(args, clickhouse.Named("include_events", m.IncludeEvents))
	}
	if len(m.ExcludeEvents) > 0 {
		sb.WriteString("\n  AND event NOT IN @exclude_events")
		args = append(args, clickhouse.Named("exclude_events", m.ExcludeEvents))
	}
	if m.Filter != "" {
		fmt.Fprintf(&sb, "\n  AND (%s)", m.Filter)
	}
	args = appendParams(args, m.Params)

	sb.WriteString("\nORDER BY _inserted_at")
	return sb.String(), args
}

func buildPersonsQuery(m *model.PersonsQuery, q *pipeline.SourceQuery) (string, []interface{}) {
	var sb strings.Builder
	writeSelect(&sb, m.Schema(), personSelect)
	sb.WriteString("\nFROM person AS p FINAL")
	sb.WriteString("\nINNER JOIN person_distinct_id2 AS pd FINAL")
	sb.WriteString("\n  ON p.id = pd.person_id AND p.team_id = pd.team_id")
	sb.WriteString("\nWHERE p.team_id = @team_id")

	args := []interface{}{clickhouse.Named("team_id", q.TeamID)}
	args = writeTimeBounds(&sb, args, personSelect[model.InsertedAtColumn], q.Interval)
	args = appendParams(args, m.Params)

	sb.WriteString("\nORDER BY _inserted_at")
	return sb.String(), args
}

func buildSessionsQuery(m *model.SessionsQuery, q *pipeline.SourceQuery) (string, []interface{}) {
	var sb strings.Builder
	writeSelect(&sb, m.Schema(), sessionSelect)
	sb.WriteString("\nFROM sessions FINAL")
	sb.WriteString("\nWHERE team_id = @team_id")

	args := []interface{}{clickhouse.Named("team_id", q.TeamID)}
	args = writeTimeBounds(&sb, args, sessionSelect[model.InsertedAtColumn], q.Interval)
	args = appendParams(args, m.Params)

	sb.WriteString("\nORDER BY _inserted_at")
	return sb.String(), args
}

// buildCustomQuery projects caller-supplied expressions over the events
// table. Expressions reference extra query parameters as @name.
func buildCustomQuery(m *model.CustomQuery, q *pipeline.SourceQuery) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("SELECT")
	for i, f := range m.Fields {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "\n  %s AS %s", f.Expression, f.Alias)
	}
	fmt.Fprintf(&sb, ",\n  %s AS %s", eventSelect[model.InsertedAtColumn], model.InsertedAtColumn)
	sb.WriteString("\nFROM events")
	sb.WriteString("\nWHERE team_id = @team_id")

	args := []interface{}{clickhouse.Named("team_id", q.TeamID)}
	args = writeTimeBounds(&sb, args, eventSelect[model.InsertedAtColumn], q.Interval)

	if m.Filter != "" {
		fmt.Fprintf(&sb, "\n  AND (%s)", m.Filter)
	}
	args = appendParams(args, m.Params)

	sb.WriteString("\nORDER BY _inserted_at")
	return sb.String(), args
}

func writeSelect(sb *strings.Builder, schema *model.Schema, exprs map[string]string) {
	sb.WriteString("SELECT")
	for i, c := range schema.Columns {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(sb, "\n  %s AS %s", exprs[c.Name], c.Name)
	}
}

func writeTimeBounds(sb *strings.Builder, args []interface{}, expr string, interval model.Interval) []interface{} {
	if !interval.Start.IsZero() {
		fmt.Fprintf(sb, "\n  AND %s >= @interval_start", expr)
		args = append(args, clickhouse.DateNamed("interval_start", interval.Start.UTC(), clickhouse.NanoSeconds))
	}
	fmt.Fprintf(sb, "\n  AND %s < @interval_end", expr)
	return append(args, clickhouse.DateNamed("interval_end", interval.End.UTC(), clickhouse.NanoSeconds))
}

func appendParams(args []interface{}, params map[string]string) []interface{} {
	for k, v := range params {
		args = append(args, clickhouse.Named(k, v))
	}
	return args
}
