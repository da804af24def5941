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
	"fmt"
	"strings"
)

// Model names accepted in a Spec.
const (
	ModelEvents   = "events"
	ModelPersons  = "persons"
	ModelSessions = "sessions"
	ModelCustom   = "custom"
)

// InsertedAtColumn is the bookkeeping column present in every batch. It
// carries the source-side insertion time used for resume tracking and is
// never forwarded to the destination.
const InsertedAtColumn = "_inserted_at"

// ColumnType is the destination-neutral type of an exported column. Each
// destination maps these onto its native types.
type ColumnType string

const (
	ColumnString   ColumnType = "STRING"
	ColumnInt64    ColumnType = "INTEGER"
	ColumnFloat64  ColumnType = "FLOAT"
	ColumnBool     ColumnType = "BOOLEAN"
	ColumnDateTime ColumnType = "TIMESTAMP"
	ColumnJSON     ColumnType = "JSON"
)

type Column struct {
	Name string
	Type ColumnType
}

// Schema is the ordered column surface of an export. The column order is the
// row order: row index i holds the value for Columns[i].
type Schema struct {
	Columns []Column
}

// Index returns the position of the named column, or -1.
func (s *Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (s *Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Spec is the persisted model specification attached to an export config. It
// is stored as JSON and resolved into one of the closed set of query shapes
// when an export attempt starts.
type Spec struct {
	Name          string            `json:"name"`
	Fields        []string          `json:"fields,omitempty"`
	CustomFields  []CustomField     `json:"custom_fields,omitempty"`
	Filter        string            `json:"filter,omitempty"`
	IncludeEvents []string          `json:"include_events,omitempty"`
	ExcludeEvents []string          `json:"exclude_events,omitempty"`
	Params        map[string]string `json:"extra_query_parameters,omitempty"`
}

// CustomField is one projected column of a custom model: a source expression
// and the alias it is exported under.
type CustomField struct {
	Expression string `json:"expression"`
	Alias      string `json:"alias"`
	Type       string `json:"type,omitempty"`
}

// Validate checks that the spec resolves.
func (s *Spec) Validate() error {
	_, err := s.Resolve(nil)
	return err
}

// Query is the resolved form of a Spec: one of the closed set of export
// shapes, carrying everything a source needs to build its read for one work
// interval. Resolution happens once per export attempt.
type Query interface {
	Kind() string
	// PrimaryKey returns the columns that identify a logical row at the
	// destination, or nil when rows have no stable key and must be compared
	// whole.
	PrimaryKey() []string
	// Schema returns the ordered columns the query produces. The bookkeeping
	// insertion-time column is always last.
	Schema() *Schema

	isQuery()
}

// Resolve validates the spec and returns its query shape. An empty model name
// resolves to events. When the spec names no fields, defaultFields applies,
// and when that is also empty the model's full column surface is used.
func (s *Spec) Resolve(defaultFields []string) (Query, error) {
	fields := trimFields(s.Fields)
	if len(fields) == 0 {
		fields = trimFields(defaultFields)
	}

	name := strings.ToLower(strings.TrimSpace(s.Name))
	switch name {
	case ModelEvents, "":
		include, exclude := trimFields(s.IncludeEvents), trimFields(s.ExcludeEvents)
		if len(include) > 0 {
			// An allow list wins over a deny list.
			exclude = nil
		}
		schema, err := schemaFor(eventColumns, fields)
		if err != nil {
			return nil, err
		}
		return &EventsQuery{
			Fields:        fields,
			Filter:        strings.TrimSpace(s.Filter),
			IncludeEvents: include,
			ExcludeEvents: exclude,
			Params:        s.Params,
			schema:        schema,
		}, nil

	case ModelPersons:
		schema, err := schemaFor(personColumns, fields)
		if err != nil {
			return nil, err
		}
		return &PersonsQuery{Fields: fields, Params: s.Params, schema: schema}, nil

	case ModelSessions:
		schema, err := schemaFor(sessionColumns, fields)
		if err != nil {
			return nil, err
		}
		return &SessionsQuery{Fields: fields, Params: s.Params, schema: schema}, nil

	case ModelCustom:
		if len(s.CustomFields) == 0 {
			return nil, fmt.Errorf("custom model requires at least one field")
		}
		schema := &Schema{}
		seen := make(map[string]struct{}, len(s.CustomFields))
		for _, f := range s.CustomFields {
			alias := strings.TrimSpace(f.Alias)
			if alias == "" {
				return nil, fmt.Errorf("custom field %q has no alias", f.Expression)
			}
			if _, ok := seen[alias]; ok {
				return nil, fmt.Errorf("custom field alias %q appears twice", alias)
			}
			seen[alias] = struct{}{}
			typ := ColumnString
			if f.Type != "" {
				typ = ColumnType(strings.ToUpper(strings.TrimSpace(f.Type)))
				switch typ {
				case ColumnString, ColumnInt64, ColumnFloat64, ColumnBool, ColumnDateTime, ColumnJSON:
				default:
					return nil, fmt.Errorf("custom field %q has unknown type %q", alias, f.Type)
				}
			}
			schema.Columns = append(schema.Columns, Column{Name: alias, Type: typ})
		}
		schema.Columns = append(schema.Columns, Column{Name: InsertedAtColumn, Type: ColumnDateTime})
		return &CustomQuery{
			Fields: s.CustomFields,
			Filter: strings.TrimSpace(s.Filter),
			Params: s.Params,
			schema: schema,
		}, nil

	default:
		return nil, fmt.Errorf("unknown model %q", s.Name)
	}
}

// EventsQuery exports raw events. IncludeEvents and ExcludeEvents filter by
// event name; when both were specified, only IncludeEvents survives
// resolution.
type EventsQuery struct {
	Fields        []string
	Filter        string
	IncludeEvents []string
	ExcludeEvents []string
	Params        map[string]string

	schema *Schema
}

func (*EventsQuery) Kind() string { return ModelEvents }
func (*EventsQuery) PrimaryKey() []string { return []string{"uuid"} }
func (q *EventsQuery) Schema() *Schema { return q.schema }
func (*EventsQuery) isQuery() {}

// PersonsQuery exports the latest known state of persons.
type PersonsQuery struct {
	Fields []string
	Params map[string]string

	schema *Schema
}

func (*PersonsQuery) Kind() string { return ModelPersons }
func (*PersonsQuery) PrimaryKey() []string { return []string{"distinct_id", "person_id"} }
func (q *PersonsQuery) Schema() *Schema { return q.schema }
func (*PersonsQuery) isQuery() {}

// SessionsQuery exports session aggregates.
type SessionsQuery struct {
	Fields []string
	Params map[string]string

	schema *Schema
}

func (*SessionsQuery) Kind() string { return ModelSessions }
func (*SessionsQuery) PrimaryKey() []string { return []string{"session_id"} }
func (q *SessionsQuery) Schema() *Schema { return q.schema }
func (*SessionsQuery) isQuery() {}

// CustomQuery exports caller-supplied expressions.
type CustomQuery struct {
	Fields []CustomField
	Filter string
	Params map[string]string

	schema *Schema
}

func (*CustomQuery) Kind() string { return ModelCustom }
func (*CustomQuery) PrimaryKey() []string { return nil }
func (q *CustomQuery) Schema() *Schema { return q.schema }
func (*CustomQuery) isQuery() {}

var eventColumns = []Column{
	{"uuid", ColumnString},
	{"event", ColumnString},
	{"properties", ColumnJSON},
	{"elements_chain", ColumnString},
	{"timestamp", ColumnDateTime},
	{"created_at", ColumnDateTime},
	{"distinct_id", ColumnString},
	{"team_id", ColumnInt64},
	{"set", ColumnJSON},
	{"set_once", ColumnJSON},
	{InsertedAtColumn, ColumnDateTime},
}

var personColumns = []Column{
	{"team_id", ColumnInt64},
	{"distinct_id", ColumnString},
	{"person_id", ColumnString},
	{"properties", ColumnJSON},
	{"person_version", ColumnInt64},
	{"person_distinct_id_version", ColumnInt64},
	{"created_at", ColumnDateTime},
	{"is_deleted", ColumnBool},
	{InsertedAtColumn, ColumnDateTime},
}

var sessionColumns = []Column{
	{"session_id", ColumnString},
	{"team_id", ColumnInt64},
	{"distinct_id", ColumnString},
	{"session_start", ColumnDateTime},
	{"session_end", ColumnDateTime},
	{"duration_seconds", ColumnFloat64},
	{"event_count", ColumnInt64},
	{"pageview_count", ColumnInt64},
	{"autocapture_count", ColumnInt64},
	{"entry_url", ColumnString},
	{"exit_url", ColumnString},
	{"urls", ColumnJSON},
	{InsertedAtColumn, ColumnDateTime},
}

// schemaFor projects the model's column surface onto the requested fields,
// preserving request order. The bookkeeping insertion-time column is always
// included, last, whether or not it was requested.
func schemaFor(all []Column, fields []string) (*Schema, error) {
	if len(fields) == 0 {
		cols := make([]Column, len(all))
		copy(cols, all)
		return &Schema{Columns: cols}, nil
	}

	byName := make(map[string]Column, len(all))
	for _, c := range all {
		byName[c.Name] = c
	}

	schema := &Schema{Columns: make([]Column, 0, len(fields)+1)}
	seen := make(map[string]struct{}, len(fields))
	for _, name := range fields {
		if name == InsertedAtColumn {
			continue
		}
		c, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown field %q", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("field %q appears twice", name)
		}
		seen[name] = struct{}{}
		schema.Columns = append(schema.Columns, c)
	}
	schema.Columns = append(schema.Columns, Column{Name: InsertedAtColumn, Type: ColumnDateTime})
	return schema, nil
}

func trimFields(fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
