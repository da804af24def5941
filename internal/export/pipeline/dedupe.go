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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eventlake/batch-export-server/internal/export/model"
)

// Deduplicate collapses rows that repeat across retried reads. Rows are
// identified by the primaryKey columns; when primaryKey is empty, or none of
// its columns exist in the schema, the whole row is the identity. Among
// duplicates the row with the most populated values wins, the earlier row
// winning ties, and the survivor keeps the first occurrence's position.
// Applying Deduplicate to its own output changes nothing.
//
// JSON column values are compared by decoded content, so two encodings of
// the same object count as the same value.
func Deduplicate(schema *model.Schema, rows []Row, primaryKey []string) []Row {
	if len(rows) == 0 {
		return rows
	}

	keyIdx := make([]int, 0, len(primaryKey))
	for _, name := range primaryKey {
		if i := schema.Index(name); i >= 0 {
			keyIdx = append(keyIdx, i)
		}
	}
	if len(keyIdx) == 0 {
		keyIdx = nil
	}

	type kept struct {
		pos   int
		score int
	}
	seen := make(map[string]kept, len(rows))
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		key := rowKey(schema, row, keyIdx)
		prev, ok := seen[key]
		if !ok {
			seen[key] = kept{pos: len(out), score: completeness(row)}
			out = append(out, row)
			continue
		}
		if score := completeness(row); score > prev.score {
			out[prev.pos] = row
			seen[key] = kept{pos: prev.pos, score: score}
		}
	}
	return out
}

// rowKey builds the identity string for a row from the given column indices,
// or from every column when idx is nil.
func rowKey(schema *model.Schema, row Row, idx []int) string {
	var b strings.Builder
	write := func(i int) {
		if i >= len(row) {
			b.WriteString("\x00,")
			return
		}
		b.WriteString(strconv.Quote(canonicalValue(schema.Columns[i], row[i])))
		b.WriteByte(',')
	}
	if idx == nil {
		for i := range schema.Columns {
			write(i)
		}
	} else {
		for _, i := range idx {
			write(i)
		}
	}
	return b.String()
}

// canonicalValue renders a value so equal values render equally. JSON text is
// decoded and re-encoded, which sorts object keys.
func canonicalValue(c model.Column, v interface{}) string {
	if v == nil {
		return "\x00"
	}
	if c.Type == model.ColumnJSON {
		var text []byte
		switch t := v.(type) {
		case string:
			text = []byte(t)
		case []byte:
			text = t
		case json.RawMessage:
			text = t
		}
		if len(text) > 0 {
			var decoded interface{}
			if err := json.Unmarshal(text, &decoded); err == nil {
				if enc, err := json.Marshal(decoded); err == nil {
					return string(enc)
				}
			}
		}
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

// completeness counts the populated values of a row.
func completeness(row Row) int {
	n := 0
	for _, v := range row {
		switch t := v.(type) {
		case nil:
		case string:
			if t != "" {
				n++
			}
		case []byte:
			if len(t) > 0 {
				n++
			}
		default:
			n++
		}
	}
	return n
}
