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

package destination

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
)

// Memory is an in-memory destination for tests and local development.
// It keeps staged bytes until they are committed, decodes committed files
// back into rows for assertions, and can fail chosen files on demand.
//
// Memory destinations created with a "name" setting are shared process-wide,
// so a test can observe what a worker delivered through the factory.
type Memory struct {
	mu sync.Mutex

	staged    map[string][]byte
	committed map[string][]map[string]interface{}
	files     []*StagedFile

	// FailStage and FailCommit fail files whose name matches the pattern
	// key, in the path.Match sense, with the given message. Spooled file
	// names embed a random component, so tests usually key on the sequence
	// number, like "*-1-*".
	FailStage  map[string]string
	FailCommit map[string]string
}

var _ Destination = (*Memory)(nil)

var memoryRegistry = struct {
	sync.Mutex
	instances map[string]*Memory
}{instances: make(map[string]*Memory)}

func NewMemory(_ context.Context, cfg *Config) (*Memory, error) {
	name := ""
	if cfg != nil {
		name = cfg.Settings["name"]
	}
	if name == "" {
		return newMemory(), nil
	}
	return LookupMemory(name), nil
}

// LookupMemory returns the shared in-memory destination with the given name,
// creating it if needed.
func LookupMemory(name string) *Memory {
	memoryRegistry.Lock()
	defer memoryRegistry.Unlock()
	m, ok := memoryRegistry.instances[name]
	if !ok {
		m = newMemory()
		memoryRegistry.instances[name] = m
	}
	return m
}

func newMemory() *Memory {
	return &Memory{
		staged:    make(map[string][]byte),
		committed: make(map[string][]map[string]interface{}),
	}
}

func (m *Memory) Stage(_ context.Context, file *StagedFile) (*StageOutcome, error) {
	contents, err := os.ReadFile(file.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("reading spooled file %s: %w", file.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if msg, ok := matchFailure(m.FailStage, file.Name); ok {
		return &StageOutcome{
			Source:  file.LocalPath,
			Target:  file.Name,
			Status:  StageFailed,
			Message: msg,
		}, fmt.Errorf("%w: %s: %s", ErrFileNotUploaded, file.Name, msg)
	}

	m.staged[file.Name] = contents
	return &StageOutcome{
		Source:            file.LocalPath,
		Target:            file.Name,
		SourceSize:        file.Bytes,
		TargetSize:        int64(len(contents)),
		SourceCompression: "GZIP",
		TargetCompression: "GZIP",
		Status:            StageUploaded,
	}, nil
}

func (m *Memory) Commit(_ context.Context, table string, files []*StagedFile) ([]*CommitOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var outcomes []*CommitOutcome
	var loadErr error
	fail := func(f *StagedFile, msg string) {
		outcomes = append(outcomes, &CommitOutcome{
			File:       f.Name,
			Status:     CommitLoadFailed,
			RowsParsed: f.Rows,
			ErrorsSeen: 1,
			FirstError: msg,
		})
		if loadErr == nil {
			loadErr = fmt.Errorf("%w: %s: %s", ErrFileNotLoaded, f.Name, msg)
		}
	}

	for _, f := range files {
		if msg, ok := matchFailure(m.FailCommit, f.Name); ok {
			fail(f, msg)
			continue
		}
		contents, ok := m.staged[f.Name]
		if !ok {
			fail(f, "file was never staged")
			continue
		}
		rows, err := decodeJSONL(contents)
		if err != nil {
			fail(f, err.Error())
			continue
		}

		m.committed[table] = append(m.committed[table], rows...)
		m.files = append(m.files, f)
		delete(m.staged, f.Name)
		outcomes = append(outcomes, &CommitOutcome{
			File:       f.Name,
			Status:     CommitLoaded,
			RowsParsed: int64(len(rows)),
			RowsLoaded: int64(len(rows)),
		})
	}
	return outcomes, loadErr
}

// CommittedRows returns the decoded rows loaded into the given table, in
// commit order.
func (m *Memory) CommittedRows(table string) []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]map[string]interface{}, len(m.committed[table]))
	copy(rows, m.committed[table])
	return rows
}

// CommittedFiles returns the staged files that were committed, in order.
func (m *Memory) CommittedFiles() []*StagedFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	files := make([]*StagedFile, len(m.files))
	copy(files, m.files)
	return files
}

// StagedCount returns the number of files staged but not yet committed.
func (m *Memory) StagedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.staged)
}

func matchFailure(patterns map[string]string, name string) (string, bool) {
	if msg, ok := patterns[name]; ok {
		return msg, true
	}
	for pat, msg := range patterns {
		if ok, err := path.Match(pat, name); err == nil && ok {
			return msg, true
		}
	}
	return "", false
}

// decodeJSONL decompresses gzip JSONL contents into one map per line.
func decodeJSONL(contents []byte) ([]map[string]interface{}, error) {
	gz, err := gzip.NewReader(bytes.NewReader(contents))
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	defer gz.Close()

	var rows []map[string]interface{}
	dec := json.NewDecoder(gz)
	dec.UseNumber()
	for {
		var row map[string]interface{}
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				return rows, nil
			}
			return nil, fmt.Errorf("decoding row %d: %w", len(rows), err)
		}
		rows = append(rows, row)
	}
}
