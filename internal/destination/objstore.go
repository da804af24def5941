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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/eventlake/batch-export-server/internal/storage"
)

// objstoreOperationTimeout bounds any one blob operation.
const objstoreOperationTimeout = 50 * time.Second

const manifestName = "manifest.json"

// Objstore delivers exports as gzip JSONL objects in a blob store. Staging
// writes the data objects; commit appends them to the run's manifest object,
// whose presence is what marks the rows delivered. Readers that honor the
// manifest never observe files from an uncommitted attempt.
type Objstore struct {
	blobstore storage.Blobstore
	bucket    string
	root      string
	config    *Config

	prepared bool
}

var _ Destination = (*Objstore)(nil)

func NewObjstore(_ context.Context, blobstore storage.Blobstore, cfg *Config) (*Objstore, error) {
	if blobstore == nil {
		return nil, fmt.Errorf("%w: objstore destination requires a blobstore", ErrBadConfig)
	}
	if cfg.Settings["bucket"] == "" {
		return nil, fmt.Errorf("%w: objstore destination requires setting %q", ErrBadConfig, "bucket")
	}
	return &Objstore{
		blobstore: blobstore,
		bucket:    cfg.Settings["bucket"],
		root:      cfg.Settings["prefix"],
		config:    cfg,
	}, nil
}

// objectPath is where one staged file lives in the bucket.
func (o *Objstore) objectPath(table, name string) string {
	return path.Join(o.root, table, o.config.StagePrefix, name)
}

// prepare drops a manifest left behind by an earlier attempt that committed
// nothing we are resuming from.
func (o *Objstore) prepare(ctx context.Context) error {
	if o.prepared {
		return nil
	}
	if o.config.FreshAttempt {
		ctx, cancel := context.WithTimeout(ctx, objstoreOperationTimeout)
		defer cancel()
		if err := o.blobstore.DeleteObject(ctx, o.bucket, o.objectPath(o.config.Table, manifestName)); err != nil {
			return fmt.Errorf("clearing stale manifest: %w", err)
		}
	}
	o.prepared = true
	return nil
}

func (o *Objstore) Stage(ctx context.Context, file *StagedFile) (*StageOutcome, error) {
	if err := o.prepare(ctx); err != nil {
		return nil, err
	}

	contents, err := os.ReadFile(file.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("reading spooled file %s: %w", file.Name, err)
	}

	target := o.objectPath(o.config.Table, file.Name)
	octx, cancel := context.WithTimeout(ctx, objstoreOperationTimeout)
	defer cancel()
	if err := o.blobstore.CreateObject(octx, o.bucket, target, contents, "application/gzip"); err != nil {
		return &StageOutcome{
			Source:  file.LocalPath,
			Target:  target,
			Status:  StageFailed,
			Message: err.Error(),
		}, fmt.Errorf("%w: %s: %v", ErrFileNotUploaded, file.Name, err)
	}

	return &StageOutcome{
		Source:            file.LocalPath,
		Target:            target,
		SourceSize:        file.Bytes,
		TargetSize:        int64(len(contents)),
		SourceCompression: "GZIP",
		TargetCompression: "GZIP",
		Status:            StageUploaded,
	}, nil
}

func (o *Objstore) Commit(ctx context.Context, table string, files []*StagedFile) ([]*CommitOutcome, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if err := o.prepare(ctx); err != nil {
		return nil, err
	}

	manifest, err := o.readManifest(ctx, table)
	if err != nil {
		return nil, err
	}

	outcomes := make([]*CommitOutcome, 0, len(files))
	for _, f := range files {
		entry := manifestEntry{
			Name:  o.objectPath(table, f.Name),
			Rows:  f.Rows,
			Bytes: f.Bytes,
			End:   f.End,
		}
		if !f.Start.IsZero() {
			start := f.Start
			entry.Start = &start
		}
		manifest.Files = append(manifest.Files, entry)
		outcomes = append(outcomes, &CommitOutcome{
			File:       f.Name,
			Status:     CommitLoaded,
			RowsParsed: f.Rows,
			RowsLoaded: f.Rows,
		})
	}
	manifest.Table = table
	manifest.UpdatedAt = time.Now().UTC()

	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}

	octx, cancel := context.WithTimeout(ctx, objstoreOperationTimeout)
	defer cancel()
	if err := o.blobstore.CreateObject(octx, o.bucket, o.objectPath(table, manifestName), encoded, "application/json"); err != nil {
		// The data objects exist but are not committed. The failed outcomes
		// tell the consumer not to advance its frontier.
		failed := make([]*CommitOutcome, 0, len(files))
		for _, f := range files {
			failed = append(failed, &CommitOutcome{
				File:       f.Name,
				Status:     CommitLoadFailed,
				RowsParsed: f.Rows,
				ErrorsSeen: 1,
				FirstError: err.Error(),
			})
		}
		return failed, fmt.Errorf("%w: writing manifest: %v", ErrFileNotLoaded, err)
	}
	return outcomes, nil
}

func (o *Objstore) readManifest(ctx context.Context, table string) (*manifest, error) {
	octx, cancel := context.WithTimeout(ctx, objstoreOperationTimeout)
	defer cancel()

	var m manifest
	contents, err := o.blobstore.GetObject(octx, o.bucket, o.objectPath(table, manifestName))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &m, nil
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	if err := json.Unmarshal(contents, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

// manifest is the commit record for one run of one table: the objects that
// were delivered and how many rows each carries.
type manifest struct {
	Table     string          `json:"table"`
	UpdatedAt time.Time       `json:"updated_at"`
	Files     []manifestEntry `json:"files"`
}

type manifestEntry struct {
	Name  string     `json:"name"`
	Rows  int64      `json:"rows"`
	Bytes int64      `json:"bytes"`
	Start *time.Time `json:"start,omitempty"`
	End   time.Time  `json:"end"`
}
