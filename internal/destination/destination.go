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

// Package destination is an interface over the warehouses an export delivers
// to. Delivery is two-phase: files are staged into transient destination
// storage, then committed into the target table. Staging is idempotent and
// repeatable; only a commit makes rows visible.
package destination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eventlake/batch-export-server/internal/export/model"
	"github.com/eventlake/batch-export-server/internal/storage"
	"github.com/eventlake/batch-export-server/pkg/secrets"
)

// Type identifies a destination implementation.
type Type string

const (
	TypeSnowflake Type = "SNOWFLAKE"
	TypeObjstore  Type = "OBJSTORE"
	TypeMemory    Type = "MEMORY"
)

// ParseType normalizes a stored destination name to its Type. Unknown names
// return ErrBadConfig.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToUpper(strings.TrimSpace(s))); t {
	case TypeSnowflake, TypeObjstore, TypeMemory:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown destination %q", ErrBadConfig, s)
	}
}

var (
	// ErrFileNotUploaded marks a stage attempt the destination reported as
	// failed.
	ErrFileNotUploaded = errors.New("file not uploaded to destination stage")
	// ErrFileNotLoaded marks a commit the destination reported as failed.
	ErrFileNotLoaded = errors.New("staged file not loaded into destination table")
	// ErrBadConfig marks a destination that cannot be built from its
	// settings. Another attempt with the same config cannot succeed.
	ErrBadConfig = errors.New("destination misconfigured")
)

// StagedFile describes one spooled file handed to a destination.
type StagedFile struct {
	// Name is the file's basename at the destination.
	Name string
	// LocalPath is where the spooled bytes live until staging finishes.
	LocalPath string
	// Bytes is the compressed size on disk.
	Bytes int64
	// RawBytes is the serialized size before compression.
	RawBytes int64
	// Rows is the number of rows in the file.
	Rows int64
	// Start and End bound the source-time interval the file covers. Start is
	// zero when the interval is unbounded below.
	Start time.Time
	End   time.Time
}

// StageStatus is the destination's verdict on one staged file.
type StageStatus string

const (
	StageUploaded StageStatus = "UPLOADED"
	StageFailed   StageStatus = "FAILED"
)

// StageOutcome reports the result of staging one file.
type StageOutcome struct {
	Source            string
	Target            string
	SourceSize        int64
	TargetSize        int64
	SourceCompression string
	TargetCompression string
	Status            StageStatus
	Message           string
}

// CommitStatus is the destination's verdict on loading one staged file.
type CommitStatus string

const (
	CommitLoaded     CommitStatus = "LOADED"
	CommitLoadFailed CommitStatus = "LOAD FAILED"
)

// CommitOutcome reports the result of loading one staged file into the
// target table.
type CommitOutcome struct {
	File           string
	Status         CommitStatus
	RowsParsed     int64
	RowsLoaded     int64
	ErrorLimit     int64
	ErrorsSeen     int64
	FirstError     string
	FirstErrorLine int64
}

// Destination is implemented by every warehouse an export can deliver to.
// Implementations may signal a failed file either through the outcome status
// or an error; callers must treat both as failure.
type Destination interface {
	// Stage uploads one spooled file to the destination's transient storage.
	Stage(ctx context.Context, file *StagedFile) (*StageOutcome, error)

	// Commit loads the given staged files into the target table and returns
	// one outcome per file. Commit is not transactional across files: some
	// may load while others fail.
	Commit(ctx context.Context, table string, files []*StagedFile) ([]*CommitOutcome, error)
}

// Config carries everything a destination needs for one export attempt.
type Config struct {
	Type   Type
	Table  string
	Schema *model.Schema

	// Settings is the destination-specific configuration from the export
	// config (credentials, account, database, and so on). Values of the form
	// secret://... are resolved through the secret manager before use.
	Settings map[string]string

	// StagePrefix namespaces this run's staged files so concurrent runs of
	// the same table do not collide.
	StagePrefix string

	// FreshAttempt is true when the attempt starts with nothing committed,
	// so the destination may clear staged leftovers from an earlier failed
	// attempt.
	FreshAttempt bool
}

// Environment is the slice of the server environment the destination factory
// needs: blob storage for objstore targets and secret resolution for
// credentials carried in settings. *serverenv.ServerEnv satisfies it.
type Environment interface {
	Blobstore() storage.Blobstore
	SecretManager() secrets.SecretManager
}

// For returns the destination for cfg.Type. Settings values that reference
// secrets are resolved through the environment's secret manager first.
func For(ctx context.Context, env Environment, cfg *Config) (Destination, error) {
	if err := resolveSecrets(ctx, env, cfg); err != nil {
		return nil, fmt.Errorf("resolving destination secrets: %w", err)
	}

	switch cfg.Type {
	case TypeSnowflake:
		return NewSnowflake(ctx, cfg)
	case TypeObjstore:
		return NewObjstore(ctx, env.Blobstore(), cfg)
	case TypeMemory:
		return NewMemory(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown destination %q", ErrBadConfig, cfg.Type)
	}
}

// secretPrefix marks a settings value to resolve through the secret manager,
// mirroring the secret:// syntax used for environment configuration.
const secretPrefix = "secret://"

func resolveSecrets(ctx context.Context, env Environment, cfg *Config) error {
	sm := env.SecretManager()
	for k, v := range cfg.Settings {
		if !strings.HasPrefix(v, secretPrefix) {
			continue
		}
		if sm == nil {
			return fmt.Errorf("setting %q references a secret but no secret manager is configured", k)
		}
		plain, err := sm.GetSecretValue(ctx, strings.TrimPrefix(v, secretPrefix))
		if err != nil {
			return fmt.Errorf("secret for setting %q: %w", k, err)
		}
		cfg.Settings[k] = plain
	}
	return nil
}

// DefaultFields returns the field list a destination prefers when an events
// export does not name fields. Models other than events, and destinations
// with no preference, use the model's full surface.
func DefaultFields(typ Type, modelName string) []string {
	name := strings.ToLower(strings.TrimSpace(modelName))
	if name != "" && name != model.ModelEvents {
		return nil
	}
	switch typ {
	case TypeSnowflake:
		return []string{
			"uuid", "event", "properties", "elements_chain", "timestamp",
			"distinct_id", "team_id", "set", "set_once",
		}
	default:
		return nil
	}
}
