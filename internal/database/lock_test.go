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

package database

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	testDB, _ := testDatabaseInstance.NewDatabase(t)

	lockID := "create_runs"
	ttl := 15 * time.Minute

	unlock, err := testDB.Lock(ctx, lockID, ttl)
	if err != nil {
		t.Fatalf("failed to obtain lock %q: %v", lockID, err)
	}

	// A second acquire while held must fail.
	if _, err := testDB.Lock(ctx, lockID, ttl); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("got %v, want ErrAlreadyLocked", err)
	}

	if err := unlock(); err != nil {
		t.Fatalf("failed to release lock %q: %v", lockID, err)
	}

	// Released locks are immediately available again.
	unlock, err = testDB.Lock(ctx, lockID, ttl)
	if err != nil {
		t.Fatalf("failed to re-obtain lock %q: %v", lockID, err)
	}
	if err := unlock(); err != nil {
		t.Fatalf("failed to release lock %q: %v", lockID, err)
	}

	var count int
	row := testDB.Pool.QueryRow(ctx, `SELECT count(*) FROM lock`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("failed to count locks: %v", err)
	}
	if count != 0 {
		t.Fatalf("got %d locks, want 0", count)
	}
}

func TestLock_expired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	testDB, _ := testDatabaseInstance.NewDatabase(t)

	lockID := "worker"

	// Take the lock with a TTL in the past. It is expired the moment it is
	// created, so nothing needs to release it.
	if _, err := testDB.Lock(ctx, lockID, -1*time.Second); err != nil {
		t.Fatalf("failed to obtain lock %q: %v", lockID, err)
	}

	unlock, err := testDB.Lock(ctx, lockID, 15*time.Minute)
	if err != nil {
		t.Fatalf("failed to take over expired lock %q: %v", lockID, err)
	}
	if err := unlock(); err != nil {
		t.Fatalf("failed to release lock %q: %v", lockID, err)
	}
}
