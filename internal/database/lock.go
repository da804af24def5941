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
	"fmt"
	"time"

	pgx "github.com/jackc/pgx/v4"
)

// ErrAlreadyLocked is returned if the lock is already in use.
var ErrAlreadyLocked = errors.New("lock already in use")

// UnlockFn can be deferred to release a lock.
type UnlockFn func() error

// Lock acquires the lock with the given name that times out after ttl.
// Returns an UnlockFn that can be used to unlock the lock. ErrAlreadyLocked
// will be returned if there is already a lock in use.
func (db *DB) Lock(ctx context.Context, lockID string, ttl time.Duration) (UnlockFn, error) {
	err := db.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		// Lookup existing lock, if any.
		row := tx.QueryRow(ctx, `
			SELECT
				lock_id, expires
			FROM
				lock
			WHERE
				lock_id = $1
		`, lockID)

		existing := true
		var id string
		var expires time.Time
		if err := row.Scan(&id, &expires); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				existing = false
			} else {
				return fmt.Errorf("scanning lock: %w", err)
			}
		}

		expiry := time.Now().UTC().Add(ttl)
		if existing {
			// If expired, take over the lock.
			if time.Now().UTC().After(expires) {
				if _, err := tx.Exec(ctx, `
					UPDATE
						lock
					SET
						expires = $1
					WHERE
						lock_id = $2
				`, expiry, lockID); err != nil {
					return fmt.Errorf("updating expired lock: %w", err)
				}
				return nil
			}
			return ErrAlreadyLocked
		}

		// Insert a new lock.
		if _, err := tx.Exec(ctx, `
			INSERT INTO
				lock
				(lock_id, expires)
			VALUES
				($1, $2)
		`, lockID, expiry); err != nil {
			return fmt.Errorf("inserting new lock: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return makeUnlockFn(ctx, db, lockID), nil
}

func makeUnlockFn(ctx context.Context, db *DB, lockID string) UnlockFn {
	return func() error {
		return db.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
				DELETE FROM
					lock
				WHERE
					lock_id = $1
			`, lockID); err != nil {
				return fmt.Errorf("deleting lock: %w", err)
			}
			return nil
		})
	}
}
