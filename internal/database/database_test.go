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

	pgx "github.com/jackc/pgx/v4"
)

var testDatabaseInstance *TestInstance

func TestMain(m *testing.M) {
	testDatabaseInstance = MustTestInstance()
	defer testDatabaseInstance.MustClose()
	m.Run()
}

func TestNullableTime(t *testing.T) {
	t.Parallel()

	t.Run("zero", func(t *testing.T) {
		t.Parallel()

		if got, want := NullableTime(time.Time{}), (*time.Time)(nil); got != want {
			t.Errorf("expected %q to be %q", got, want)
		}
	})

	t.Run("not_nil", func(t *testing.T) {
		t.Parallel()

		now := time.Now().UTC()
		if got, want := NullableTime(now), &now; !got.Equal(now) {
			t.Errorf("expected %q to be %q", got, want)
		}
	})
}

func TestInTx(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	testDB, _ := testDatabaseInstance.NewDatabase(t)

	t.Run("passes_through_callback_error", func(t *testing.T) {
		t.Parallel()

		sentinel := errors.New("nope")
		err := testDB.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("got %v, want %v", err, sentinel)
		}
	})

	t.Run("rolls_back_on_error", func(t *testing.T) {
		t.Parallel()

		if err := testDB.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `INSERT INTO lock (lock_id, expires) VALUES ('tx-test', NOW())`); err != nil {
				return err
			}
			return errors.New("abort")
		}); err == nil {
			t.Fatal("expected error")
		}

		var count int
		if err := testDB.Pool.QueryRow(ctx, `SELECT count(*) FROM lock WHERE lock_id = 'tx-test'`).Scan(&count); err != nil {
			t.Fatal(err)
		}
		if count != 0 {
			t.Fatalf("got %d rows, want 0 (rolled back)", count)
		}
	})

	t.Run("commits", func(t *testing.T) {
		t.Parallel()

		if err := testDB.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `INSERT INTO lock (lock_id, expires) VALUES ('tx-commit', NOW())`)
			return err
		}); err != nil {
			t.Fatal(err)
		}

		var count int
		if err := testDB.Pool.QueryRow(ctx, `SELECT count(*) FROM lock WHERE lock_id = 'tx-commit'`).Scan(&count); err != nil {
			t.Fatal(err)
		}
		if count != 1 {
			t.Fatalf("got %d rows, want 1", count)
		}
	})
}

func TestPing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	testDB, _ := testDatabaseInstance.NewDatabase(t)

	if err := testDB.Ping(ctx); err != nil {
		t.Fatal(err)
	}
}
