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

// Package database is a facade over the bookkeeping storage layer.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eventlake/batch-export-server/pkg/logging"

	pgx "github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

var (
	// ErrNotFound indicates that the requested record was not found in the
	// database.
	ErrNotFound = errors.New("record not found")

	// ErrKeyConflict indicates that there was a key conflict inserting a row.
	ErrKeyConflict = errors.New("key conflict")
)

// DB wraps a connection pool to the bookkeeping database.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool from the provided configuration.
// This should be called once per server instance.
func New(ctx context.Context, cfg *Config) (*DB, error) {
	logger := logging.FromContext(ctx).Named("database")
	logger.Debugw("creating connection pool")

	pool, err := pgxpool.Connect(ctx, ConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close releases database connections.
func (db *DB) Close(ctx context.Context) {
	logger := logging.FromContext(ctx).Named("database")
	logger.Debugw("closing connection pool")
	db.Pool.Close()
}

// InTx runs the given function f within a transaction with isolation level
// isoLevel.
func (db *DB) InTx(ctx context.Context, isoLevel pgx.TxIsoLevel, f func(tx pgx.Tx) error) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: isoLevel})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}

	if err := f(tx); err != nil {
		if err1 := tx.Rollback(ctx); err1 != nil {
			return fmt.Errorf("rolling back transaction: %v (original error: %w)", err1, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Ping checks connectivity by acquiring and pinging a single connection.
func (db *DB) Ping(ctx context.Context) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	return conn.Conn().Ping(ctx)
}

// NullableTime returns nil if the given time is the zero time, otherwise it
// returns a pointer to the given time. Scanning a NULL timestamp yields the
// zero time, so this is the inverse for writes.
func NullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
