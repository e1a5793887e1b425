// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package durablestore is the relational durable store: routers, accounting
// sessions, reply/check attributes, quotas, the disconnect queue, end users
// and user plans, plus the three LISTEN/NOTIFY change channels. A thin
// Store wrapping a DBTX, hand-written SQL, no ORM.
package durablestore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the subset of pgx's connection-like types a Store needs. A
// *pgxpool.Pool satisfies it directly; tests may substitute a single
// connection or a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the durable store's client-side handle.
type Store struct {
	db DBTX
}

// New connects a pooled Store to the given Postgres DSN.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating durable store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging durable store: %w", err)
	}
	return &Store{db: pool}, nil
}

// NewFromDB wraps an already-open DBTX (a pool, connection, or transaction).
// Used by tests and by code that needs to run store calls inside a caller-
// managed transaction.
func NewFromDB(db DBTX) *Store { return &Store{db: db} }

// Close releases the underlying pool, if this Store owns one.
func (s *Store) Close() {
	if pool, ok := s.db.(*pgxpool.Pool); ok {
		pool.Close()
	}
}

// Pool returns the underlying pool, or nil when the store does not wrap a
// *pgxpool.Pool. LISTEN does not go through it: Listen opens its own
// dedicated connection from the DSN.
func (s *Store) Pool() *pgxpool.Pool {
	pool, _ := s.db.(*pgxpool.Pool)
	return pool
}
