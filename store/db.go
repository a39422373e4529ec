// Copyright 2024 The swapcapture Authors
// This file is part of the swapcapture library.
//
// The swapcapture library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The swapcapture library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the swapcapture library. If not, see <http://www.gnu.org/licenses/>.

// Package store persists the three durable artifacts of the pipeline: swap
// blotters, partition state and idempotency records. All business keys use
// partial unique indexes filtered on archive_flag, so rows are soft deleted
// and keys stay unique among live rows only.
package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when no live row matches the business key.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionMismatch is returned when an optimistic write lost the
	// race; the caller re-reads and retries or fails the trade.
	ErrVersionMismatch = errors.New("store: version mismatch")

	// ErrDuplicateKey is returned when an insert collides with a live row
	// on the business key.
	ErrDuplicateKey = errors.New("store: duplicate key")
)

const schema = `
CREATE TABLE IF NOT EXISTS swap_blotter (
	id                BIGSERIAL PRIMARY KEY,
	trade_id          TEXT        NOT NULL,
	partition_key     TEXT        NOT NULL,
	payload           JSONB,
	enrichment_status TEXT        NOT NULL,
	workflow_status   TEXT        NOT NULL DEFAULT '',
	state             TEXT        NOT NULL,
	ruleset_version   TEXT        NOT NULL DEFAULT '',
	version           BIGINT      NOT NULL DEFAULT 1,
	processed_at      TIMESTAMPTZ NOT NULL,
	archive_flag      BOOLEAN     NOT NULL DEFAULT FALSE
);
CREATE UNIQUE INDEX IF NOT EXISTS swap_blotter_trade_id_live
	ON swap_blotter (trade_id) WHERE NOT archive_flag;
CREATE INDEX IF NOT EXISTS swap_blotter_partition_key
	ON swap_blotter (partition_key);

CREATE TABLE IF NOT EXISTS partition_state (
	id                   BIGSERIAL PRIMARY KEY,
	partition_key        TEXT        NOT NULL,
	last_sequence_number BIGINT      NOT NULL DEFAULT 0,
	position_state       TEXT        NOT NULL,
	version              BIGINT      NOT NULL DEFAULT 1,
	updated_at           TIMESTAMPTZ NOT NULL,
	archive_flag         BOOLEAN     NOT NULL DEFAULT FALSE
);
CREATE UNIQUE INDEX IF NOT EXISTS partition_state_key_live
	ON partition_state (partition_key) WHERE NOT archive_flag;

CREATE TABLE IF NOT EXISTS idempotency_record (
	id              BIGSERIAL PRIMARY KEY,
	idempotency_key TEXT        NOT NULL,
	trade_id        TEXT        NOT NULL,
	partition_key   TEXT        NOT NULL,
	status          TEXT        NOT NULL,
	blotter_ref     TEXT        NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ,
	expires_at      TIMESTAMPTZ NOT NULL,
	archive_flag    BOOLEAN     NOT NULL DEFAULT FALSE
);
CREATE UNIQUE INDEX IF NOT EXISTS idempotency_record_key_live
	ON idempotency_record (idempotency_key) WHERE NOT archive_flag;
CREATE INDEX IF NOT EXISTS idempotency_record_expires
	ON idempotency_record (expires_at) WHERE NOT archive_flag;
`

// DB bundles the connection pool and the three stores.
type DB struct {
	conn *sqlx.DB
	log  *zap.SugaredLogger

	Blotters    *BlotterStore
	States      *PartitionStates
	Idempotency *IdempotencyRecords
}

// Open connects to Postgres and pings it.
func Open(dsn string, log *zap.SugaredLogger) (*DB, error) {
	conn, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return NewWithConn(conn, log), nil
}

// NewWithConn wraps an existing connection; tests use it with sqlmock.
func NewWithConn(conn *sqlx.DB, log *zap.SugaredLogger) *DB {
	db := &DB{conn: conn, log: log}
	db.Blotters = &BlotterStore{db: db}
	db.States = &PartitionStates{db: db}
	db.Idempotency = &IdempotencyRecords{db: db}
	return db
}

// Migrate applies the schema. It is idempotent and safe to run on every
// start.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, schema)
	return err
}

func (db *DB) Close() error { return db.conn.Close() }

// isUniqueViolation detects a collision on a (partial) unique index.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func noRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
