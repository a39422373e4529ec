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

package store

import (
	"context"
	"time"

	"github.com/tradefabric/swapcapture/core/types"
)

const selectIdempotency = `
SELECT idempotency_key, trade_id, partition_key, status, blotter_ref, created_at, completed_at, expires_at, archive_flag
FROM idempotency_record WHERE idempotency_key = $1 AND NOT archive_flag`

// IdempotencyRecords is the durable tier of the dedupe index (C2/L2). The
// write methods each run in their own transactional scope so a deadlock in
// the main commit path can never corrupt dedupe state.
type IdempotencyRecords struct {
	db *DB
}

// Get fetches the live record for a key.
func (s *IdempotencyRecords) Get(ctx context.Context, key string) (*types.IdempotencyRecord, error) {
	var rec types.IdempotencyRecord
	err := s.db.conn.GetContext(ctx, &rec, selectIdempotency, key)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Insert creates a PROCESSING record. A live record with the same key
// yields ErrDuplicateKey.
func (s *IdempotencyRecords) Insert(ctx context.Context, rec *types.IdempotencyRecord) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO idempotency_record (idempotency_key, trade_id, partition_key, status, blotter_ref, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Key, rec.TradeID, rec.PartitionKey, rec.Status, rec.BlotterRef, rec.CreatedAt, rec.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

// Reactivate flips a FAILED record back to PROCESSING for a retry of the
// same trade. It reports whether a record was flipped.
func (s *IdempotencyRecords) Reactivate(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE idempotency_record
		SET status = $1, completed_at = NULL, expires_at = $2
		WHERE idempotency_key = $3 AND status = $4 AND NOT archive_flag`,
		types.IdempotencyProcessing, expiresAt, key, types.IdempotencyFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkCompleted finalizes the record outside the commit transaction. The
// pipeline's own completion rides CommitTrade; this path serves recovery
// tooling and tests.
func (s *IdempotencyRecords) MarkCompleted(ctx context.Context, key, blotterRef string) error {
	return s.finalize(ctx, key, types.IdempotencyCompleted, blotterRef)
}

// MarkFailed finalizes the record as FAILED in its own transaction.
func (s *IdempotencyRecords) MarkFailed(ctx context.Context, key string) error {
	return s.finalize(ctx, key, types.IdempotencyFailed, "")
}

func (s *IdempotencyRecords) finalize(ctx context.Context, key string, status types.IdempotencyStatus, blotterRef string) error {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE idempotency_record
		SET status = $1, blotter_ref = $2, completed_at = $3
		WHERE idempotency_key = $4 AND NOT archive_flag`,
		status, blotterRef, time.Now().UTC(), key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Archive soft-deletes one record by key, freeing the key for reuse.
func (s *IdempotencyRecords) Archive(ctx context.Context, key string) error {
	_, err := s.db.conn.ExecContext(ctx, `
		UPDATE idempotency_record SET archive_flag = TRUE
		WHERE idempotency_key = $1 AND NOT archive_flag`, key)
	return err
}

// ArchiveExpired soft-deletes records whose dedupe window has passed,
// freeing their keys for reuse. Run periodically by the sweeper.
func (s *IdempotencyRecords) ArchiveExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE idempotency_record SET archive_flag = TRUE
		WHERE expires_at < $1 AND NOT archive_flag`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
