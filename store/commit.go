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

// CommitArgs carries the partition-level writes of one successful pipeline
// run.
type CommitArgs struct {
	// State is the record read under the partition lock; its Version is
	// the optimistic write guard.
	State *types.PartitionState

	// NextPosition is the lifecycle state the trade moves the partition to.
	NextPosition types.PositionState

	// NewSequence advances the high-water mark. Zero means the request is
	// unsequenced and the mark is left alone.
	NewSequence uint64

	// ForceJump allows NewSequence to exceed the next expected value. Set
	// only by the gap-release policy of the sequence buffer.
	ForceJump bool

	Blotter *types.SwapBlotter

	// IdempotencyKey names the record flipped to COMPLETED with the commit.
	IdempotencyKey string
}

// CommitTrade applies the durable writes of a successful run in a single
// transaction: advance the partition state, upsert the blotter and complete
// the idempotency record. Row locks are taken in the fixed order
// partition_state, swap_blotter, idempotency_record; every worker follows
// the same order, which rules out lock cycles in the database.
//
// On success args.Blotter.Version and args.State are updated in place to the
// committed values.
func (db *DB) CommitTrade(ctx context.Context, args CommitArgs) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Re-read the partition row under its lock; the optimistic version
	// catches writers that slipped past the distributed lock.
	var cur types.PartitionState
	err = tx.GetContext(ctx, &cur, `
		SELECT partition_key, last_sequence_number, position_state, version, updated_at
		FROM partition_state WHERE partition_key = $1 AND NOT archive_flag FOR UPDATE`,
		args.State.PartitionKey)
	if noRows(err) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if cur.Version != args.State.Version {
		return ErrVersionMismatch
	}
	newSeq := cur.LastSequenceNumber
	if args.NewSequence > 0 {
		if !args.ForceJump && args.NewSequence != cur.NextExpected() {
			return types.Coded(types.CodeProcessing, "sequence advance %d does not follow %d", args.NewSequence, cur.LastSequenceNumber)
		}
		if args.NewSequence <= cur.LastSequenceNumber {
			return types.Coded(types.CodeProcessing, "sequence number would regress from %d to %d", cur.LastSequenceNumber, args.NewSequence)
		}
		newSeq = args.NewSequence
	}
	if cur.Position != args.NextPosition && !cur.Position.CanTransition(args.NextPosition) {
		return types.Coded(types.CodeInvalidTransition, "illegal position transition %s -> %s", cur.Position, args.NextPosition)
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE partition_state
		SET last_sequence_number = $1, position_state = $2, version = version + 1, updated_at = $3
		WHERE partition_key = $4 AND version = $5 AND NOT archive_flag`,
		newSeq, args.NextPosition, now, args.State.PartitionKey, cur.Version); err != nil {
		return err
	}

	b := args.Blotter
	var version uint64
	err = tx.GetContext(ctx, &version, `
		INSERT INTO swap_blotter (trade_id, partition_key, payload, enrichment_status, workflow_status, state, ruleset_version, version, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8)
		ON CONFLICT (trade_id) WHERE NOT archive_flag DO UPDATE SET
			payload = EXCLUDED.payload,
			enrichment_status = EXCLUDED.enrichment_status,
			workflow_status = EXCLUDED.workflow_status,
			state = EXCLUDED.state,
			ruleset_version = EXCLUDED.ruleset_version,
			version = swap_blotter.version + 1,
			processed_at = EXCLUDED.processed_at
		RETURNING version`,
		b.TradeID, b.PartitionKey, []byte(b.Payload), b.EnrichmentStatus, b.WorkflowStatus, args.NextPosition, b.RulesetVersion, now)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE idempotency_record
		SET status = $1, blotter_ref = $2, completed_at = $3
		WHERE idempotency_key = $4 AND NOT archive_flag`,
		types.IdempotencyCompleted, b.TradeID, now, args.IdempotencyKey); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	b.Version = version
	b.State = args.NextPosition
	b.ProcessedAt = now
	args.State.LastSequenceNumber = newSeq
	args.State.Position = args.NextPosition
	args.State.Version = cur.Version + 1
	args.State.UpdatedAt = now
	return nil
}
