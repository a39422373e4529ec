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

const selectPartitionState = `
SELECT partition_key, last_sequence_number, position_state, version, updated_at
FROM partition_state WHERE partition_key = $1 AND NOT archive_flag`

// PartitionStates is the durable per-partition record store (C4). Writers
// hold the partition lock; the optimistic version column is the second line
// of defense across instances.
type PartitionStates struct {
	db *DB
}

// Get fetches the live record for a partition.
func (s *PartitionStates) Get(ctx context.Context, key string) (*types.PartitionState, error) {
	var st types.PartitionState
	err := s.db.conn.GetContext(ctx, &st, selectPartitionState, key)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetOrInit fetches the live record, creating it in the EXECUTED state with
// sequence zero when the partition is new. The insert races safely across
// instances: losers fall back to the winner's row.
func (s *PartitionStates) GetOrInit(ctx context.Context, key string) (*types.PartitionState, error) {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO partition_state (partition_key, last_sequence_number, position_state, version, updated_at)
		VALUES ($1, 0, $2, 1, $3)
		ON CONFLICT (partition_key) WHERE NOT archive_flag DO NOTHING`,
		key, types.StateExecuted, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, key)
}

// Update applies mutate to the current record and writes it back guarded by
// the expected version. A lost race returns ErrVersionMismatch without
// applying anything.
func (s *PartitionStates) Update(ctx context.Context, key string, expectedVersion uint64, mutate func(*types.PartitionState) error) (*types.PartitionState, error) {
	st, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if st.Version != expectedVersion {
		return nil, ErrVersionMismatch
	}
	prevSeq := st.LastSequenceNumber
	prevPos := st.Position
	if err := mutate(st); err != nil {
		return nil, err
	}
	if st.LastSequenceNumber < prevSeq {
		return nil, types.Coded(types.CodeProcessing, "sequence number would regress from %d to %d", prevSeq, st.LastSequenceNumber)
	}
	if st.Position != prevPos && !prevPos.CanTransition(st.Position) {
		return nil, types.Coded(types.CodeInvalidTransition, "illegal position transition %s -> %s", prevPos, st.Position)
	}
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE partition_state
		SET last_sequence_number = $1, position_state = $2, version = version + 1, updated_at = $3
		WHERE partition_key = $4 AND version = $5 AND NOT archive_flag`,
		st.LastSequenceNumber, st.Position, time.Now().UTC(), key, expectedVersion)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrVersionMismatch
	}
	st.Version = expectedVersion + 1
	return st, nil
}

// AdvanceSequence moves the high-water sequence number forward by exactly
// one. It exists for callers outside the commit transaction; the pipeline
// itself advances inside CommitTrade.
func (s *PartitionStates) AdvanceSequence(ctx context.Context, key string, newSeq uint64) error {
	st, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if newSeq != st.NextExpected() {
		return types.Coded(types.CodeProcessing, "sequence advance %d does not follow %d", newSeq, st.LastSequenceNumber)
	}
	_, err = s.Update(ctx, key, st.Version, func(st *types.PartitionState) error {
		st.LastSequenceNumber = newSeq
		return nil
	})
	return err
}
