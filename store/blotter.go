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

	"github.com/tradefabric/swapcapture/core/types"
)

const selectBlotter = `
SELECT trade_id, partition_key, payload, enrichment_status, workflow_status, state, ruleset_version, version, processed_at
FROM swap_blotter WHERE trade_id = $1 AND NOT archive_flag`

// BlotterStore reads persisted swap blotters. Writes happen exclusively
// inside CommitTrade under the partition lock; readers may bypass the lock
// and must tolerate stale reads.
type BlotterStore struct {
	db *DB
}

// Get fetches the live blotter for a trade.
func (s *BlotterStore) Get(ctx context.Context, tradeID string) (*types.SwapBlotter, error) {
	var b types.SwapBlotter
	err := s.db.conn.GetContext(ctx, &b, selectBlotter, tradeID)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Archive soft-deletes a blotter, freeing the trade id for recapture.
func (s *BlotterStore) Archive(ctx context.Context, tradeID string) error {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE swap_blotter SET archive_flag = TRUE WHERE trade_id = $1 AND NOT archive_flag`, tradeID)
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
