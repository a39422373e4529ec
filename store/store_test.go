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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/core/types"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	conn := sqlx.NewDb(raw, "postgres")
	return NewWithConn(conn, zap.NewNop().Sugar()), mock
}

func stateRows(key string, seq uint64, pos types.PositionState, version uint64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"partition_key", "last_sequence_number", "position_state", "version", "updated_at"}).
		AddRow(key, seq, string(pos), version, time.Now().UTC())
}

func TestGetOrInitCreatesExecuted(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(`INSERT INTO partition_state`).
		WithArgs("A_B_C", string(types.StateExecuted), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT partition_key, last_sequence_number`).
		WithArgs("A_B_C").
		WillReturnRows(stateRows("A_B_C", 0, types.StateExecuted, 1))

	st, err := db.States.GetOrInit(context.Background(), "A_B_C")
	require.NoError(t, err)
	require.EqualValues(t, 0, st.LastSequenceNumber)
	require.Equal(t, types.StateExecuted, st.Position)
	require.EqualValues(t, 1, st.NextExpected())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateVersionMismatch(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT partition_key, last_sequence_number`).
		WithArgs("A_B_C").
		WillReturnRows(stateRows("A_B_C", 3, types.StateFormed, 7))

	_, err := db.States.Update(context.Background(), "A_B_C", 6, func(st *types.PartitionState) error {
		st.LastSequenceNumber = 4
		return nil
	})
	require.ErrorIs(t, err, ErrVersionMismatch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRejectsIllegalTransition(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT partition_key, last_sequence_number`).
		WithArgs("A_B_C").
		WillReturnRows(stateRows("A_B_C", 3, types.StateClosed, 2))

	_, err := db.States.Update(context.Background(), "A_B_C", 2, func(st *types.PartitionState) error {
		st.Position = types.StateFormed
		return nil
	})
	require.Equal(t, types.CodeInvalidTransition, types.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyInsertDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(`INSERT INTO idempotency_record`).
		WillReturnError(&pq.Error{Code: "23505"})

	rec := &types.IdempotencyRecord{
		Key: "T1", TradeID: "T1", PartitionKey: "A_B_C",
		Status: types.IdempotencyProcessing, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	require.ErrorIs(t, db.Idempotency.Insert(context.Background(), rec), ErrDuplicateKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveExpired(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	mock.ExpectExec(`UPDATE idempotency_record SET archive_flag = TRUE`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := db.Idempotency.ArchiveExpired(context.Background(), now)
	require.NoError(t, err)
	require.EqualValues(t, 12, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitTrade(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT partition_key, last_sequence_number, position_state, version, updated_at\s+FROM partition_state WHERE partition_key = \$1 AND NOT archive_flag FOR UPDATE`).
		WithArgs("A_B_C").
		WillReturnRows(stateRows("A_B_C", 1, types.StateExecuted, 4))
	mock.ExpectExec(`UPDATE partition_state`).
		WithArgs(int64(2), string(types.StateFormed), sqlmock.AnyArg(), "A_B_C", int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO swap_blotter`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectExec(`UPDATE idempotency_record`).
		WithArgs(string(types.IdempotencyCompleted), "T1", sqlmock.AnyArg(), "T1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	st := &types.PartitionState{PartitionKey: "A_B_C", LastSequenceNumber: 1, Position: types.StateExecuted, Version: 4}
	blotter := &types.SwapBlotter{TradeID: "T1", PartitionKey: "A_B_C", Payload: []byte(`{}`), EnrichmentStatus: types.EnrichmentComplete}
	err := db.CommitTrade(context.Background(), CommitArgs{
		State:          st,
		NextPosition:   types.StateFormed,
		NewSequence:    2,
		Blotter:        blotter,
		IdempotencyKey: "T1",
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, st.LastSequenceNumber)
	require.Equal(t, types.StateFormed, st.Position)
	require.EqualValues(t, 5, st.Version)
	require.EqualValues(t, 1, blotter.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitTradeVersionMismatchRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("A_B_C").
		WillReturnRows(stateRows("A_B_C", 1, types.StateExecuted, 9))
	mock.ExpectRollback()

	st := &types.PartitionState{PartitionKey: "A_B_C", LastSequenceNumber: 1, Position: types.StateExecuted, Version: 4}
	err := db.CommitTrade(context.Background(), CommitArgs{
		State:          st,
		NextPosition:   types.StateFormed,
		NewSequence:    2,
		Blotter:        &types.SwapBlotter{TradeID: "T1", PartitionKey: "A_B_C"},
		IdempotencyKey: "T1",
	})
	require.ErrorIs(t, err, ErrVersionMismatch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitTradeRejectsSequenceGapWithoutForce(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("A_B_C").
		WillReturnRows(stateRows("A_B_C", 1, types.StateExecuted, 4))
	mock.ExpectRollback()

	st := &types.PartitionState{PartitionKey: "A_B_C", LastSequenceNumber: 1, Position: types.StateExecuted, Version: 4}
	err := db.CommitTrade(context.Background(), CommitArgs{
		State:          st,
		NextPosition:   types.StateFormed,
		NewSequence:    5, // gap, no ForceJump
		Blotter:        &types.SwapBlotter{TradeID: "T1", PartitionKey: "A_B_C"},
		IdempotencyKey: "T1",
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
