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

package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/core/types"
)

func seqWork(partition string, seq uint64) *Work {
	return &Work{Req: &types.TradeRequest{
		TradeID:        "T" + partition,
		PartitionKey:   partition,
		SequenceNumber: seq,
		Source:         types.SourceQueue,
	}}
}

func TestAdmitDeliversInOrder(t *testing.T) {
	s := NewSequencer(time.Minute, HoldPolicyRelease, zap.NewNop().Sugar())

	a, err := s.Admit(seqWork("P", 1), 0)
	require.NoError(t, err)
	require.Equal(t, AdmitDeliver, a)

	// Unsequenced requests bypass the buffer entirely.
	a, err = s.Admit(seqWork("P", 0), 7)
	require.NoError(t, err)
	require.Equal(t, AdmitDeliver, a)
}

func TestAdmitBuffersAheadAndDrains(t *testing.T) {
	s := NewSequencer(time.Minute, HoldPolicyRelease, zap.NewNop().Sugar())

	// Arrival order 1, 3, 2 against an empty partition.
	a, err := s.Admit(seqWork("P", 1), 0)
	require.NoError(t, err)
	require.Equal(t, AdmitDeliver, a)

	a, err = s.Admit(seqWork("P", 3), 0)
	require.NoError(t, err)
	require.Equal(t, AdmitBuffered, a)

	a, err = s.Admit(seqWork("P", 2), 0)
	require.NoError(t, err)
	require.Equal(t, AdmitBuffered, a)

	// Nothing drains until 1 commits.
	require.Empty(t, s.Drain("P", 0))

	ready := s.Drain("P", 1)
	require.Len(t, ready, 2)
	require.Equal(t, uint64(2), ready[0].Req.SequenceNumber)
	require.Equal(t, uint64(3), ready[1].Req.SequenceNumber)
	require.Empty(t, s.Status())
}

func TestAdmitRejectsAppliedAndDuplicateSequences(t *testing.T) {
	s := NewSequencer(time.Minute, HoldPolicyRelease, zap.NewNop().Sugar())

	_, err := s.Admit(seqWork("P", 2), 2)
	require.ErrorIs(t, err, ErrSequenceAlreadyApplied)

	a, err := s.Admit(seqWork("P", 5), 2)
	require.NoError(t, err)
	require.Equal(t, AdmitBuffered, a)

	_, err = s.Admit(seqWork("P", 5), 2)
	require.ErrorIs(t, err, ErrSequenceAlreadyApplied)
}

func TestStatusReportsGaps(t *testing.T) {
	s := NewSequencer(time.Minute, HoldPolicyRelease, zap.NewNop().Sugar())

	_, err := s.Admit(seqWork("P", 3), 0)
	require.NoError(t, err)
	_, err = s.Admit(seqWork("P", 5), 0)
	require.NoError(t, err)

	st := s.Status()
	require.Len(t, st, 1)
	require.Equal(t, "P", st[0].PartitionKey)
	require.Equal(t, 2, st[0].Buffered)
	require.ElementsMatch(t, []uint64{1, 2, 4}, st[0].Gaps)
}

func TestExpireDueReleasesPastGap(t *testing.T) {
	s := NewSequencer(10*time.Millisecond, HoldPolicyRelease, zap.NewNop().Sugar())

	_, err := s.Admit(seqWork("P", 3), 1)
	require.NoError(t, err)

	released, stale := s.ExpireDue("P", time.Now())
	require.Empty(t, released)
	require.Empty(t, stale)

	released, stale = s.ExpireDue("P", time.Now().Add(time.Second))
	require.Empty(t, stale)
	require.Len(t, released, 1)
	require.True(t, released[0].GapRelease)
	require.Equal(t, uint64(3), released[0].Req.SequenceNumber)
	require.Empty(t, s.Status())
}

func TestExpireDueStalePolicy(t *testing.T) {
	s := NewSequencer(10*time.Millisecond, HoldPolicyStale, zap.NewNop().Sugar())

	_, err := s.Admit(seqWork("P", 4), 1)
	require.NoError(t, err)

	released, stale := s.ExpireDue("P", time.Now().Add(time.Second))
	require.Empty(t, released)
	require.Len(t, stale, 1)
	require.False(t, stale[0].GapRelease)
}

func TestNextDeadline(t *testing.T) {
	s := NewSequencer(time.Minute, HoldPolicyRelease, zap.NewNop().Sugar())

	_, ok := s.NextDeadline("P")
	require.False(t, ok)

	before := time.Now()
	_, err := s.Admit(seqWork("P", 9), 1)
	require.NoError(t, err)

	due, ok := s.NextDeadline("P")
	require.True(t, ok)
	require.WithinDuration(t, before.Add(time.Minute), due, time.Second)
}
