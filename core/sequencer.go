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
	"container/heap"
	"errors"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/core/types"
	"github.com/tradefabric/swapcapture/metrics"
)

// ErrSequenceAlreadyApplied rejects a sequence number at or below the
// partition's high-water mark, or one already waiting in the buffer.
var ErrSequenceAlreadyApplied = errors.New("core: sequence already applied")

// HoldPolicy decides what happens to a buffered entry whose predecessors
// never arrive within the hold deadline.
type HoldPolicy string

const (
	// HoldPolicyRelease delivers the entry anyway with a GAP warning; the
	// partition's sequence jumps forward.
	HoldPolicyRelease HoldPolicy = "release"

	// HoldPolicyStale fails the entry with a SEQUENCE_GAP error.
	HoldPolicyStale HoldPolicy = "stale"
)

// DefaultHoldDeadline bounds how long an out-of-order entry waits for its
// predecessors.
const DefaultHoldDeadline = 30 * time.Second

// Admission is the verdict for an arriving sequenced request.
type Admission int

const (
	// AdmitDeliver means the request is next in line and may run now.
	AdmitDeliver Admission = iota

	// AdmitBuffered means the request was parked until its predecessors
	// commit or the hold deadline lapses.
	AdmitBuffered
)

// Work is one unit flowing through the dispatcher: a canonical request plus
// its job identity and delivery bookkeeping.
type Work struct {
	Req   *types.TradeRequest
	JobID string

	// Attempts counts lock-lost redeliveries of this unit.
	Attempts int

	// GapRelease marks an entry released past an unfilled gap; the commit
	// jumps the sequence instead of advancing by one.
	GapRelease bool
}

type seqEntry struct {
	work       *Work
	enqueuedAt time.Time
}

// seqHeap orders buffered entries by sequence number, smallest first.
type seqHeap []*seqEntry

func (h seqHeap) Len() int      { return len(h) }
func (h seqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h seqHeap) Less(i, j int) bool {
	return h[i].work.Req.SequenceNumber < h[j].work.Req.SequenceNumber
}
func (h *seqHeap) Push(x interface{}) { *h = append(*h, x.(*seqEntry)) }
func (h *seqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// partitionBuffer holds the gapped entries of one partition: a sequence
// indexed map with a heap for in-order draining, and the set of missing
// sequence numbers for operator visibility.
type partitionBuffer struct {
	entries map[uint64]*seqEntry
	heap    seqHeap
	gaps    mapset.Set[uint64]
}

func newPartitionBuffer() *partitionBuffer {
	return &partitionBuffer{
		entries: make(map[uint64]*seqEntry),
		gaps:    mapset.NewSet[uint64](),
	}
}

// refreshGaps recomputes the missing predecessors below the highest
// buffered sequence.
func (b *partitionBuffer) refreshGaps(expected uint64) {
	b.gaps.Clear()
	var highest uint64
	for seq := range b.entries {
		if seq > highest {
			highest = seq
		}
	}
	for seq := expected; seq < highest; seq++ {
		if _, ok := b.entries[seq]; !ok {
			b.gaps.Add(seq)
		}
	}
}

// Sequencer is the per-partition reorder buffer (the sequence buffer). It
// is shared by all partition workers; internal state is guarded by one
// mutex since operations are short and allocation free on the hot path.
type Sequencer struct {
	mu      sync.Mutex
	buffers map[string]*partitionBuffer

	holdDeadline time.Duration
	policy       HoldPolicy
	log          *zap.SugaredLogger
}

// NewSequencer builds a sequencer with the given hold policy.
func NewSequencer(holdDeadline time.Duration, policy HoldPolicy, log *zap.SugaredLogger) *Sequencer {
	if holdDeadline <= 0 {
		holdDeadline = DefaultHoldDeadline
	}
	if policy == "" {
		policy = HoldPolicyRelease
	}
	return &Sequencer{
		buffers:      make(map[string]*partitionBuffer),
		holdDeadline: holdDeadline,
		policy:       policy,
		log:          log,
	}
}

// Policy returns the configured hold policy.
func (s *Sequencer) Policy() HoldPolicy { return s.policy }

// HoldDeadline returns the configured hold deadline.
func (s *Sequencer) HoldDeadline() time.Duration { return s.holdDeadline }

// Admit decides the fate of w against the partition's last applied
// sequence. Unsequenced requests always deliver. A sequence at or below
// the mark, or one already buffered, is rejected with
// ErrSequenceAlreadyApplied.
func (s *Sequencer) Admit(w *Work, lastApplied uint64) (Admission, error) {
	if !w.Req.Sequenced() {
		return AdmitDeliver, nil
	}
	seq := w.Req.SequenceNumber
	expected := lastApplied + 1
	if seq < expected {
		return 0, ErrSequenceAlreadyApplied
	}
	if seq == expected {
		return AdmitDeliver, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.buffers[w.Req.PartitionKey]
	if buf == nil {
		buf = newPartitionBuffer()
		s.buffers[w.Req.PartitionKey] = buf
	}
	if _, dup := buf.entries[seq]; dup {
		return 0, ErrSequenceAlreadyApplied
	}
	e := &seqEntry{work: w, enqueuedAt: time.Now()}
	buf.entries[seq] = e
	heap.Push(&buf.heap, e)
	buf.refreshGaps(expected)
	metrics.SequencerBuffered.Inc()
	s.log.Debugw("Buffered out-of-order trade",
		"partition", w.Req.PartitionKey, "sequence", seq, "expected", expected)
	return AdmitBuffered, nil
}

// Drain pops the now-consecutive run starting at lastApplied+1. Called
// after a successful commit advanced the partition's mark.
func (s *Sequencer) Drain(partition string, lastApplied uint64) []*Work {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.buffers[partition]
	if buf == nil {
		return nil
	}
	var ready []*Work
	next := lastApplied + 1
	for buf.heap.Len() > 0 && buf.heap[0].work.Req.SequenceNumber <= next {
		e := heap.Pop(&buf.heap).(*seqEntry)
		delete(buf.entries, e.work.Req.SequenceNumber)
		metrics.SequencerBuffered.Dec()
		if e.work.Req.SequenceNumber < next {
			continue // superseded while buffered
		}
		ready = append(ready, e.work)
		next++
	}
	s.finishLocked(partition, buf, next)
	return ready
}

// ExpireDue collects buffered entries whose hold deadline lapsed. Under
// the release policy they come back marked GapRelease for delivery; under
// the stale policy the caller fails them with SEQUENCE_GAP.
func (s *Sequencer) ExpireDue(partition string, now time.Time) (released, stale []*Work) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.buffers[partition]
	if buf == nil {
		return nil, nil
	}
	for buf.heap.Len() > 0 && now.Sub(buf.heap[0].enqueuedAt) >= s.holdDeadline {
		e := heap.Pop(&buf.heap).(*seqEntry)
		delete(buf.entries, e.work.Req.SequenceNumber)
		metrics.SequencerBuffered.Dec()
		if s.policy == HoldPolicyRelease {
			e.work.GapRelease = true
			metrics.SequencerGapReleases.Inc()
			s.log.Warnw("GAP: releasing trade past unfilled sequence gap",
				"partition", partition, "sequence", e.work.Req.SequenceNumber,
				"heldFor", now.Sub(e.enqueuedAt))
			released = append(released, e.work)
		} else {
			stale = append(stale, e.work)
		}
	}
	s.finishLocked(partition, buf, 0)
	return released, stale
}

// NextDeadline reports when the oldest buffered entry of the partition
// falls due. The second return is false when nothing is buffered.
func (s *Sequencer) NextDeadline(partition string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.buffers[partition]
	if buf == nil || buf.heap.Len() == 0 {
		return time.Time{}, false
	}
	oldest := buf.heap[0].enqueuedAt
	for _, e := range buf.heap[1:] {
		if e.enqueuedAt.Before(oldest) {
			oldest = e.enqueuedAt
		}
	}
	return oldest.Add(s.holdDeadline), true
}

// PartitionStatus is the operator view of one partition's buffer.
type PartitionStatus struct {
	PartitionKey string        `json:"partitionKey"`
	Buffered     int           `json:"buffered"`
	OldestAge    time.Duration `json:"oldestAge"`
	Gaps         []uint64      `json:"gaps,omitempty"`
}

// Status snapshots every non-empty buffer.
func (s *Sequencer) Status() []PartitionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([]PartitionStatus, 0, len(s.buffers))
	for key, buf := range s.buffers {
		if len(buf.entries) == 0 {
			continue
		}
		st := PartitionStatus{PartitionKey: key, Buffered: len(buf.entries), Gaps: buf.gaps.ToSlice()}
		for _, e := range buf.heap {
			if age := now.Sub(e.enqueuedAt); age > st.OldestAge {
				st.OldestAge = age
			}
		}
		out = append(out, st)
	}
	return out
}

// finishLocked drops empty buffers and refreshes the gap set otherwise.
func (s *Sequencer) finishLocked(partition string, buf *partitionBuffer, expected uint64) {
	if len(buf.entries) == 0 {
		delete(s.buffers, partition)
		return
	}
	if expected > 0 {
		buf.refreshGaps(expected)
	}
}
