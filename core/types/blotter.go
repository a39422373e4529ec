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

package types

import (
	"encoding/json"
	"time"
)

// EnrichmentStatus describes how much of the reference data joined the
// blotter. PARTIAL blotters are valid artifacts; FAILED ones never commit.
type EnrichmentStatus string

const (
	EnrichmentComplete EnrichmentStatus = "COMPLETE"
	EnrichmentPartial  EnrichmentStatus = "PARTIAL"
	EnrichmentFailed   EnrichmentStatus = "FAILED"
	EnrichmentPending  EnrichmentStatus = "PENDING"
)

// PositionState is the lifecycle state of a partition's position. The empty
// value means the partition has not been initialized yet.
type PositionState string

const (
	StateExecuted  PositionState = "EXECUTED"
	StateFormed    PositionState = "FORMED"
	StateSettled   PositionState = "SETTLED"
	StateCancelled PositionState = "CANCELLED"
	StateClosed    PositionState = "CLOSED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s PositionState) Terminal() bool {
	return s == StateCancelled || s == StateClosed
}

// CanTransition reports whether the lifecycle graph permits moving from s to
// next. Self transitions are permitted; they model repeated trades that do
// not move the position.
func (s PositionState) CanTransition(next PositionState) bool {
	if s == next {
		return !s.Terminal()
	}
	switch s {
	case "":
		return next == StateExecuted
	case StateExecuted:
		return next == StateFormed || next == StateCancelled
	case StateFormed:
		return next == StateSettled || next == StateCancelled
	case StateSettled:
		return next == StateClosed || next == StateCancelled
	default:
		return false
	}
}

// SwapBlotter is the canonical persisted trade artifact. Between lock
// acquisition and publication it is exclusively owned by the partition
// worker; afterwards it is immutable.
type SwapBlotter struct {
	TradeID          string           `json:"tradeId" db:"trade_id"`
	PartitionKey     string           `json:"partitionKey" db:"partition_key"`
	Payload          json.RawMessage  `json:"payload" db:"payload"`
	EnrichmentStatus EnrichmentStatus `json:"enrichmentStatus" db:"enrichment_status"`
	WorkflowStatus   string           `json:"workflowStatus" db:"workflow_status"`
	State            PositionState    `json:"state" db:"state"`
	Version          uint64           `json:"version" db:"version"`
	ProcessedAt      time.Time        `json:"processedAt" db:"processed_at"`

	// RulesetVersion records which rule set shaped this artifact.
	RulesetVersion string `json:"rulesetVersion,omitempty" db:"ruleset_version"`
}

// PartitionState is the durable per-partition record: the high-water
// sequence number and the position lifecycle state, both guarded by an
// optimistic version counter.
type PartitionState struct {
	PartitionKey       string        `json:"partitionKey" db:"partition_key"`
	LastSequenceNumber uint64        `json:"lastSequenceNumber" db:"last_sequence_number"`
	Position           PositionState `json:"positionState" db:"position_state"`
	Version            uint64        `json:"version" db:"version"`
	UpdatedAt          time.Time     `json:"updatedAt" db:"updated_at"`
}

// NextExpected is the sequence number the partition will accept next.
func (s *PartitionState) NextExpected() uint64 { return s.LastSequenceNumber + 1 }
