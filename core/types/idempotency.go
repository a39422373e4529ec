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

import "time"

// IdempotencyStatus is the lifecycle of a dedupe record. Records are created
// PROCESSING before the pipeline runs and move to COMPLETED or FAILED when
// it finishes; expired records are archived, never deleted.
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "PROCESSING"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
	IdempotencyFailed     IdempotencyStatus = "FAILED"
)

// IdempotencyRecord is the durable tier of the dedupe index. At most one
// non-archived record exists per key.
type IdempotencyRecord struct {
	Key          string            `json:"idempotencyKey" db:"idempotency_key"`
	TradeID      string            `json:"tradeId" db:"trade_id"`
	PartitionKey string            `json:"partitionKey" db:"partition_key"`
	Status       IdempotencyStatus `json:"status" db:"status"`
	BlotterRef   string            `json:"blotterRef,omitempty" db:"blotter_ref"`
	CreatedAt    time.Time         `json:"createdAt" db:"created_at"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty" db:"completed_at"`
	ExpiresAt    time.Time         `json:"expiresAt" db:"expires_at"`
	Archived     bool              `json:"-" db:"archive_flag"`
}

// Expired reports whether the dedupe window has passed at the given instant.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
