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
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Source tags the upstream channel a trade arrived through.
type Source string

const (
	SourceAutomated Source = "AUTOMATED"
	SourceManual    Source = "MANUAL"
	SourceFile      Source = "FILE"
	SourceAPI       Source = "API"
	SourceQueue     Source = "QUEUE"
)

// Valid reports whether s is a known source tag.
func (s Source) Valid() bool {
	switch s {
	case SourceAutomated, SourceManual, SourceFile, SourceAPI, SourceQueue:
		return true
	}
	return false
}

var validate = validator.New()

// TradeRequest is the canonical ingress message. All transport adapters
// (REST, queue, file upload) normalize into this form before submission and
// the request is immutable afterwards.
//
// SequenceNumber zero means the partition carries no upstream sequencing and
// the request bypasses the reorder buffer.
type TradeRequest struct {
	TradeID        string          `json:"tradeId" validate:"required"`
	PartitionKey   string          `json:"partitionKey" validate:"required"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	SequenceNumber uint64          `json:"sequenceNumber,omitempty"`
	BookingTime    *time.Time      `json:"bookingTimestamp,omitempty"`
	Source         Source          `json:"source" validate:"required"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CallbackURL    string          `json:"callbackUrl,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`

	// ReceivedAt is stamped by the ingress adapter and is not part of the
	// client-visible message.
	ReceivedAt time.Time `json:"-"`
}

// PartitionKeyOf derives the serialization domain for a trade.
func PartitionKeyOf(accountID, bookID, securityID string) string {
	return accountID + "_" + bookID + "_" + securityID
}

// Sanitize fills derivable fields: the idempotency key defaults to the trade
// id and the receive timestamp is stamped if the adapter did not.
func (r *TradeRequest) Sanitize() {
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = r.TradeID
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}
}

// Validate enforces the ingress invariants: non-empty tradeId, partitionKey
// and idempotencyKey, a known source, sequence >= 1 when present, and an
// absolute callback URL. Every path is asynchronous, so the callback is
// mandatory except for queue submissions, whose outcome rides the egress
// topic instead. Violations come back as VALIDATION_ERROR.
func (r *TradeRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return CodedWrap(CodeValidation, err, "missing required fields")
	}
	if r.IdempotencyKey == "" {
		return Coded(CodeValidation, "idempotency key must not be empty")
	}
	if !r.Source.Valid() {
		return Coded(CodeValidation, "unknown source %q", r.Source)
	}
	if strings.Count(r.PartitionKey, "_") < 2 {
		return Coded(CodeValidation, "partition key %q is not of the form account_book_security", r.PartitionKey)
	}
	if r.CallbackURL == "" {
		if r.Source != SourceQueue {
			return Coded(CodeValidation, "callback url required for %s submissions", r.Source)
		}
		return nil
	}
	u, err := url.Parse(r.CallbackURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return Coded(CodeValidation, "callback url %q is not absolute", r.CallbackURL)
	}
	return nil
}

// Sequenced reports whether the request participates in per-partition
// sequence ordering.
func (r *TradeRequest) Sequenced() bool { return r.SequenceNumber > 0 }
