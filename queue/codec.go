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

// Package queue implements the AMQP ingress: the wire codec for trade
// records and a consumer that feeds the dispatcher, pausing under
// backpressure.
package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tradefabric/swapcapture/core/types"
)

// recordVersion is the first byte of every encoded record.
const recordVersion = 1

// TopicRoot is the routing-key prefix all capture input travels under.
const TopicRoot = "trade.capture.input"

// ErrBadRecord marks an undecodable message; the consumer dead-letters it.
var ErrBadRecord = errors.New("queue: malformed trade record")

// SanitizeTopic maps a partition key to its routing-key segment. Anything
// outside [A-Za-z0-9_-] becomes an underscore.
func SanitizeTopic(partitionKey string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, partitionKey)
}

// TopicFor is the routing key a trade is published under.
func TopicFor(partitionKey string) string {
	return TopicRoot + "." + SanitizeTopic(partitionKey)
}

// EncodeRecord serializes a trade request into the length-prefixed binary
// form: a version byte, uvarint-length strings and presence-flagged
// optionals.
func EncodeRecord(req *types.TradeRequest) []byte {
	buf := make([]byte, 1, 256)
	buf[0] = recordVersion
	buf = appendString(buf, req.TradeID)
	buf = appendString(buf, req.PartitionKey)
	buf = appendString(buf, req.IdempotencyKey)
	buf = binary.AppendUvarint(buf, req.SequenceNumber)
	if req.BookingTime != nil {
		buf = append(buf, 1)
		buf = binary.AppendVarint(buf, req.BookingTime.UnixNano())
	} else {
		buf = append(buf, 0)
	}
	buf = appendString(buf, string(req.Source))
	buf = appendBytes(buf, req.Payload)
	buf = appendString(buf, req.CallbackURL)
	buf = appendString(buf, req.CorrelationID)
	return buf
}

// DecodeRecord parses a binary trade record. Any structural violation
// yields ErrBadRecord.
func DecodeRecord(raw []byte) (*types.TradeRequest, error) {
	if len(raw) < 1 {
		return nil, ErrBadRecord
	}
	if raw[0] != recordVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrBadRecord, raw[0])
	}
	r := &reader{buf: raw[1:]}
	req := &types.TradeRequest{}
	req.TradeID = r.string()
	req.PartitionKey = r.string()
	req.IdempotencyKey = r.string()
	req.SequenceNumber = r.uvarint()
	if r.byte() == 1 {
		ts := time.Unix(0, r.varint()).UTC()
		req.BookingTime = &ts
	}
	req.Source = types.Source(r.string())
	req.Payload = r.bytes()
	req.CallbackURL = r.string()
	req.CorrelationID = r.string()
	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, r.err)
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadRecord, len(r.buf))
	}
	return req, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = errors.New("truncated uvarint")
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		r.err = errors.New("truncated varint")
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 1 {
		r.err = errors.New("truncated flag")
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func (r *reader) bytes() []byte {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	if uint64(len(r.buf)) < n {
		r.err = errors.New("truncated field")
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.buf = r.buf[n:]
	if n == 0 {
		return nil
	}
	return out
}

func (r *reader) string() string { return string(r.bytes()) }
