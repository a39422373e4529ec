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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRequiresCallback(t *testing.T) {
	req := &TradeRequest{TradeID: "T1", PartitionKey: "A_B_C", Source: SourceAPI}
	req.Sanitize()
	err := req.Validate()
	require.Equal(t, CodeValidation, CodeOf(err))
	require.Contains(t, err.Error(), "callback")

	req.CallbackURL = "https://client.example/cb"
	require.NoError(t, req.Validate())
}

func TestValidateQueueSubmissionsSkipCallback(t *testing.T) {
	req := &TradeRequest{TradeID: "T1", PartitionKey: "A_B_C", Source: SourceQueue}
	req.Sanitize()
	require.NoError(t, req.Validate())
}

func TestValidateRejectsRelativeCallback(t *testing.T) {
	req := &TradeRequest{TradeID: "T1", PartitionKey: "A_B_C", Source: SourceAPI, CallbackURL: "/cb"}
	req.Sanitize()
	require.Equal(t, CodeValidation, CodeOf(req.Validate()))
}

func TestValidatePartitionKeyShape(t *testing.T) {
	req := &TradeRequest{TradeID: "T1", PartitionKey: "bad", Source: SourceAPI,
		CallbackURL: "https://client.example/cb"}
	req.Sanitize()
	require.Equal(t, CodeValidation, CodeOf(req.Validate()))
}

func TestSanitizeDefaultsIdempotencyKey(t *testing.T) {
	req := &TradeRequest{TradeID: "T1", PartitionKey: "A_B_C", Source: SourceQueue}
	req.Sanitize()
	require.Equal(t, "T1", req.IdempotencyKey)
	require.False(t, req.ReceivedAt.IsZero())
}
