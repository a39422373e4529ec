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

package backpressure

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAdmitAPIRejectsAtCapacity(t *testing.T) {
	c := New(Config{APICapacity: 2}, zap.NewNop().Sugar())

	rel1, ok := c.AdmitAPI()
	require.True(t, ok)
	_, ok = c.AdmitAPI()
	require.True(t, ok)

	_, ok = c.AdmitAPI()
	require.False(t, ok)

	rel1()
	rel3, ok := c.AdmitAPI()
	require.True(t, ok)
	rel3()
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := New(Config{APICapacity: 1}, zap.NewNop().Sugar())

	rel, ok := c.AdmitAPI()
	require.True(t, ok)
	rel()
	rel() // second call must not free a slot twice

	rel2, ok := c.AdmitAPI()
	require.True(t, ok)
	_, ok = c.AdmitAPI()
	require.False(t, ok)
	rel2()
}

func TestConsumerPausesOnLagAndDepth(t *testing.T) {
	lag, depth := int64(0), 0
	c := New(Config{MaxLag: 100, MaxQueueDepth: 10}, zap.NewNop().Sugar())
	c.LagFn = func() int64 { return lag }
	c.DepthFn = func() int { return depth }

	require.False(t, c.ConsumerShouldPause())

	lag = 101
	require.True(t, c.ConsumerShouldPause())
	require.True(t, c.Status().ConsumerPaused)

	lag = 0
	depth = 11
	require.True(t, c.ConsumerShouldPause())

	depth = 0
	require.False(t, c.ConsumerShouldPause())
	require.False(t, c.Status().ConsumerPaused)
}

func TestStatusSnapshot(t *testing.T) {
	c := New(Config{APICapacity: 5}, zap.NewNop().Sugar())
	rel, ok := c.AdmitAPI()
	require.True(t, ok)
	defer rel()

	st := c.Status()
	require.Equal(t, int64(1), st.APIInFlight)
	require.Equal(t, int64(5), st.APICapacity)
}
