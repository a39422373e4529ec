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

package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/core/types"
)

func terminalJob(url string) *types.Job {
	now := time.Now().UTC()
	return &types.Job{
		ID:          "job-1",
		TradeID:     "T1",
		Source:      types.SourceAPI,
		Status:      types.JobCompleted,
		Progress:    100,
		TradeStatus: types.StateFormed,
		CreatedAt:   now,
		UpdatedAt:   now,
		CallbackURL: url,
	}
}

func TestNotifyDeliversPayload(t *testing.T) {
	got := make(chan Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		got <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Config{Workers: 1}, zap.NewNop().Sugar())
	d.NotifyJob(terminalJob(srv.URL), &types.SwapBlotter{TradeID: "T1", State: types.StateFormed})
	d.Close()

	select {
	case p := <-got:
		require.Equal(t, "job-1", p.JobID)
		require.Equal(t, types.JobCompleted, p.Status)
		require.Equal(t, types.StateFormed, p.TradeStatus)
		require.NotNil(t, p.SwapBlotter)
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestNotifyRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Config{Workers: 1}, zap.NewNop().Sugar())
	d.NotifyJob(terminalJob(srv.URL), nil)
	d.Close()

	require.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestNotifySkipsJobsWithoutCallback(t *testing.T) {
	d := New(Config{Workers: 1}, zap.NewNop().Sugar())
	job := terminalJob("")
	d.NotifyJob(job, nil)
	d.Close()
}
