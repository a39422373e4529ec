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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/backpressure"
	"github.com/tradefabric/swapcapture/cachedb/memorydb"
	"github.com/tradefabric/swapcapture/core"
	"github.com/tradefabric/swapcapture/core/types"
	"github.com/tradefabric/swapcapture/jobs"
	"github.com/tradefabric/swapcapture/store"
)

type fakeSubmitter struct {
	jobs     *jobs.Registry
	reqs     []*types.TradeRequest
	fail     error
	statuses []core.PartitionStatus
}

func (f *fakeSubmitter) Submit(ctx context.Context, req *types.TradeRequest) (*types.Job, error) {
	req.Sanitize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if f.fail != nil {
		return nil, f.fail
	}
	f.reqs = append(f.reqs, req)
	return f.jobs.Create(ctx, req)
}

func (f *fakeSubmitter) SequencerStatus() []core.PartitionStatus { return f.statuses }

type fakeBlotters map[string]*types.SwapBlotter

func (f fakeBlotters) Get(_ context.Context, tradeID string) (*types.SwapBlotter, error) {
	b, ok := f[tradeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return b, nil
}

func newTestServer(t *testing.T, gateCapacity int64) (*Server, *fakeSubmitter, fakeBlotters) {
	t.Helper()
	log := zap.NewNop().Sugar()
	registry := jobs.New(memorydb.New(), time.Hour, log)
	sub := &fakeSubmitter{jobs: registry}
	blotters := fakeBlotters{}
	gate := backpressure.New(backpressure.Config{APICapacity: gateCapacity}, log)
	return NewServer(sub, registry, blotters, gate, log), sub, blotters
}

const testCallback = "https://client.example/cb"

func postJSON(t *testing.T, s *Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Callback-Url", testCallback)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func validTrade() map[string]interface{} {
	return map[string]interface{}{
		"tradeId":      "T1",
		"partitionKey": "A_B_C",
		"payload":      map[string]interface{}{"notional": 100, "currency": "USD"},
	}
}

func TestCaptureAccepted(t *testing.T) {
	s, sub, _ := newTestServer(t, 10)
	rec := postJSON(t, s, "/api/v1/trades/capture", validTrade())
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	require.Equal(t, "/api/v1/trades/jobs/"+resp.JobID+"/status", resp.StatusURL)
	require.Len(t, sub.reqs, 1)
	require.Equal(t, types.SourceAPI, sub.reqs[0].Source)
	require.Equal(t, testCallback, sub.reqs[0].CallbackURL)
}

func TestCaptureHeaderOverrides(t *testing.T) {
	s, sub, _ := newTestServer(t, 10)
	raw, err := json.Marshal(map[string]interface{}{
		"tradeId":        "T1",
		"partitionKey":   "A_B_C",
		"idempotencyKey": "body-key",
		"callbackUrl":    "https://body.example/cb",
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trades/capture", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Callback-Url", "https://header.example/cb")
	req.Header.Set("Idempotency-Key", "header-key")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "https://header.example/cb", sub.reqs[0].CallbackURL)
	require.Equal(t, "header-key", sub.reqs[0].IdempotencyKey)
}

func TestCaptureRequiresCallback(t *testing.T) {
	s, _, _ := newTestServer(t, 10)
	raw, err := json.Marshal(validTrade())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trades/capture", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "callback")
}

func TestManualEntryTagsSource(t *testing.T) {
	s, sub, _ := newTestServer(t, 10)
	rec := postJSON(t, s, "/api/v1/trades/manual-entry", validTrade())
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, types.SourceManual, sub.reqs[0].Source)
}

func TestCaptureValidationError(t *testing.T) {
	s, _, _ := newTestServer(t, 10)
	rec := postJSON(t, s, "/api/v1/trades/capture", map[string]interface{}{"tradeId": "T1", "partitionKey": "bad"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
}

func TestCaptureDuplicateConflict(t *testing.T) {
	s, sub, _ := newTestServer(t, 10)
	sub.fail = &core.ErrDuplicateSubmission{Blotter: &types.SwapBlotter{TradeID: "T1", State: types.StateFormed}}
	rec := postJSON(t, s, "/api/v1/trades/capture", validTrade())
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "DUPLICATE_TRADE_ID")
	require.Contains(t, rec.Body.String(), `"tradeId":"T1"`)
}

func TestSaturationReturns503WithRetryAfter(t *testing.T) {
	s, _, _ := newTestServer(t, 0) // capacity 0 sanitizes to default; force saturation instead
	gate := backpressure.New(backpressure.Config{APICapacity: 1}, zap.NewNop().Sugar())
	s.gate = gate
	release, ok := gate.AdmitAPI()
	require.True(t, ok)
	defer release()

	rec := postJSON(t, s, "/api/v1/trades/capture", validTrade())
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "5", rec.Header().Get("Retry-After"))

	// Health stays reachable under saturation.
	health := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	hrec := httptest.NewRecorder()
	s.Handler().ServeHTTP(hrec, health)
	require.Equal(t, http.StatusOK, hrec.Code)
}

func TestHealthBody(t *testing.T) {
	s, _, _ := newTestServer(t, 10)
	for _, path := range []string{"/api/v1/health", "/health"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, "ok", body["status"])
		require.Equal(t, "swapcapture", body["service"])
		require.NotEmpty(t, body["timestamp"])
	}
}

func TestBlotterLookup(t *testing.T) {
	s, _, blotters := newTestServer(t, 10)
	blotters["T1"] = &types.SwapBlotter{TradeID: "T1", State: types.StateFormed}

	// Canonical path plus the operator alias.
	for _, path := range []string{"/api/v1/trades/capture/T1", "/api/v1/blotter/T1"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), `"tradeId":"T1"`)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trades/capture/missing", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobStatusAndCancel(t *testing.T) {
	s, _, _ := newTestServer(t, 10)
	rec := postJSON(t, s, "/api/v1/trades/capture", validTrade())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	req := httptest.NewRequest(http.MethodGet, resp.StatusURL, nil)
	getRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(getRec, req)
	require.Equal(t, http.StatusOK, getRec.Code)
	require.Contains(t, getRec.Body.String(), "PENDING")

	// Alias path serves the same job.
	getRec = httptest.NewRecorder()
	s.Handler().ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+resp.JobID, nil))
	require.Equal(t, http.StatusOK, getRec.Code)

	del := httptest.NewRequest(http.MethodDelete, "/api/v1/trades/jobs/"+resp.JobID, nil)
	delRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(delRec, del)
	require.Equal(t, http.StatusOK, delRec.Code)
	require.Contains(t, delRec.Body.String(), "CANCELLED")

	// A second cancel hits a terminal job.
	delRec = httptest.NewRecorder()
	s.Handler().ServeHTTP(delRec, httptest.NewRequest(http.MethodDelete, "/api/v1/trades/jobs/"+resp.JobID, nil))
	require.Equal(t, http.StatusConflict, delRec.Code)
	require.Contains(t, delRec.Body.String(), "NOT_CANCELLABLE")
}

func TestJobStatusUnknown(t *testing.T) {
	s, _, _ := newTestServer(t, 10)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/trades/jobs/nope/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func uploadRequest(t *testing.T, s *Server, body *bytes.Buffer, ctype string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trades/upload", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("X-Callback-Url", testCallback)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func multipartUpload(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadCSV(t *testing.T) {
	s, sub, _ := newTestServer(t, 10)
	csv := "tradeId,partitionKey,idempotencyKey,sequenceNumber,payload\n" +
		"T1,A_B_C,,1,\"{\"\"notional\"\":100,\"\"currency\"\":\"\"USD\"\"}\"\n" +
		"T2,A_B_C,,2,\n"
	body, ctype := multipartUpload(t, "trades.csv", csv)
	rec := uploadRequest(t, s, body, ctype)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var result uploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotEmpty(t, result.JobID)
	require.Equal(t, uploadSummary{Total: 2, Valid: 2, Published: 2}, result.Summary)
	require.Len(t, sub.reqs, 2)
	require.Equal(t, types.SourceFile, sub.reqs[0].Source)
	require.Equal(t, uint64(1), sub.reqs[0].SequenceNumber)
	// The batch header covers rows without their own callback.
	require.Equal(t, testCallback, sub.reqs[0].CallbackURL)
}

func TestUploadJSONL(t *testing.T) {
	s, _, _ := newTestServer(t, 10)
	jsonl := `{"tradeId":"T1","partitionKey":"A_B_C"}` + "\n" +
		`{"tradeId":"T2","partitionKey":"A_B_C"}` + "\n"
	body, ctype := multipartUpload(t, "trades.jsonl", jsonl)
	rec := uploadRequest(t, s, body, ctype)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var result uploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, 2, result.Summary.Published)
}

func TestUploadRowLimit(t *testing.T) {
	s, _, _ := newTestServer(t, 10)
	var sb strings.Builder
	for i := 0; i <= MaxUploadRows; i++ {
		sb.WriteString(`{"tradeId":"T","partitionKey":"A_B_C"}` + "\n")
	}
	body, ctype := multipartUpload(t, "big.jsonl", sb.String())
	rec := uploadRequest(t, s, body, ctype)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "limit")
}

func TestUploadUnsupportedType(t *testing.T) {
	s, _, _ := newTestServer(t, 10)
	body, ctype := multipartUpload(t, "trades.txt", "data")
	rec := uploadRequest(t, s, body, ctype)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadPartialBatch(t *testing.T) {
	s, _, _ := newTestServer(t, 10)
	jsonl := `{"tradeId":"T1","partitionKey":"A_B_C"}` + "\n" +
		`{"tradeId":"","partitionKey":"A_B_C"}` + "\n"
	body, ctype := multipartUpload(t, "trades.jsonl", jsonl)
	rec := uploadRequest(t, s, body, ctype)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var result uploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, uploadSummary{Total: 2, Valid: 1, Invalid: 1, Published: 1}, result.Summary)
	require.Equal(t, 2, result.Errors[0].Row)
}

func TestBackpressureStatusEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, 10)
	for _, path := range []string{"/api/v1/backpressure/status", "/api/v1/backpressure"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), "apiCapacity")
	}
}
