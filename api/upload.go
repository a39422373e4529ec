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
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/xuri/excelize/v2"

	"github.com/tradefabric/swapcapture/core/types"
)

// MaxUploadRows caps the number of trades per file.
const MaxUploadRows = 5000

// maxUploadBytes caps the multipart body.
const maxUploadBytes = 64 << 20

// uploadResult is the batch acknowledgement: one batch id plus the row
// accounting. Valid counts rows that passed validation; published counts
// those actually enqueued (a valid duplicate row is not published).
type uploadResult struct {
	JobID   string           `json:"jobId"`
	Summary uploadSummary    `json:"summary"`
	Jobs    []submitResponse `json:"jobs"`
	Errors  []uploadError    `json:"errors,omitempty"`
}

type uploadSummary struct {
	Total     int `json:"total"`
	Valid     int `json:"valid"`
	Invalid   int `json:"invalid"`
	Published int `json:"published"`
}

type uploadError struct {
	Row   int               `json:"row"`
	Error types.ErrorDetail `json:"error"`
}

// upload ingests a CSV, JSON, JSONL or XLSX file of trades. Each row
// becomes an independent asynchronous submission; row failures do not
// abort the batch.
func (s *Server) upload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest,
			types.CodedWrap(types.CodeValidation, err, "multipart field 'file' required"))
		return
	}
	defer file.Close()

	var reqs []*types.TradeRequest
	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".csv":
		reqs, err = parseCSV(file)
	case ".json":
		reqs, err = parseJSON(file)
	case ".jsonl":
		reqs, err = parseJSONL(file)
	case ".xlsx":
		reqs, err = parseXLSX(file)
	default:
		s.writeError(w, http.StatusBadRequest,
			types.Coded(types.CodeValidation, "unsupported file type %q", filepath.Ext(header.Filename)))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, types.CodedWrap(types.CodeValidation, err, "file parse failed"))
		return
	}
	if len(reqs) == 0 {
		s.writeError(w, http.StatusBadRequest, types.Coded(types.CodeValidation, "file contains no trades"))
		return
	}
	if len(reqs) > MaxUploadRows {
		s.writeError(w, http.StatusBadRequest,
			types.Coded(types.CodeValidation, "file has %d rows, limit is %d", len(reqs), MaxUploadRows))
		return
	}

	result := uploadResult{
		JobID:   uuid.NewString(),
		Summary: uploadSummary{Total: len(reqs)},
		Jobs:    make([]submitResponse, 0, len(reqs)),
	}
	// The batch-level callback header covers rows that carry none of their
	// own. The idempotency header stays per-row: sharing one key across a
	// batch would collapse it into a single trade.
	callback := r.Header.Get("X-Callback-Url")
	for i, req := range reqs {
		req.Source = types.SourceFile
		if req.CallbackURL == "" {
			req.CallbackURL = callback
		}
		job, err := s.submitter.Submit(r.Context(), req)
		if err != nil {
			if types.CodeOf(err) == types.CodeValidation {
				result.Summary.Invalid++
			}
			result.Errors = append(result.Errors, uploadError{Row: i + 1, Error: *types.DetailOf(err)})
			continue
		}
		result.Summary.Published++
		result.Jobs = append(result.Jobs, submitResponse{JobID: job.ID, StatusURL: statusPath(job.ID)})
	}
	result.Summary.Valid = result.Summary.Total - result.Summary.Invalid
	s.writeJSON(w, http.StatusAccepted, result)
}

// Column layout shared by CSV and XLSX:
// tradeId, partitionKey, idempotencyKey, sequenceNumber, payload
func rowToRequest(row []string) (*types.TradeRequest, error) {
	if len(row) < 2 {
		return nil, types.Coded(types.CodeValidation, "row needs at least tradeId and partitionKey")
	}
	get := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}
	req := &types.TradeRequest{
		TradeID:        get(0),
		PartitionKey:   get(1),
		IdempotencyKey: get(2),
	}
	if raw := get(3); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, types.CodedWrap(types.CodeValidation, err, "bad sequence number %q", raw)
		}
		req.SequenceNumber = seq
	}
	if raw := get(4); raw != "" {
		if !json.Valid([]byte(raw)) {
			return nil, types.Coded(types.CodeValidation, "payload column is not valid JSON")
		}
		req.Payload = json.RawMessage(raw)
	}
	return req, nil
}

func isHeaderRow(row []string) bool {
	return len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), "tradeId")
}

func parseCSV(r io.Reader) ([]*types.TradeRequest, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	var out []*types.TradeRequest
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if len(out) == 0 && isHeaderRow(row) {
			continue
		}
		req, err := rowToRequest(row)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
}

func parseJSON(r io.Reader) ([]*types.TradeRequest, error) {
	var out []*types.TradeRequest
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseJSONL(r io.Reader) ([]*types.TradeRequest, error) {
	var out []*types.TradeRequest
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var req types.TradeRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, err
		}
		out = append(out, &req)
	}
	return out, scanner.Err()
}

func parseXLSX(r io.Reader) ([]*types.TradeRequest, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, err
	}
	var out []*types.TradeRequest
	for _, row := range rows {
		if len(out) == 0 && isHeaderRow(row) {
			continue
		}
		if len(row) == 0 {
			continue
		}
		req, err := rowToRequest(row)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}
