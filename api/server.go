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

// Package api serves the REST ingress and operator surfaces.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/backpressure"
	"github.com/tradefabric/swapcapture/core"
	"github.com/tradefabric/swapcapture/core/types"
	"github.com/tradefabric/swapcapture/jobs"
	"github.com/tradefabric/swapcapture/store"
)

// retryAfterSeconds is the hint sent with 503 responses.
const retryAfterSeconds = "5"

// Submitter is the dispatcher surface the handlers use.
type Submitter interface {
	Submit(ctx context.Context, req *types.TradeRequest) (*types.Job, error)
	SequencerStatus() []core.PartitionStatus
}

// BlotterReader serves blotter lookups.
type BlotterReader interface {
	Get(ctx context.Context, tradeID string) (*types.SwapBlotter, error)
}

// Server is the HTTP surface. Build with NewServer and mount Handler.
type Server struct {
	submitter Submitter
	jobs      *jobs.Registry
	blotters  BlotterReader
	gate      *backpressure.Controller
	log       *zap.SugaredLogger
	handler   http.Handler
}

// NewServer wires the router. CORS is permissive on the API routes; the
// deployment fronts this with its own gateway policy.
func NewServer(submitter Submitter, registry *jobs.Registry, blotters BlotterReader,
	gate *backpressure.Controller, log *zap.SugaredLogger) *Server {
	s := &Server{
		submitter: submitter,
		jobs:      registry,
		blotters:  blotters,
		gate:      gate,
		log:       log,
	}
	router := httprouter.New()
	router.POST("/api/v1/trades/capture", s.gated(s.capture(types.SourceAPI)))
	router.POST("/api/v1/trades/manual-entry", s.gated(s.capture(types.SourceManual)))
	router.POST("/api/v1/trades/upload", s.gated(s.upload))
	router.GET("/api/v1/trades/capture/:tradeId", s.blotter)
	router.GET("/api/v1/trades/jobs/:jobId/status", s.jobStatus)
	router.DELETE("/api/v1/trades/jobs/:jobId", s.jobCancel)
	router.GET("/api/v1/backpressure/status", s.backpressureStatus)
	router.GET("/api/v1/health", s.health)
	router.GET("/api/v1/sequencer", s.sequencerStatus)
	// Short aliases kept for operator tooling.
	router.GET("/api/v1/blotter/:tradeId", s.blotter)
	router.GET("/api/v1/jobs/:jobId", s.jobStatus)
	router.DELETE("/api/v1/jobs/:jobId", s.jobCancel)
	router.GET("/api/v1/backpressure", s.backpressureStatus)
	router.GET("/health", s.health)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	s.handler = cors.AllowAll().Handler(router)
	return s
}

// Handler is the fully assembled HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// gated applies the API admission gate. Health, status and read paths
// bypass it.
func (s *Server) gated(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		release, ok := s.gate.AdmitAPI()
		if !ok {
			w.Header().Set("Retry-After", retryAfterSeconds)
			s.writeError(w, http.StatusServiceUnavailable,
				types.Coded(types.CodeServiceUnavailable, "api admission saturated"))
			return
		}
		defer release()
		h(w, r, p)
	}
}

type submitResponse struct {
	JobID     string `json:"jobId"`
	StatusURL string `json:"statusUrl"`
}

func statusPath(jobID string) string {
	return "/api/v1/trades/jobs/" + jobID + "/status"
}

// applyHeaders maps the ingress headers onto the request. Headers win over
// body fields.
func applyHeaders(r *http.Request, req *types.TradeRequest) {
	if cb := r.Header.Get("X-Callback-Url"); cb != "" {
		req.CallbackURL = cb
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
}

func (s *Server) capture(source types.Source) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req types.TradeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest,
				types.CodedWrap(types.CodeValidation, err, "malformed request body"))
			return
		}
		req.Source = source
		applyHeaders(r, &req)
		s.submit(w, r, &req)
	}
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req *types.TradeRequest) {
	job, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		s.submitError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:     job.ID,
		StatusURL: statusPath(job.ID),
	})
}

func (s *Server) submitError(w http.ResponseWriter, err error) {
	var dup *core.ErrDuplicateSubmission
	if errors.As(err, &dup) {
		s.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":   types.ErrorDetail{Code: types.CodeDuplicateTrade, Message: "trade already captured"},
			"blotter": dup.Blotter,
		})
		return
	}
	switch types.CodeOf(err) {
	case types.CodeValidation:
		s.writeError(w, http.StatusBadRequest, err)
	case types.CodeRateLimited, types.CodeServiceUnavailable:
		w.Header().Set("Retry-After", retryAfterSeconds)
		s.writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) blotter(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	b, err := s.blotters.Get(r.Context(), p.ByName("tradeId"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, types.Coded(types.CodeProcessing, "unknown trade"))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	job, err := s.jobs.Get(r.Context(), p.ByName("jobId"))
	if errors.Is(err, jobs.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, types.Coded(types.CodeProcessing, "unknown job"))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) jobCancel(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	job, err := s.jobs.Cancel(r.Context(), p.ByName("jobId"))
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		s.writeError(w, http.StatusNotFound, types.Coded(types.CodeProcessing, "unknown job"))
	case errors.Is(err, jobs.ErrNotCancellable):
		s.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error": types.ErrorDetail{Code: types.CodeProcessing, Message: "NOT_CANCELLABLE"},
			"job":   job,
		})
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) backpressureStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, s.gate.Status())
}

func (s *Server) sequencerStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, s.submitter.SequencerStatus())
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "swapcapture",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnw("Response write failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]*types.ErrorDetail{"error": types.DetailOf(err)})
}
