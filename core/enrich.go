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

package core

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/core/types"
)

// Enrichment is what the reference-data service contributed to a trade.
type Enrichment struct {
	Status  types.EnrichmentStatus
	Payload json.RawMessage
}

// Enricher joins reference data onto a trade payload. Implementations must
// honor the context deadline.
type Enricher interface {
	Enrich(ctx context.Context, req *types.TradeRequest) (Enrichment, error)
}

// NoopEnricher passes the payload through untouched, marking it COMPLETE.
// Used when no reference-data service is configured.
type NoopEnricher struct{}

func (NoopEnricher) Enrich(_ context.Context, req *types.TradeRequest) (Enrichment, error) {
	return Enrichment{Status: types.EnrichmentComplete, Payload: req.Payload}, nil
}

// DefaultEnrichTimeout bounds one reference-data call.
const DefaultEnrichTimeout = 5 * time.Second

// HTTPEnricher calls a reference-data service over HTTP, guarded by a
// circuit breaker so a dead service fails trades fast instead of burning
// the lock TTL on timeouts.
type HTTPEnricher struct {
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	log      *zap.SugaredLogger
}

// NewHTTPEnricher builds an enricher against the given endpoint. A zero
// timeout means DefaultEnrichTimeout.
func NewHTTPEnricher(endpoint string, timeout time.Duration, log *zap.SugaredLogger) *HTTPEnricher {
	if timeout <= 0 {
		timeout = DefaultEnrichTimeout
	}
	return &HTTPEnricher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "enrichment",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warnw("Enrichment breaker state change", "from", from.String(), "to", to.String())
			},
		}),
		log: log,
	}
}

type enrichResponse struct {
	Status  types.EnrichmentStatus `json:"status"`
	Payload json.RawMessage        `json:"payload"`
}

// Enrich posts the trade to the reference-data service. Transport and
// server failures come back as ENRICHMENT_FAILED; a PARTIAL response is a
// success with degraded data.
func (e *HTTPEnricher) Enrich(ctx context.Context, req *types.TradeRequest) (Enrichment, error) {
	out, err := e.breaker.Execute(func() (interface{}, error) {
		body, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return nil, types.Coded(types.CodeEnrichmentFailed, "reference-data service returned %d", resp.StatusCode)
		}
		var decoded enrichResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return nil, err
		}
		return decoded, nil
	})
	if err != nil {
		return Enrichment{}, types.CodedWrap(types.CodeEnrichmentFailed, err, "enrichment call failed")
	}
	decoded := out.(enrichResponse)
	status := decoded.Status
	if status == "" {
		status = types.EnrichmentComplete
	}
	payload := decoded.Payload
	if len(payload) == 0 {
		payload = req.Payload
	}
	return Enrichment{Status: status, Payload: payload}, nil
}
