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

// Package webhook delivers terminal job notifications to client callback
// URLs. Delivery is best effort with a bounded retry budget; exhaustion is
// logged and never alters the job outcome.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tradefabric/swapcapture/core/types"
	"github.com/tradefabric/swapcapture/metrics"
)

// Defaults for the delivery policy.
const (
	DefaultWorkers        = 4
	DefaultQueueSize      = 256
	DefaultRequestTimeout = 30 * time.Second
	retryMax              = 3
)

// Payload is the JSON body POSTed to the callback URL.
type Payload struct {
	JobID       string              `json:"jobId"`
	Status      types.JobStatus     `json:"status"`
	Progress    int                 `json:"progress"`
	Message     string              `json:"message,omitempty"`
	TradeID     string              `json:"tradeId,omitempty"`
	TradeStatus types.PositionState `json:"tradeStatus,omitempty"`
	SwapBlotter *types.SwapBlotter  `json:"swapBlotter,omitempty"`
	Error       *types.ErrorDetail  `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

type delivery struct {
	url     string
	payload Payload
}

// Config tunes the dispatcher.
type Config struct {
	Workers   int     `toml:",omitempty"`
	QueueSize int     `toml:",omitempty"`
	RatePerS  float64 `toml:",omitempty"`
}

// Dispatcher runs a bounded worker pool over a delivery queue with an
// egress rate limiter in front of the wire.
type Dispatcher struct {
	client  *retryablehttp.Client
	queue   chan delivery
	limiter *rate.Limiter
	log     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds and starts a dispatcher.
func New(cfg Config, log *zap.SugaredLogger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	limit := rate.Inf
	if cfg.RatePerS > 0 {
		limit = rate.Limit(cfg.RatePerS)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.HTTPClient.Timeout = DefaultRequestTimeout
	client.Logger = nil
	// Linear backoff: 1s, 2s, 3s between attempts.
	client.Backoff = func(min, max time.Duration, attempt int, _ *http.Response) time.Duration {
		return time.Duration(attempt+1) * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		client:  client,
		queue:   make(chan delivery, cfg.QueueSize),
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// NotifyJob enqueues a delivery for a terminal job. Jobs without a
// callback URL are skipped. A full queue drops the delivery with a log
// line; the job outcome is already durable.
func (d *Dispatcher) NotifyJob(job *types.Job, blotter *types.SwapBlotter) {
	if job.CallbackURL == "" {
		return
	}
	p := Payload{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		Message:     job.Message,
		TradeID:     job.TradeID,
		TradeStatus: job.TradeStatus,
		SwapBlotter: blotter,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
	select {
	case d.queue <- delivery{url: job.CallbackURL, payload: p}:
	default:
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		d.log.Errorw("Webhook queue full, dropping delivery", "jobId", job.ID, "url", job.CallbackURL)
	}
}

// Close stops the workers after the queue drains.
func (d *Dispatcher) Close() {
	close(d.queue)
	d.wg.Wait()
	d.cancel()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for del := range d.queue {
		if err := d.limiter.Wait(d.ctx); err != nil {
			return
		}
		d.send(del)
	}
}

func (d *Dispatcher) send(del delivery) {
	body, err := json.Marshal(del.payload)
	if err != nil {
		d.log.Errorw("Webhook payload marshal failed", "jobId", del.payload.JobID, "err", err)
		return
	}
	req, err := retryablehttp.NewRequestWithContext(d.ctx, http.MethodPost, del.url, bytes.NewReader(body))
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		d.log.Errorw("Webhook request build failed", "jobId", del.payload.JobID, "url", del.url, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		d.log.Errorw("Webhook delivery exhausted retries",
			"jobId", del.payload.JobID, "url", del.url, "err", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		return
	}
	metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
	d.log.Errorw("Webhook delivery refused",
		"jobId", del.payload.JobID, "url", del.url, "status", resp.StatusCode)
}
