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

// Package metrics registers the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TradesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swapcapture", Subsystem: "pipeline", Name: "trades_total",
		Help: "Trades finished by the pipeline, by outcome.",
	}, []string{"outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "swapcapture", Subsystem: "pipeline", Name: "stage_seconds",
		Help:    "Wall time per pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"stage"})

	StageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swapcapture", Subsystem: "pipeline", Name: "stage_retries_total",
		Help: "Transient-error retries per pipeline stage.",
	}, []string{"stage"})

	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "swapcapture", Subsystem: "dispatcher", Name: "lock_wait_seconds",
		Help:    "Time spent waiting for the partition lock.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	DispatcherDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "swapcapture", Subsystem: "dispatcher", Name: "queue_depth",
		Help: "Requests waiting in partition queues.",
	})

	SequencerBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "swapcapture", Subsystem: "sequencer", Name: "buffered",
		Help: "Out-of-order requests held in reorder buffers.",
	})

	SequencerGapReleases = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "swapcapture", Subsystem: "sequencer", Name: "gap_releases_total",
		Help: "Entries released past an unfilled sequence gap.",
	})

	APIRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "swapcapture", Subsystem: "backpressure", Name: "api_rejections_total",
		Help: "API submissions refused at the admission gate.",
	})

	ConsumerPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "swapcapture", Subsystem: "backpressure", Name: "consumer_paused",
		Help: "Whether the queue consumer is currently paused.",
	})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swapcapture", Subsystem: "webhook", Name: "deliveries_total",
		Help: "Webhook delivery attempts by result.",
	}, []string{"result"})

	PublishDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "swapcapture", Subsystem: "publish", Name: "dropped_total",
		Help: "Blotter events dropped on slow downstream subscribers.",
	})
)
