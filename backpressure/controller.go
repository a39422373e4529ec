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

// Package backpressure gates the two ingress paths: a bounded admission
// semaphore for the REST surface and a lag/depth check that pauses the
// queue consumer. Health and status endpoints bypass both gates.
package backpressure

import (
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/tradefabric/swapcapture/metrics"
)

// Defaults applied when the config leaves the knobs zero.
const (
	DefaultAPICapacity   = 1000
	DefaultHighWater     = 0.8
	DefaultMaxLag        = 10000
	DefaultMaxQueueDepth = 5000
)

// Config tunes the two gates.
type Config struct {
	APICapacity   int64   `toml:",omitempty"`
	HighWater     float64 `toml:",omitempty"`
	MaxLag        int64   `toml:",omitempty"`
	MaxQueueDepth int     `toml:",omitempty"`
}

func (c *Config) sanitize() {
	if c.APICapacity <= 0 {
		c.APICapacity = DefaultAPICapacity
	}
	if c.HighWater <= 0 || c.HighWater > 1 {
		c.HighWater = DefaultHighWater
	}
	if c.MaxLag <= 0 {
		c.MaxLag = DefaultMaxLag
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = DefaultMaxQueueDepth
	}
}

// Status is the operator snapshot served by the REST surface.
type Status struct {
	APIInFlight    int64 `json:"apiInFlight"`
	APICapacity    int64 `json:"apiCapacity"`
	QueueDepth     int   `json:"queueDepth"`
	MaxQueueDepth  int   `json:"maxQueueDepth"`
	ConsumerLag    int64 `json:"consumerLag"`
	MaxConsumerLag int64 `json:"maxConsumerLag"`
	ConsumerPaused bool  `json:"consumerPaused"`
}

// Controller implements both gates. DepthFn and LagFn are polled on each
// consumer check and for status snapshots; either may be nil.
type Controller struct {
	cfg Config
	sem *semaphore.Weighted
	log *zap.SugaredLogger

	inFlight atomic.Int64
	paused   atomic.Bool
	warned   atomic.Bool

	// DepthFn reports the dispatcher's total queued requests.
	DepthFn func() int

	// LagFn reports the queue consumer's lag.
	LagFn func() int64
}

// New builds a controller from cfg, filling in defaults.
func New(cfg Config, log *zap.SugaredLogger) *Controller {
	cfg.sanitize()
	return &Controller{
		cfg: cfg,
		sem: semaphore.NewWeighted(cfg.APICapacity),
		log: log,
	}
}

// AdmitAPI claims an admission slot for one REST request. The release
// closure must be called when the request leaves the handler. ok false
// means the caller must answer 503 with a retry hint.
func (c *Controller) AdmitAPI() (release func(), ok bool) {
	if !c.sem.TryAcquire(1) {
		metrics.APIRejected.Inc()
		return nil, false
	}
	n := c.inFlight.Add(1)
	if float64(n) >= float64(c.cfg.APICapacity)*c.cfg.HighWater {
		if c.warned.CompareAndSwap(false, true) {
			c.log.Warnw("API admission above high water", "inFlight", n, "capacity", c.cfg.APICapacity)
		}
	} else {
		c.warned.Store(false)
	}
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			c.inFlight.Add(-1)
			c.sem.Release(1)
		}
	}, true
}

// ConsumerShouldPause reports whether the queue consumer must stop
// fetching. The consumer calls this between deliveries and flips its AMQP
// flow accordingly.
func (c *Controller) ConsumerShouldPause() bool {
	lag := c.lag()
	depth := c.depth()
	pause := lag > c.cfg.MaxLag || depth > c.cfg.MaxQueueDepth
	if pause != c.paused.Swap(pause) {
		if pause {
			c.log.Warnw("Pausing queue consumer", "lag", lag, "queueDepth", depth)
			metrics.ConsumerPaused.Set(1)
		} else {
			c.log.Infow("Resuming queue consumer", "lag", lag, "queueDepth", depth)
			metrics.ConsumerPaused.Set(0)
		}
	}
	return pause
}

// Status snapshots both gates.
func (c *Controller) Status() Status {
	return Status{
		APIInFlight:    c.inFlight.Load(),
		APICapacity:    c.cfg.APICapacity,
		QueueDepth:     c.depth(),
		MaxQueueDepth:  c.cfg.MaxQueueDepth,
		ConsumerLag:    c.lag(),
		MaxConsumerLag: c.cfg.MaxLag,
		ConsumerPaused: c.paused.Load(),
	}
}

func (c *Controller) depth() int {
	if c.DepthFn == nil {
		return 0
	}
	return c.DepthFn()
}

func (c *Controller) lag() int64 {
	if c.LagFn == nil {
		return 0
	}
	return c.LagFn()
}
