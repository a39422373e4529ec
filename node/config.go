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

package node

import (
	"fmt"
	"time"

	"github.com/tradefabric/swapcapture/backpressure"
	"github.com/tradefabric/swapcapture/cachedb/redisdb"
	"github.com/tradefabric/swapcapture/core"
	"github.com/tradefabric/swapcapture/queue"
	"github.com/tradefabric/swapcapture/webhook"
)

// CacheConfig selects and tunes the cache/lock backend.
type CacheConfig struct {
	// Backend is "redis" or "memory".
	Backend string
	Redis   redisdb.Config
}

// SequencerConfig tunes the reorder buffer.
type SequencerConfig struct {
	HoldDeadline time.Duration `toml:",omitempty"`
	// Policy is "release" or "stale".
	Policy string `toml:",omitempty"`
}

// EnrichmentConfig points at the reference-data service. An empty endpoint
// selects the pass-through enricher.
type EnrichmentConfig struct {
	Endpoint string        `toml:",omitempty"`
	Timeout  time.Duration `toml:",omitempty"`
}

// Config is the full node configuration, loadable from TOML.
type Config struct {
	// HTTPAddr is the REST listen address.
	HTTPAddr string

	// DatabaseDSN is the Postgres connection string.
	DatabaseDSN string

	Cache      CacheConfig
	Sequencer  SequencerConfig
	Enrichment EnrichmentConfig

	// RulesPath is the JSON rule-set file; empty disables rules.
	RulesPath string `toml:",omitempty"`

	// DedupeWindow is the idempotency window.
	DedupeWindow time.Duration `toml:",omitempty"`

	// JobTTL bounds how long job records stay queryable.
	JobTTL time.Duration `toml:",omitempty"`

	// SweepInterval paces the idempotency archive sweeper.
	SweepInterval time.Duration `toml:",omitempty"`

	Dispatcher   core.DispatcherConfig
	Backpressure backpressure.Config
	Webhook      webhook.Config

	// Queue enables the AMQP ingress when URL is set.
	Queue queue.ConsumerConfig
}

// DefaultConfig is the starting point the CLI layers flags onto.
var DefaultConfig = Config{
	HTTPAddr: ":8080",
	Cache:    CacheConfig{Backend: "memory"},
	Sequencer: SequencerConfig{
		HoldDeadline: core.DefaultHoldDeadline,
		Policy:       string(core.HoldPolicyRelease),
	},
	SweepInterval: time.Hour,
}

// Sanitize validates the cross-field constraints.
func (c *Config) Sanitize() error {
	switch c.Cache.Backend {
	case "redis", "memory":
	case "":
		c.Cache.Backend = "memory"
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch core.HoldPolicy(c.Sequencer.Policy) {
	case core.HoldPolicyRelease, core.HoldPolicyStale, "":
	default:
		return fmt.Errorf("unknown sequencer policy %q", c.Sequencer.Policy)
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = DefaultConfig.HTTPAddr
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	return nil
}
