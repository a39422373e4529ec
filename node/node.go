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

// Package node assembles the capture service: cache, store, pipeline,
// dispatcher, ingress surfaces and the background sweeper, with a single
// Start/Close lifecycle.
package node

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/api"
	"github.com/tradefabric/swapcapture/backpressure"
	"github.com/tradefabric/swapcapture/cachedb"
	"github.com/tradefabric/swapcapture/cachedb/memorydb"
	"github.com/tradefabric/swapcapture/cachedb/redisdb"
	"github.com/tradefabric/swapcapture/core"
	"github.com/tradefabric/swapcapture/core/rules"
	"github.com/tradefabric/swapcapture/core/types"
	"github.com/tradefabric/swapcapture/dedupe"
	"github.com/tradefabric/swapcapture/jobs"
	"github.com/tradefabric/swapcapture/queue"
	"github.com/tradefabric/swapcapture/store"
	"github.com/tradefabric/swapcapture/webhook"
)

// Node is the assembled capture service.
type Node struct {
	cfg Config
	log *zap.SugaredLogger

	cache      cachedb.Database
	db         *store.DB
	engine     *rules.Engine
	feed       *core.BlotterFeed
	dedupe     *dedupe.Store
	jobs       *jobs.Registry
	webhooks   *webhook.Dispatcher
	gate       *backpressure.Controller
	dispatcher *core.Dispatcher
	consumer   *queue.Consumer
	egress     *queue.EgressPublisher
	httpSrv    *http.Server

	faults    chan error
	stopSweep context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New assembles a node from the configuration. Nothing runs until Start.
func New(cfg Config, log *zap.SugaredLogger) (*Node, error) {
	if err := cfg.Sanitize(); err != nil {
		return nil, err
	}
	n := &Node{cfg: cfg, log: log, faults: make(chan error, 1)}

	var err error
	switch cfg.Cache.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		n.cache, err = redisdb.New(ctx, cfg.Cache.Redis)
		cancel()
		if err != nil {
			return nil, err
		}
	default:
		n.cache = memorydb.New()
	}

	n.db, err = store.Open(cfg.DatabaseDSN, log)
	if err != nil {
		n.cache.Close()
		return nil, err
	}

	n.engine, err = rules.NewEngine(cfg.RulesPath, log)
	if err != nil {
		n.teardown()
		return nil, err
	}

	n.feed = core.NewBlotterFeed(0, log)
	n.dedupe = dedupe.New(n.cache, n.db, cfg.DedupeWindow, log)
	n.jobs = jobs.New(n.cache, cfg.JobTTL, log)
	n.webhooks = webhook.New(cfg.Webhook, log)
	n.gate = backpressure.New(cfg.Backpressure, log)

	var enricher core.Enricher = core.NoopEnricher{}
	if cfg.Enrichment.Endpoint != "" {
		enricher = core.NewHTTPEnricher(cfg.Enrichment.Endpoint, cfg.Enrichment.Timeout, log)
	}

	pipeline := core.NewPipeline(log,
		core.QuickValidateStage{},
		core.EnrichStage{Enricher: enricher},
		core.RulesStage{Engine: n.engine},
		core.DeepValidateStage{},
		core.TransitionStage{},
		core.CommitStage{DB: n.db, Dedupe: n.dedupe, Log: log},
		core.PublishStage{Feed: n.feed},
	)
	seq := core.NewSequencer(cfg.Sequencer.HoldDeadline, core.HoldPolicy(cfg.Sequencer.Policy), log)
	n.dispatcher = core.NewDispatcher(cfg.Dispatcher, n.db.States, n.cache, n.dedupe, seq, n.jobs, pipeline, log)

	n.gate.DepthFn = n.dispatcher.Depth
	return n, nil
}

// Start migrates the schema and brings every subsystem up.
func (n *Node) Start() error {
	ctx := context.Background()
	if err := n.db.Migrate(ctx); err != nil {
		return err
	}

	n.jobs.OnTerminal = n.notifyTerminal
	n.dispatcher.Start()

	if n.cfg.Queue.URL != "" {
		consumer, err := queue.NewConsumer(n.cfg.Queue, n.dispatcher, n.gate, n.log)
		if err != nil {
			return err
		}
		n.consumer = consumer
		if err := consumer.Start(); err != nil {
			return err
		}
		n.egress, err = queue.NewEgressPublisher(consumer.Connection(), n.feed, n.log)
		if err != nil {
			return err
		}
	}

	server := api.NewServer(n.dispatcher, n.jobs, n.db.Blotters, n.gate, n.log)
	n.httpSrv = &http.Server{Addr: n.cfg.HTTPAddr, Handler: server.Handler()}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.log.Infow("HTTP server listening", "addr", n.cfg.HTTPAddr)
		if err := n.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case n.faults <- err:
			default:
			}
		}
	}()

	sweepCtx, cancel := context.WithCancel(context.Background())
	n.stopSweep = cancel
	n.wg.Add(1)
	go n.sweep(sweepCtx)

	return nil
}

// Faults delivers fatal runtime errors.
func (n *Node) Faults() <-chan error { return n.faults }

// Close shuts every subsystem down in reverse start order.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		if n.stopSweep != nil {
			n.stopSweep()
		}
		if n.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			n.httpSrv.Shutdown(ctx)
		}
		if n.consumer != nil {
			n.consumer.Close()
		}
		if n.dispatcher != nil {
			n.dispatcher.Close()
		}
		if n.egress != nil {
			n.egress.Close()
		}
		n.webhooks.Close()
		n.wg.Wait()
		n.teardown()
	})
	return nil
}

// notifyTerminal bridges terminal jobs to the webhook dispatcher. The
// blotter rides along for completed trades.
func (n *Node) notifyTerminal(job *types.Job) {
	var blotter *types.SwapBlotter
	if job.Status == types.JobCompleted && job.Message == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if b, err := n.db.Blotters.Get(ctx, job.TradeID); err == nil {
			blotter = b
		}
	}
	n.webhooks.NotifyJob(job, blotter)
}

func (n *Node) sweep(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := n.dedupe.ArchiveExpired(ctx, time.Now().UTC())
			if err != nil {
				n.log.Warnw("Idempotency sweep failed", "err", err)
				continue
			}
			if count > 0 {
				n.log.Infow("Archived expired idempotency records", "count", count)
			}
		}
	}
}

func (n *Node) teardown() {
	if n.engine != nil {
		n.engine.Close()
	}
	if n.db != nil {
		n.db.Close()
	}
	if n.cache != nil {
		n.cache.Close()
	}
}
