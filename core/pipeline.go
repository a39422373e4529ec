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
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/cachedb"
	"github.com/tradefabric/swapcapture/core/rules"
	"github.com/tradefabric/swapcapture/core/types"
	"github.com/tradefabric/swapcapture/metrics"
)

// Env is the mutable envelope a trade rides through the pipeline. It lives
// entirely under the partition lock; stages mutate it freely.
type Env struct {
	Work  *Work
	State *types.PartitionState

	// Token is the held partition lock. The persist stage verifies it is
	// still live before committing.
	Token *cachedb.LockToken
	Locks cachedb.LockManager

	Enriched   Enrichment
	RuleResult rules.Result
	Blotter    *types.SwapBlotter

	// NextPosition is staged by the transition stage and applied by the
	// commit.
	NextPosition types.PositionState
}

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	Apply(ctx context.Context, env *Env) error
}

// stageAttempts bounds transient-error retries within one stage.
const stageAttempts = 3

// Pipeline runs a fixed stage sequence for one trade under the partition
// lock. Transient failures retry inside the failing stage; permanent ones
// abort immediately.
type Pipeline struct {
	stages []Stage
	log    *zap.SugaredLogger
}

// NewPipeline assembles a pipeline from the given stages.
func NewPipeline(log *zap.SugaredLogger, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, log: log}
}

// Process runs env through every stage in order. The returned error carries
// the failing stage's error code.
func (p *Pipeline) Process(ctx context.Context, env *Env) error {
	for _, stage := range p.stages {
		if err := p.runStage(ctx, stage, env); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, env *Env) error {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(stage.Name()).Observe(time.Since(start).Seconds())
	}()

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, stageAttempts-1), ctx)
	policy.Reset()

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := stage.Apply(ctx, env)
		if err == nil {
			return nil
		}
		if !types.IsTransient(err) {
			return backoff.Permanent(err)
		}
		if attempt < stageAttempts {
			metrics.StageRetries.WithLabelValues(stage.Name()).Inc()
			p.log.Warnw("Stage failed, retrying",
				"stage", stage.Name(), "tradeId", env.Work.Req.TradeID, "attempt", attempt, "err", err)
		}
		return err
	}, policy)
}
