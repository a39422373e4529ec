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

// Package jobs tracks asynchronous trade submissions. Records live in the
// distributed cache with a TTL so every node serves status queries; a small
// LRU in front absorbs poll traffic for hot jobs.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/cachedb"
	"github.com/tradefabric/swapcapture/core/types"
)

var (
	// ErrNotFound is returned for unknown or expired job ids.
	ErrNotFound = errors.New("jobs: not found")

	// ErrNotCancellable is returned by Cancel for jobs past PENDING.
	ErrNotCancellable = errors.New("jobs: not cancellable")
)

// DefaultTTL keeps job records queryable for a day.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "job:"

const readCacheSize = 4096

// Registry stores and transitions job records. Terminal transitions invoke
// the OnTerminal hook exactly once per job.
type Registry struct {
	cache cachedb.KeyValueStore
	ttl   time.Duration
	reads *lru.Cache[string, *types.Job]
	log   *zap.SugaredLogger

	mu sync.Mutex // serializes read-modify-write transitions

	// OnTerminal fires after a job reaches a terminal status. Set before
	// the registry is shared.
	OnTerminal func(job *types.Job)
}

// New builds a registry over the given cache backend. Zero ttl means
// DefaultTTL.
func New(cache cachedb.KeyValueStore, ttl time.Duration, log *zap.SugaredLogger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	reads, _ := lru.New[string, *types.Job](readCacheSize)
	return &Registry{cache: cache, ttl: ttl, reads: reads, log: log}
}

// Create registers a PENDING job for the trade and returns it.
func (r *Registry) Create(ctx context.Context, req *types.TradeRequest) (*types.Job, error) {
	now := time.Now().UTC()
	job := &types.Job{
		ID:          uuid.NewString(),
		TradeID:     req.TradeID,
		Source:      req.Source,
		Status:      types.JobPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		CallbackURL: req.CallbackURL,
	}
	if err := r.put(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Get fetches a job by id. Only terminal jobs are served from the read
// cache; they never change again, so the entry cannot go stale.
func (r *Registry) Get(ctx context.Context, id string) (*types.Job, error) {
	if job, ok := r.reads.Get(id); ok {
		return job, nil
	}
	job, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		r.reads.Add(job.ID, job)
	}
	return job, nil
}

// Update transitions the job via mutate under the registry's write lock.
// Terminal jobs are immutable; updates against them are ignored.
func (r *Registry) Update(ctx context.Context, id string, mutate func(*types.Job)) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	mutate(job)
	job.UpdatedAt = time.Now().UTC()
	if err := r.put(ctx, job); err != nil {
		return nil, err
	}
	if job.Status.Terminal() && r.OnTerminal != nil {
		r.OnTerminal(job)
	}
	return job, nil
}

// Cancel moves a PENDING job to CANCELLED. Anything else is refused with
// ErrNotCancellable.
func (r *Registry) Cancel(ctx context.Context, id string) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != types.JobPending {
		return job, ErrNotCancellable
	}
	job.Status = types.JobCancelled
	job.UpdatedAt = time.Now().UTC()
	if err := r.put(ctx, job); err != nil {
		return nil, err
	}
	if r.OnTerminal != nil {
		r.OnTerminal(job)
	}
	return job, nil
}

// Complete marks the job COMPLETED with full progress.
func (r *Registry) Complete(ctx context.Context, id string, state types.PositionState, message string) (*types.Job, error) {
	return r.Update(ctx, id, func(job *types.Job) {
		job.Status = types.JobCompleted
		job.Progress = 100
		job.TradeStatus = state
		job.Message = message
		job.Error = nil
	})
}

// Fail marks the job FAILED with the error detail.
func (r *Registry) Fail(ctx context.Context, id string, cause error) (*types.Job, error) {
	return r.Update(ctx, id, func(job *types.Job) {
		job.Status = types.JobFailed
		job.Error = types.DetailOf(cause)
	})
}

func (r *Registry) load(ctx context.Context, id string) (*types.Job, error) {
	raw, err := r.cache.Get(ctx, keyPrefix+id)
	if errors.Is(err, cachedb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var job types.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *Registry) put(ctx context.Context, job *types.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := r.cache.Set(ctx, keyPrefix+job.ID, string(raw), r.ttl); err != nil {
		return err
	}
	if job.Status.Terminal() {
		r.reads.Add(job.ID, job)
	}
	return nil
}
