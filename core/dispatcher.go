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
	"errors"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/cachedb"
	"github.com/tradefabric/swapcapture/core/types"
	"github.com/tradefabric/swapcapture/dedupe"
	"github.com/tradefabric/swapcapture/jobs"
	"github.com/tradefabric/swapcapture/metrics"
	"github.com/tradefabric/swapcapture/store"
)

// ErrDuplicateSubmission is returned by Submit when the idempotency key
// already resolved to a committed blotter. The blotter rides along so the
// API can answer 409 with the original artifact.
type ErrDuplicateSubmission struct {
	Blotter *types.SwapBlotter
}

func (e *ErrDuplicateSubmission) Error() string {
	return "core: duplicate submission for trade " + e.Blotter.TradeID
}

// Dispatcher defaults.
const (
	DefaultLockHold     = 5 * time.Minute
	DefaultLockWait     = 30 * time.Second
	DefaultMaxAttempts  = 3
	lockKeyPrefix       = "partition:"
	gapScanInterval     = time.Second
	keepaliveFraction   = 4 // extend when a quarter of the TTL remains
	duplicateJobMessage = "DUPLICATE"
)

// DispatcherConfig tunes the partition scheduler.
type DispatcherConfig struct {
	Workers     int           `toml:",omitempty"`
	LockHold    time.Duration `toml:",omitempty"`
	LockWait    time.Duration `toml:",omitempty"`
	MaxAttempts int           `toml:",omitempty"`
}

func (c *DispatcherConfig) sanitize() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU() * 2
	}
	if c.LockHold <= 0 {
		c.LockHold = DefaultLockHold
	}
	if c.LockWait <= 0 {
		c.LockWait = DefaultLockWait
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

// StateStore is the slice of the durable store the dispatcher needs.
type StateStore interface {
	Get(ctx context.Context, key string) (*types.PartitionState, error)
	GetOrInit(ctx context.Context, key string) (*types.PartitionState, error)
}

// Deduper is the idempotency surface the dispatcher and commit stage use.
type Deduper interface {
	Check(ctx context.Context, req *types.TradeRequest) (dedupe.Outcome, error)
	Register(ctx context.Context, req *types.TradeRequest) error
	MarkFailed(ctx context.Context, key string) error
	Completed(ctx context.Context, key, blotterRef string)
}

// Dispatcher serializes trade processing per partition: each partition has
// a FIFO queue and at most one active worker, workers come from a shared
// bounded pool and ready partitions are served round robin so a hot
// partition cannot starve the rest.
type Dispatcher struct {
	cfg      DispatcherConfig
	states   StateStore
	locks    cachedb.LockManager
	dedupe   Deduper
	seq      *Sequencer
	jobs     *jobs.Registry
	pipeline *Pipeline
	log      *zap.SugaredLogger

	mu     sync.Mutex
	queues map[string][]*Work
	ring   []string // round-robin order of queued partitions
	next   int
	active map[string]struct{}
	depth  int

	slots  chan struct{}
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher wires the scheduler. Start must be called before Submit.
func NewDispatcher(cfg DispatcherConfig, states StateStore, locks cachedb.LockManager, dd Deduper,
	seq *Sequencer, registry *jobs.Registry, pipeline *Pipeline, log *zap.SugaredLogger) *Dispatcher {
	cfg.sanitize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		states:   states,
		locks:    locks,
		dedupe:   dd,
		seq:      seq,
		jobs:     registry,
		pipeline: pipeline,
		log:      log,
		queues:   make(map[string][]*Work),
		active:   make(map[string]struct{}),
		slots:    make(chan struct{}, cfg.Workers),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the scheduler loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.schedule()
}

// Close stops scheduling and waits for running workers.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Depth reports the total number of queued requests, for the backpressure
// controller.
func (d *Dispatcher) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.depth
}

// SequencerStatus exposes the reorder-buffer snapshot for the REST surface.
func (d *Dispatcher) SequencerStatus() []PartitionStatus { return d.seq.Status() }

// Submit validates and enqueues a trade, returning its tracking job. A
// submission whose idempotency key already resolved to a committed blotter
// returns ErrDuplicateSubmission.
func (d *Dispatcher) Submit(ctx context.Context, req *types.TradeRequest) (*types.Job, error) {
	req.Sanitize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	out, err := d.dedupe.Check(ctx, req)
	if err != nil {
		return nil, err
	}
	if out.Verdict == dedupe.HitCompleted {
		return nil, &ErrDuplicateSubmission{Blotter: out.Blotter}
	}
	job, err := d.jobs.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	d.enqueue(&Work{Req: req, JobID: job.ID})
	return job, nil
}

func (d *Dispatcher) enqueue(w *Work) {
	d.mu.Lock()
	key := w.Req.PartitionKey
	if _, ok := d.queues[key]; !ok {
		d.ring = append(d.ring, key)
	}
	d.queues[key] = append(d.queues[key], w)
	d.depth++
	metrics.DispatcherDepth.Set(float64(d.depth))
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// dequeue pops one item from the next ready partition in ring order.
func (d *Dispatcher) dequeue() *Work {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < len(d.ring); i++ {
		idx := (d.next + i) % len(d.ring)
		key := d.ring[idx]
		if _, busy := d.active[key]; busy {
			continue
		}
		q := d.queues[key]
		w := q[0]
		if len(q) == 1 {
			delete(d.queues, key)
			d.ring = append(d.ring[:idx], d.ring[idx+1:]...)
			d.next = idx % max(len(d.ring), 1)
		} else {
			d.queues[key] = q[1:]
			d.next = (idx + 1) % len(d.ring)
		}
		d.active[key] = struct{}{}
		d.depth--
		metrics.DispatcherDepth.Set(float64(d.depth))
		return w
	}
	return nil
}

func (d *Dispatcher) release(partition string) {
	d.mu.Lock()
	delete(d.active, partition)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) schedule() {
	defer d.wg.Done()
	ticker := time.NewTicker(gapScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			// Drain running workers via the slot channel.
			for i := 0; i < cap(d.slots); i++ {
				d.slots <- struct{}{}
			}
			return
		case <-d.wake:
		case <-ticker.C:
			d.expireGaps()
		}
		for {
			w := d.dequeue()
			if w == nil {
				break
			}
			select {
			case d.slots <- struct{}{}:
			case <-d.ctx.Done():
				d.requeueFront(w)
				return
			}
			d.wg.Add(1)
			go d.run(w)
		}
	}
}

func (d *Dispatcher) requeueFront(w *Work) {
	d.mu.Lock()
	key := w.Req.PartitionKey
	if _, ok := d.queues[key]; !ok {
		d.ring = append(d.ring, key)
	}
	d.queues[key] = append([]*Work{w}, d.queues[key]...)
	d.depth++
	d.mu.Unlock()
}

// expireGaps sweeps every buffered partition for entries past the hold
// deadline.
func (d *Dispatcher) expireGaps() {
	for _, st := range d.seq.Status() {
		released, stale := d.seq.ExpireDue(st.PartitionKey, time.Now())
		for _, w := range released {
			d.enqueue(w)
		}
		for _, w := range stale {
			err := types.Coded(types.CodeSequenceGap,
				"predecessors of sequence %d never arrived", w.Req.SequenceNumber)
			d.failWork(context.Background(), w, err)
		}
	}
}

// run is one worker turn: it owns the partition until its queue run ends,
// then frees the slot.
func (d *Dispatcher) run(w *Work) {
	defer d.wg.Done()
	defer func() { <-d.slots }()
	partition := w.Req.PartitionKey
	defer d.release(partition)

	d.process(d.ctx, w)
}

// process executes one unit under the partition lock, then drains any
// buffered successors while the lock is still held.
func (d *Dispatcher) process(ctx context.Context, w *Work) {
	d.jobs.Update(ctx, w.JobID, func(j *types.Job) {
		j.Status = types.JobProcessing
		j.Progress = 10
	})

	lockStart := time.Now()
	token, err := d.locks.Acquire(ctx, lockKeyPrefix+w.Req.PartitionKey, d.cfg.LockHold, d.cfg.LockWait)
	metrics.LockWait.Observe(time.Since(lockStart).Seconds())
	if err != nil {
		d.failWork(ctx, w, types.CodedWrap(types.CodeLockAcquisition, err,
			"could not lock partition %s", w.Req.PartitionKey))
		return
	}

	released := false
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("Worker panic", "tradeId", w.Req.TradeID, "panic", r)
			d.failWork(ctx, w, types.Coded(types.CodeProcessing, "worker panic: %v", r))
		}
		if !released {
			if err := d.locks.Release(ctx, token); err != nil && !errors.Is(err, cachedb.ErrNotLockOwner) {
				d.log.Warnw("Partition lock release failed", "partition", w.Req.PartitionKey, "err", err)
			}
		}
	}()

	stop := d.keepalive(ctx, token)
	defer stop()

	for w != nil {
		next, done := d.runOne(ctx, w, token)
		if done {
			released = true // lock already lost; skip the deferred release
			return
		}
		w = next
	}
}

// runOne pushes a single unit through admission and the pipeline and
// returns the next drained successor, if any. done reports that the lock
// is no longer held.
func (d *Dispatcher) runOne(ctx context.Context, w *Work, token *cachedb.LockToken) (next *Work, done bool) {
	// Defensive re-check under the lock: a concurrent node may have
	// committed this key after Submit's check.
	out, err := d.dedupe.Check(ctx, w.Req)
	if err == nil && out.Verdict == dedupe.HitCompleted {
		d.jobs.Update(ctx, w.JobID, func(j *types.Job) {
			j.Status = types.JobCompleted
			j.Progress = 100
			j.Message = duplicateJobMessage
			j.TradeStatus = out.Blotter.State
		})
		return d.popDrained(ctx, w.Req.PartitionKey), false
	}

	if err := d.dedupe.Register(ctx, w.Req); err != nil {
		if errors.Is(err, dedupe.ErrDuplicate) {
			d.jobs.Fail(ctx, w.JobID, types.Coded(types.CodeDuplicateTrade,
				"idempotency key %s is owned by another trade", w.Req.IdempotencyKey))
		} else {
			d.failWork(ctx, w, err)
		}
		return d.popDrained(ctx, w.Req.PartitionKey), false
	}

	state, err := d.states.GetOrInit(ctx, w.Req.PartitionKey)
	if err != nil {
		d.failWork(ctx, w, err)
		return nil, false
	}

	if !w.GapRelease {
		verdict, err := d.seq.Admit(w, state.LastSequenceNumber)
		if err != nil {
			d.jobs.Fail(ctx, w.JobID, types.CodedWrap(types.CodeSequenceGap, err,
				"sequence %d already applied on partition %s", w.Req.SequenceNumber, w.Req.PartitionKey))
			d.dedupe.MarkFailed(ctx, w.Req.IdempotencyKey)
			return d.popDrained(ctx, w.Req.PartitionKey), false
		}
		if verdict == AdmitBuffered {
			d.jobs.Update(ctx, w.JobID, func(j *types.Job) {
				j.Progress = 25
				j.Message = "waiting for earlier sequence numbers"
			})
			return d.popDrained(ctx, w.Req.PartitionKey), false
		}
	}

	env := &Env{Work: w, State: state, Token: token, Locks: d.locks}
	err = d.pipeline.Process(ctx, env)
	switch {
	case err == nil:
		d.jobs.Complete(ctx, w.JobID, env.NextPosition, "")
		metrics.TradesProcessed.WithLabelValues("completed").Inc()
		return d.popDrained(ctx, w.Req.PartitionKey), false

	case types.CodeOf(err) == types.CodeLockAcquisition:
		// Lock lost mid-flight. The idempotency record stays PROCESSING;
		// the retry adopts it after reacquiring the lock.
		metrics.TradesProcessed.WithLabelValues("requeued").Inc()
		w.Attempts++
		if w.Attempts >= d.cfg.MaxAttempts {
			d.failWork(ctx, w, err)
			return nil, true
		}
		d.log.Warnw("Partition lock lost, requeueing trade",
			"tradeId", w.Req.TradeID, "attempt", w.Attempts, "err", err)
		d.enqueue(w)
		return nil, true

	default:
		d.failWork(ctx, w, err)
		return d.popDrained(ctx, w.Req.PartitionKey), false
	}
}

// popDrained pulls the next buffered successor now that the partition
// state moved. The caller still holds the partition lock.
func (d *Dispatcher) popDrained(ctx context.Context, partition string) *Work {
	state, err := d.states.Get(ctx, partition)
	if err != nil {
		return nil
	}
	ready := d.seq.Drain(partition, state.LastSequenceNumber)
	if len(ready) == 0 {
		return nil
	}
	// Process the first inline; re-enqueue the rest to keep turns short.
	for _, w := range ready[1:] {
		d.enqueue(w)
	}
	return ready[0]
}

func (d *Dispatcher) failWork(ctx context.Context, w *Work, cause error) {
	metrics.TradesProcessed.WithLabelValues("failed").Inc()
	if err := d.dedupe.MarkFailed(ctx, w.Req.IdempotencyKey); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		d.log.Warnw("Idempotency finalize failed", "key", w.Req.IdempotencyKey, "err", err)
	}
	d.jobs.Fail(ctx, w.JobID, cause)
	d.log.Errorw("Trade failed", "tradeId", w.Req.TradeID, "partition", w.Req.PartitionKey, "err", cause)
}

// keepalive extends the lock while the pipeline runs. It fires when a
// quarter of the hold TTL remains and stops when the returned closure is
// called.
func (d *Dispatcher) keepalive(ctx context.Context, token *cachedb.LockToken) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			wait := token.Remaining(time.Now()) - d.cfg.LockHold/keepaliveFraction
			if wait < time.Second {
				wait = time.Second
			}
			select {
			case <-done:
				return
			case <-time.After(wait):
				if err := d.locks.Extend(ctx, token, d.cfg.LockHold); err != nil {
					if !errors.Is(err, cachedb.ErrNotLockOwner) {
						d.log.Warnw("Lock keepalive failed", "key", token.Key, "err", err)
					}
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
