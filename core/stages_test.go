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
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/cachedb/memorydb"
	"github.com/tradefabric/swapcapture/core/types"
	"github.com/tradefabric/swapcapture/dedupe"
	"github.com/tradefabric/swapcapture/store"
)

// fakeCommitter mirrors the partition-level transaction semantics of the
// SQL store against in-memory maps. It also records commit interleaving so
// scheduling tests can assert that no two commits for one partition ever
// overlap in time.
type fakeCommitter struct {
	mu         sync.Mutex
	states     map[string]*types.PartitionState
	blotters   map[string]*types.SwapBlotter
	complete   map[string]string // idempotency key -> blotter ref
	inflight   map[string]bool
	overlapped bool
	order      map[string][]uint64 // partition -> committed sequences
	commits    map[string]int      // trade id -> commit count
}

func newFakeCommitter() *fakeCommitter {
	return &fakeCommitter{
		states:   make(map[string]*types.PartitionState),
		blotters: make(map[string]*types.SwapBlotter),
		complete: make(map[string]string),
		inflight: make(map[string]bool),
		order:    make(map[string][]uint64),
		commits:  make(map[string]int),
	}
}

func (f *fakeCommitter) Get(_ context.Context, key string) (*types.PartitionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *fakeCommitter) GetOrInit(_ context.Context, key string) (*types.PartitionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[key]; ok {
		cp := *st
		return &cp, nil
	}
	st := &types.PartitionState{PartitionKey: key, Position: types.StateExecuted, Version: 1}
	f.states[key] = st
	cp := *st
	return &cp, nil
}

func (f *fakeCommitter) CommitTrade(_ context.Context, args store.CommitArgs) error {
	partition := args.State.PartitionKey
	f.mu.Lock()
	if f.inflight[partition] {
		f.overlapped = true
	}
	f.inflight[partition] = true
	f.mu.Unlock()
	time.Sleep(2 * time.Millisecond) // widen the window an overlap would hit

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight[partition] = false

	cur, ok := f.states[partition]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != args.State.Version {
		return store.ErrVersionMismatch
	}
	if args.NewSequence > 0 && !args.ForceJump && args.NewSequence != cur.NextExpected() {
		return types.Coded(types.CodeProcessing, "sequence %d does not follow %d", args.NewSequence, cur.LastSequenceNumber)
	}
	if cur.Position != args.NextPosition && !cur.Position.CanTransition(args.NextPosition) {
		return types.Coded(types.CodeInvalidTransition, "%s -> %s", cur.Position, args.NextPosition)
	}
	if args.NewSequence > 0 {
		cur.LastSequenceNumber = args.NewSequence
		f.order[partition] = append(f.order[partition], args.NewSequence)
	}
	cur.Position = args.NextPosition
	cur.Version++
	b := *args.Blotter
	b.State = args.NextPosition
	b.Version++
	f.blotters[b.TradeID] = &b
	f.complete[args.IdempotencyKey] = b.TradeID
	f.commits[b.TradeID]++

	args.State.LastSequenceNumber = cur.LastSequenceNumber
	args.State.Position = cur.Position
	args.State.Version = cur.Version
	*args.Blotter = b
	return nil
}

func (f *fakeCommitter) committed(tradeID string) *types.SwapBlotter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blotters[tradeID]
}

func (f *fakeCommitter) commitCount(tradeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits[tradeID]
}

func (f *fakeCommitter) commitOrder(partition string) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.order[partition]...)
}

func (f *fakeCommitter) overlapDetected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlapped
}

// fakeDeduper tracks registration state in memory.
type fakeDeduper struct {
	mu        sync.Mutex
	committer *fakeCommitter
	records   map[string]string // key -> status
	owners    map[string]string // key -> trade id
}

func newFakeDeduper(c *fakeCommitter) *fakeDeduper {
	return &fakeDeduper{committer: c, records: make(map[string]string), owners: make(map[string]string)}
}

func (f *fakeDeduper) Check(_ context.Context, req *types.TradeRequest) (dedupe.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.records[req.IdempotencyKey] {
	case "COMPLETED":
		return dedupe.Outcome{Verdict: dedupe.HitCompleted, Blotter: f.committer.committed(f.owners[req.IdempotencyKey])}, nil
	case "PROCESSING":
		return dedupe.Outcome{Verdict: dedupe.HitProcessing}, nil
	default:
		return dedupe.Outcome{Verdict: dedupe.Miss}, nil
	}
}

func (f *fakeDeduper) Register(_ context.Context, req *types.TradeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.records[req.IdempotencyKey]
	if ok && status == "PROCESSING" && f.owners[req.IdempotencyKey] != req.TradeID {
		return dedupe.ErrDuplicate
	}
	if ok && status == "COMPLETED" {
		return dedupe.ErrDuplicate
	}
	f.records[req.IdempotencyKey] = "PROCESSING"
	f.owners[req.IdempotencyKey] = req.TradeID
	return nil
}

func (f *fakeDeduper) MarkFailed(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[key] = "FAILED"
	return nil
}

func (f *fakeDeduper) Completed(_ context.Context, key, blotterRef string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[key] = "COMPLETED"
	f.owners[key] = blotterRef
}

func pipelineEnv(t *testing.T, req *types.TradeRequest) (*Env, *fakeCommitter) {
	t.Helper()
	req.Sanitize()
	fc := newFakeCommitter()
	state, err := fc.GetOrInit(context.Background(), req.PartitionKey)
	require.NoError(t, err)
	return &Env{
		Work:  &Work{Req: req, JobID: "job"},
		State: state,
		Locks: memorydb.New(),
	}, fc
}

func TestQuickValidateSeedsBlotter(t *testing.T) {
	env, _ := pipelineEnv(t, &types.TradeRequest{
		TradeID:      "T1",
		PartitionKey: "A_B_C",
		Source:       types.SourceAPI,
		CallbackURL:  "https://client.example/cb",
		Payload:      json.RawMessage(`{"notional":100,"currency":"USD"}`),
	})
	require.NoError(t, QuickValidateStage{}.Apply(context.Background(), env))
	require.NotNil(t, env.Blotter)
	require.Equal(t, types.EnrichmentPending, env.Blotter.EnrichmentStatus)
}

func TestQuickValidateRejectsBadRequest(t *testing.T) {
	env, _ := pipelineEnv(t, &types.TradeRequest{TradeID: "T1", PartitionKey: "nokey", Source: types.SourceAPI})
	err := QuickValidateStage{}.Apply(context.Background(), env)
	require.Equal(t, types.CodeValidation, types.CodeOf(err))
}

func TestDeepValidate(t *testing.T) {
	env, _ := pipelineEnv(t, &types.TradeRequest{TradeID: "T1", PartitionKey: "A_B_C", Source: types.SourceAPI})
	env.Blotter = &types.SwapBlotter{}

	env.Blotter.Payload = json.RawMessage(`{"isin":"US0378331005","notional":100,"currency":"USD"}`)
	require.NoError(t, DeepValidateStage{}.Apply(context.Background(), env))

	env.Blotter.Payload = json.RawMessage(`{"isin":"bogus"}`)
	err := DeepValidateStage{}.Apply(context.Background(), env)
	require.Equal(t, types.CodeValidation, types.CodeOf(err))

	env.Blotter.Payload = json.RawMessage(`{"notional":-5,"currency":"USD"}`)
	err = DeepValidateStage{}.Apply(context.Background(), env)
	require.Equal(t, types.CodeValidation, types.CodeOf(err))

	env.Blotter.Payload = json.RawMessage(`{"notional":5}`)
	err = DeepValidateStage{}.Apply(context.Background(), env)
	require.Equal(t, types.CodeValidation, types.CodeOf(err))
}

func TestTransitionDefaultsAndOverride(t *testing.T) {
	env, _ := pipelineEnv(t, &types.TradeRequest{TradeID: "T1", PartitionKey: "A_B_C", Source: types.SourceAPI})
	env.Blotter = &types.SwapBlotter{}

	// EXECUTED partition: the default target is FORMED.
	require.NoError(t, TransitionStage{}.Apply(context.Background(), env))
	require.Equal(t, types.StateFormed, env.NextPosition)

	// Explicit target from the payload.
	env.Blotter.Payload = json.RawMessage(`{"targetState":"CANCELLED"}`)
	require.NoError(t, TransitionStage{}.Apply(context.Background(), env))
	require.Equal(t, types.StateCancelled, env.NextPosition)

	// Illegal target fails.
	env.State.Position = types.StateClosed
	env.Blotter.Payload = json.RawMessage(`{"targetState":"FORMED"}`)
	err := TransitionStage{}.Apply(context.Background(), env)
	require.Equal(t, types.CodeInvalidTransition, types.CodeOf(err))
}

func TestCommitStageLockLostAborts(t *testing.T) {
	cache := memorydb.New()
	token, err := cache.Acquire(context.Background(), "partition:A_B_C", 50*time.Millisecond, time.Second)
	require.NoError(t, err)

	fc := newFakeCommitter()
	fd := newFakeDeduper(fc)
	env, _ := pipelineEnv(t, &types.TradeRequest{TradeID: "T1", PartitionKey: "A_B_C", Source: types.SourceAPI})
	env.State, err = fc.GetOrInit(context.Background(), "A_B_C")
	require.NoError(t, err)
	env.Token = token
	env.Locks = cache
	env.Blotter = &types.SwapBlotter{TradeID: "T1", PartitionKey: "A_B_C"}
	env.NextPosition = types.StateFormed

	time.Sleep(80 * time.Millisecond) // let the hold TTL lapse

	stage := CommitStage{DB: fc, Dedupe: fd, Log: zap.NewNop().Sugar()}
	err = stage.Apply(context.Background(), env)
	require.Equal(t, types.CodeLockAcquisition, types.CodeOf(err))
	require.Nil(t, fc.committed("T1"))
}

func TestCommitStageWritesAndWarmsDedupe(t *testing.T) {
	cache := memorydb.New()
	token, err := cache.Acquire(context.Background(), "partition:A_B_C", time.Minute, time.Second)
	require.NoError(t, err)

	fc := newFakeCommitter()
	fd := newFakeDeduper(fc)
	env, _ := pipelineEnv(t, &types.TradeRequest{TradeID: "T1", PartitionKey: "A_B_C", Source: types.SourceAPI})
	env.State, err = fc.GetOrInit(context.Background(), "A_B_C")
	require.NoError(t, err)
	env.Token = token
	env.Locks = cache
	env.Blotter = &types.SwapBlotter{TradeID: "T1", PartitionKey: "A_B_C"}
	env.NextPosition = types.StateFormed

	stage := CommitStage{DB: fc, Dedupe: fd, Log: zap.NewNop().Sugar()}
	require.NoError(t, stage.Apply(context.Background(), env))
	require.NotNil(t, fc.committed("T1"))
	require.Equal(t, types.StateFormed, env.State.Position)

	out, err := fd.Check(context.Background(), env.Work.Req)
	require.NoError(t, err)
	require.Equal(t, dedupe.HitCompleted, out.Verdict)
}

func TestCommitGuardKeepsLongerHold(t *testing.T) {
	cache := memorydb.New()
	token, err := cache.Acquire(context.Background(), "partition:A_B_C", 5*time.Minute, time.Second)
	require.NoError(t, err)

	fc := newFakeCommitter()
	fd := newFakeDeduper(fc)
	env, _ := pipelineEnv(t, &types.TradeRequest{TradeID: "T1", PartitionKey: "A_B_C", Source: types.SourceAPI})
	env.State, err = fc.GetOrInit(context.Background(), "A_B_C")
	require.NoError(t, err)
	env.Token = token
	env.Locks = cache
	env.Blotter = &types.SwapBlotter{TradeID: "T1", PartitionKey: "A_B_C"}
	env.NextPosition = types.StateFormed

	stage := CommitStage{DB: fc, Dedupe: fd, Log: zap.NewNop().Sugar()}
	require.NoError(t, stage.Apply(context.Background(), env))

	// The ownership re-check must not truncate a hold longer than its
	// minimum extension.
	require.Greater(t, token.Remaining(time.Now()), time.Minute)
}
