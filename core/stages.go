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
	"errors"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/core/rules"
	"github.com/tradefabric/swapcapture/core/types"
	"github.com/tradefabric/swapcapture/store"
)

// QuickValidateStage runs the structural ingress checks and seeds the
// blotter envelope.
type QuickValidateStage struct{}

func (QuickValidateStage) Name() string { return "quick-validate" }

func (QuickValidateStage) Apply(_ context.Context, env *Env) error {
	if err := env.Work.Req.Validate(); err != nil {
		return err
	}
	env.Blotter = &types.SwapBlotter{
		TradeID:          env.Work.Req.TradeID,
		PartitionKey:     env.Work.Req.PartitionKey,
		Payload:          env.Work.Req.Payload,
		EnrichmentStatus: types.EnrichmentPending,
	}
	return nil
}

// EnrichStage joins reference data onto the payload. A PARTIAL result is a
// degraded success; FAILED aborts the trade.
type EnrichStage struct {
	Enricher Enricher
}

func (EnrichStage) Name() string { return "enrich" }

func (s EnrichStage) Apply(ctx context.Context, env *Env) error {
	enriched, err := s.Enricher.Enrich(ctx, env.Work.Req)
	if err != nil {
		return err
	}
	if enriched.Status == types.EnrichmentFailed {
		return types.Coded(types.CodeEnrichmentFailed, "mandatory reference data absent for trade %s", env.Work.Req.TradeID)
	}
	env.Enriched = enriched
	env.Blotter.Payload = enriched.Payload
	env.Blotter.EnrichmentStatus = enriched.Status
	return nil
}

// RulesStage applies the active rule set to the enriched payload.
type RulesStage struct {
	Engine *rules.Engine
}

func (RulesStage) Name() string { return "rules" }

func (s RulesStage) Apply(_ context.Context, env *Env) error {
	res, err := s.Engine.Active().Apply(env.Blotter.Payload)
	if err != nil {
		return err
	}
	env.RuleResult = res
	env.Blotter.Payload = res.Payload
	env.Blotter.RulesetVersion = res.Version
	if res.WorkflowStatus != "" {
		env.Blotter.WorkflowStatus = res.WorkflowStatus
	}
	return nil
}

var isinPattern = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{9}[0-9]$`)

// DeepValidateStage enforces the business invariants on the transformed
// payload: well-formed economics and identifier formats.
type DeepValidateStage struct{}

func (DeepValidateStage) Name() string { return "deep-validate" }

func (DeepValidateStage) Apply(_ context.Context, env *Env) error {
	if len(env.Blotter.Payload) == 0 {
		return nil
	}
	var doc struct {
		ISIN     *string  `json:"isin"`
		Notional *float64 `json:"notional"`
		Currency *string  `json:"currency"`
	}
	if err := json.Unmarshal(env.Blotter.Payload, &doc); err != nil {
		return types.CodedWrap(types.CodeValidation, err, "payload is not a JSON object")
	}
	if doc.ISIN != nil && !isinPattern.MatchString(*doc.ISIN) {
		return types.Coded(types.CodeValidation, "malformed isin %q", *doc.ISIN)
	}
	if doc.Notional != nil && *doc.Notional <= 0 {
		return types.Coded(types.CodeValidation, "notional must be positive, got %v", *doc.Notional)
	}
	if doc.Notional != nil && (doc.Currency == nil || *doc.Currency == "") {
		return types.Coded(types.CodeValidation, "notional without currency")
	}
	return nil
}

// TransitionStage computes the position the trade moves the partition to.
// The payload may name a target state explicitly; otherwise a trade on an
// EXECUTED partition forms the position and later trades hold it in place.
type TransitionStage struct{}

func (TransitionStage) Name() string { return "state-transition" }

func (TransitionStage) Apply(_ context.Context, env *Env) error {
	next := defaultNext(env.State.Position)
	if len(env.Blotter.Payload) > 0 {
		var doc struct {
			TargetState types.PositionState `json:"targetState"`
		}
		if err := json.Unmarshal(env.Blotter.Payload, &doc); err == nil && doc.TargetState != "" {
			next = doc.TargetState
		}
	}
	if env.State.Position != next && !env.State.Position.CanTransition(next) {
		return types.Coded(types.CodeInvalidTransition,
			"illegal position transition %s -> %s for trade %s", env.State.Position, next, env.Work.Req.TradeID)
	}
	env.NextPosition = next
	return nil
}

func defaultNext(cur types.PositionState) types.PositionState {
	switch cur {
	case "":
		return types.StateExecuted
	case types.StateExecuted:
		return types.StateFormed
	default:
		return cur
	}
}

// lockGuardExtension is the minimum TTL the commit stage requests; a
// fencing mismatch here proves the lock was lost and aborts before any
// write. The guard never shortens a longer remaining hold.
const lockGuardExtension = 30 * time.Second

// Committer applies the partition-level writes of one run atomically.
// *store.DB is the production implementation.
type Committer interface {
	CommitTrade(ctx context.Context, args store.CommitArgs) error
}

// CommitStage persists the blotter, advances the partition state and flips
// the idempotency record inside one database transaction. A failed fencing
// check immediately beforehand aborts without committing.
type CommitStage struct {
	DB     Committer
	Dedupe Deduper
	Log    *zap.SugaredLogger
}

func (CommitStage) Name() string { return "commit" }

func (s CommitStage) Apply(ctx context.Context, env *Env) error {
	if env.Token != nil {
		extra := max(lockGuardExtension, env.Token.Remaining(time.Now()))
		if err := env.Locks.Extend(ctx, env.Token, extra); err != nil {
			return types.CodedWrap(types.CodeLockAcquisition, err,
				"partition lock lost before commit for trade %s", env.Work.Req.TradeID)
		}
	}
	args := store.CommitArgs{
		State:          env.State,
		NextPosition:   env.NextPosition,
		NewSequence:    env.Work.Req.SequenceNumber,
		ForceJump:      env.Work.GapRelease,
		Blotter:        env.Blotter,
		IdempotencyKey: env.Work.Req.IdempotencyKey,
	}
	if err := s.DB.CommitTrade(ctx, args); err != nil {
		if errors.Is(err, store.ErrVersionMismatch) {
			// A writer slipped past the distributed lock; the optimistic
			// check caught it. Retryable after a state re-read upstream.
			return types.CodedWrap(types.CodeProcessing, err,
				"partition version moved under trade %s", env.Work.Req.TradeID)
		}
		return err
	}
	// Warm L1 while the lock is still held so the next holder observes the
	// completed record.
	s.Dedupe.Completed(ctx, env.Work.Req.IdempotencyKey, env.Blotter.TradeID)
	return nil
}

// PublishStage hands the committed blotter to the downstream feed. Never
// fails: publication is at-least-once and decoupled from the job outcome.
type PublishStage struct {
	Feed *BlotterFeed
}

func (PublishStage) Name() string { return "publish" }

func (s PublishStage) Apply(_ context.Context, env *Env) error {
	s.Feed.Send(BlotterEvent{Blotter: env.Blotter, Source: env.Work.Req.Source})
	return nil
}
