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

// Package dedupe implements the two-tier idempotency index: a distributed
// cache entry per key for the fast path (L1) and a durable record (L2) that
// survives cache loss. L1 is written synchronously on completion, so a
// Check that follows a successful commit always hits.
package dedupe

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tradefabric/swapcapture/cachedb"
	"github.com/tradefabric/swapcapture/core/types"
	"github.com/tradefabric/swapcapture/store"
)

// ErrDuplicate is returned by Register when a live record already owns the
// key.
var ErrDuplicate = errors.New("dedupe: duplicate idempotency key")

// DefaultWindow is the dedupe window applied when the config leaves it zero.
const DefaultWindow = 24 * time.Hour

const keyPrefix = "idempotency:"

// Verdict classifies a Check result.
type Verdict int

const (
	Miss Verdict = iota
	HitProcessing
	HitCompleted
)

func (v Verdict) String() string {
	switch v {
	case HitProcessing:
		return "HIT_PROCESSING"
	case HitCompleted:
		return "HIT_COMPLETED"
	default:
		return "MISS"
	}
}

// Outcome is the result of a Check. Blotter is set for HitCompleted.
type Outcome struct {
	Verdict Verdict
	Blotter *types.SwapBlotter
}

// cacheEntry is the L1 value layout.
type cacheEntry struct {
	Status  types.IdempotencyStatus `json:"status"`
	TradeID string                  `json:"tradeId,omitempty"`
}

// Store is the two-tier idempotency index.
type Store struct {
	cache    cachedb.KeyValueStore
	records  *store.IdempotencyRecords
	blotters *store.BlotterStore
	window   time.Duration
	log      *zap.SugaredLogger
}

// New builds the index over the given cache and durable stores.
func New(cache cachedb.KeyValueStore, db *store.DB, window time.Duration, log *zap.SugaredLogger) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{
		cache:    cache,
		records:  db.Idempotency,
		blotters: db.Blotters,
		window:   window,
		log:      log,
	}
}

// Check consults L1 first and falls back to L2. A non-expired COMPLETED
// record warms L1 on the way out. Cache failures degrade to the durable
// tier rather than failing the check.
func (s *Store) Check(ctx context.Context, req *types.TradeRequest) (Outcome, error) {
	if v, err := s.cache.Get(ctx, keyPrefix+req.IdempotencyKey); err == nil {
		var entry cacheEntry
		if json.Unmarshal([]byte(v), &entry) == nil {
			switch entry.Status {
			case types.IdempotencyProcessing:
				return Outcome{Verdict: HitProcessing}, nil
			case types.IdempotencyCompleted:
				if blotter, err := s.blotters.Get(ctx, entry.TradeID); err == nil {
					return Outcome{Verdict: HitCompleted, Blotter: blotter}, nil
				}
				// Blotter missing under a completed entry: distrust L1
				// and consult the durable tier.
			}
		}
	} else if !errors.Is(err, cachedb.ErrNotFound) {
		s.log.Warnw("Idempotency cache read failed, falling back to durable tier", "key", req.IdempotencyKey, "err", err)
	}

	rec, err := s.records.Get(ctx, req.IdempotencyKey)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Verdict: Miss}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	now := time.Now().UTC()
	switch {
	case rec.Status == types.IdempotencyProcessing:
		return Outcome{Verdict: HitProcessing}, nil
	case rec.Status == types.IdempotencyCompleted && !rec.Expired(now):
		blotter, err := s.blotters.Get(ctx, rec.BlotterRef)
		if err != nil {
			return Outcome{}, err
		}
		s.warm(ctx, rec.Key, types.IdempotencyCompleted, rec.BlotterRef, rec.ExpiresAt.Sub(now))
		return Outcome{Verdict: HitCompleted, Blotter: blotter}, nil
	default:
		// FAILED or expired: the key is free to retry.
		return Outcome{Verdict: Miss}, nil
	}
}

// Register claims the key with a PROCESSING record before the pipeline
// runs. Collisions resolve as follows: a completed live record is a
// duplicate; a processing record for the same trade is adopted (the retry
// of an aborted attempt); a failed record is reactivated for the retry.
func (s *Store) Register(ctx context.Context, req *types.TradeRequest) error {
	now := time.Now().UTC()
	rec := &types.IdempotencyRecord{
		Key:          req.IdempotencyKey,
		TradeID:      req.TradeID,
		PartitionKey: req.PartitionKey,
		Status:       types.IdempotencyProcessing,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.window),
	}
	err := s.records.Insert(ctx, rec)
	if err == nil {
		s.warm(ctx, rec.Key, types.IdempotencyProcessing, "", s.window)
		return nil
	}
	if !errors.Is(err, store.ErrDuplicateKey) {
		return err
	}
	existing, err := s.records.Get(ctx, req.IdempotencyKey)
	if errors.Is(err, store.ErrNotFound) {
		// Lost a race with the sweeper; one more attempt.
		if err := s.records.Insert(ctx, rec); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				return ErrDuplicate
			}
			return err
		}
		s.warm(ctx, rec.Key, types.IdempotencyProcessing, "", s.window)
		return nil
	}
	if err != nil {
		return err
	}
	switch existing.Status {
	case types.IdempotencyProcessing:
		if existing.TradeID == req.TradeID {
			return nil // retry of an aborted attempt, adopt the record
		}
		return ErrDuplicate
	case types.IdempotencyFailed:
		ok, err := s.records.Reactivate(ctx, req.IdempotencyKey, now.Add(s.window))
		if err != nil {
			return err
		}
		if !ok {
			return ErrDuplicate
		}
		s.warm(ctx, rec.Key, types.IdempotencyProcessing, "", s.window)
		return nil
	default: // COMPLETED
		if existing.Expired(now) {
			if err := s.records.Archive(ctx, req.IdempotencyKey); err != nil {
				return err
			}
			if err := s.records.Insert(ctx, rec); err != nil {
				if errors.Is(err, store.ErrDuplicateKey) {
					return ErrDuplicate
				}
				return err
			}
			s.warm(ctx, rec.Key, types.IdempotencyProcessing, "", s.window)
			return nil
		}
		return ErrDuplicate
	}
}

// Completed warms L1 after the commit transaction flipped the durable
// record. Must be called before the partition lock is released so the next
// holder observes the hit.
func (s *Store) Completed(ctx context.Context, key, blotterRef string) {
	s.warm(ctx, key, types.IdempotencyCompleted, blotterRef, s.window)
}

// MarkFailed finalizes the durable record as FAILED in its own transaction
// and drops the L1 entry so retries re-register.
func (s *Store) MarkFailed(ctx context.Context, key string) error {
	if err := s.cache.Delete(ctx, keyPrefix+key); err != nil {
		s.log.Warnw("Idempotency cache delete failed", "key", key, "err", err)
	}
	return s.records.MarkFailed(ctx, key)
}

// ArchiveExpired sweeps records past their dedupe window.
func (s *Store) ArchiveExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.records.ArchiveExpired(ctx, now)
}

func (s *Store) warm(ctx context.Context, key string, status types.IdempotencyStatus, tradeID string, ttl time.Duration) {
	raw, _ := json.Marshal(cacheEntry{Status: status, TradeID: tradeID})
	if err := s.cache.Set(ctx, keyPrefix+key, string(raw), ttl); err != nil {
		s.log.Warnw("Idempotency cache write failed", "key", key, "err", err)
	}
}
