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

// Package memorydb implements the cachedb capability set in process memory.
// It backs tests and single-node deployments; the semantics, including lock
// fencing, mirror the redisdb backend.
package memorydb

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradefabric/swapcapture/cachedb"
)

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Database is an in-memory cachedb.Database. The zero value is not usable;
// construct with New.
type Database struct {
	mu      sync.Mutex
	entries map[string]*entry
	locks   map[string]*entry // value holds the fencing nonce
	closed  bool
}

// New creates an empty in-memory database.
func New() *Database {
	return &Database{
		entries: make(map[string]*entry),
		locks:   make(map[string]*entry),
	}
}

func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	db.entries = make(map[string]*entry)
	db.locks = make(map[string]*entry)
	return nil
}

func (db *Database) get(m map[string]*entry, key string, now time.Time) (*entry, bool) {
	e, ok := m[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		delete(m, key)
		return nil, false
	}
	return e, true
}

func (db *Database) Get(_ context.Context, key string) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.get(db.entries, key, time.Now())
	if !ok {
		return "", cachedb.ErrNotFound
	}
	return e.value, nil
}

func (db *Database) Set(_ context.Context, key, value string, ttl time.Duration) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.entries[key] = newEntry(value, ttl)
	return nil
}

func (db *Database) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.get(db.entries, key, time.Now()); ok {
		return false, nil
	}
	db.entries[key] = newEntry(value, ttl)
	return true, nil
}

func (db *Database) Delete(_ context.Context, key string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.entries, key)
	return nil
}

func (db *Database) Exists(_ context.Context, key string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.get(db.entries, key, time.Now())
	return ok, nil
}

func (db *Database) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.get(db.entries, key, time.Now())
	if !ok {
		return false, nil
	}
	e.expiresAt = time.Now().Add(ttl)
	return true, nil
}

func (db *Database) Increment(_ context.Context, key string, delta int64) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var current int64
	if e, ok := db.get(db.entries, key, time.Now()); ok {
		n, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
	}
	current += delta
	db.entries[key] = &entry{value: strconv.FormatInt(current, 10)}
	return current, nil
}

// Acquire takes the named lock with a fresh fencing nonce, retrying with the
// shared backoff schedule until the wait timeout.
func (db *Database) Acquire(ctx context.Context, key string, hold, wait time.Duration) (*cachedb.LockToken, error) {
	return cachedb.WaitAcquire(ctx, wait, func(context.Context) (*cachedb.LockToken, error) {
		db.mu.Lock()
		defer db.mu.Unlock()
		now := time.Now()
		if _, held := db.get(db.locks, key, now); held {
			return nil, nil
		}
		fencing := uuid.NewString()
		db.locks[key] = &entry{value: fencing, expiresAt: now.Add(hold)}
		return cachedb.NewLockToken(key, fencing, now.Add(hold)), nil
	})
}

func (db *Database) Release(_ context.Context, token *cachedb.LockToken) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.get(db.locks, token.Key, time.Now())
	if !ok || e.value != token.Fencing {
		return cachedb.ErrNotLockOwner
	}
	delete(db.locks, token.Key)
	return nil
}

func (db *Database) Extend(_ context.Context, token *cachedb.LockToken, extra time.Duration) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := time.Now()
	e, ok := db.get(db.locks, token.Key, now)
	if !ok || e.value != token.Fencing {
		return cachedb.ErrNotLockOwner
	}
	e.expiresAt = now.Add(extra)
	token.SetDeadline(e.expiresAt)
	return nil
}

func (db *Database) IsLocked(_ context.Context, key string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, held := db.get(db.locks, key, time.Now())
	return held, nil
}

func newEntry(value string, ttl time.Duration) *entry {
	e := &entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	return e
}
