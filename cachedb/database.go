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

// Package cachedb defines the capability interface over the distributed
// cache and lock service. Two backends implement it: redisdb for clustered
// deployments and memorydb for tests and single-node setups.
package cachedb

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("cachedb: key not found")

	// ErrNotLockOwner is returned by Release and Extend when the stored
	// fencing value does not match the token. The lock entry is left
	// untouched in that case.
	ErrNotLockOwner = errors.New("cachedb: not lock owner")

	// ErrLockWaitExpired is returned by Acquire when the wait timeout
	// elapses without the lock becoming available.
	ErrLockWaitExpired = errors.New("cachedb: lock wait expired")
)

// Lock acquisition backoff parameters. Retries start at 50ms and grow by
// 1.5x up to the 500ms ceiling until the wait timeout elapses.
const (
	acquireInitialBackoff = 50 * time.Millisecond
	acquireBackoffFactor  = 1.5
	acquireMaxBackoff     = 500 * time.Millisecond
)

// KeyValueStore is the plain cache capability set. Values are opaque
// strings; components layer JSON on top. All TTLs are mandatory where the
// signature carries one.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores the value only if the key is absent. The write is atomic
	// across the cluster.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Increment(ctx context.Context, key string, delta int64) (int64, error)
}

// LockToken proves ownership of a named lock for one acquisition. The
// fencing value is a per-acquisition nonce; mutating operations present it
// and are refused when it no longer matches the stored value. The deadline
// is guarded because the holder's keepalive and its worker both extend the
// same token.
type LockToken struct {
	Key     string
	Fencing string

	mu       sync.Mutex
	deadline time.Time
}

// NewLockToken builds a token for a fresh acquisition expiring at deadline.
func NewLockToken(key, fencing string, deadline time.Time) *LockToken {
	return &LockToken{Key: key, Fencing: fencing, deadline: deadline}
}

// Deadline is the instant the hold TTL lapses.
func (t *LockToken) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

// SetDeadline records a successful extension. Backends call it after the
// stored expiry moved.
func (t *LockToken) SetDeadline(d time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline = d
}

// Remaining is the time left before the hold TTL lapses.
func (t *LockToken) Remaining(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline.Sub(now)
}

// LockManager provides named distributed locks with fencing.
type LockManager interface {
	// Acquire takes the lock, retrying with exponential backoff until the
	// wait timeout. It returns ErrLockWaitExpired when the wait is
	// exhausted. The hold TTL is mandatory; holders must Extend before
	// expiry when processing runs long.
	Acquire(ctx context.Context, key string, hold, wait time.Duration) (*LockToken, error)

	// Release removes the lock if the token still owns it.
	Release(ctx context.Context, token *LockToken) error

	// Extend pushes the expiry out by extra from now, if the token still
	// owns the lock. On success the token's deadline is updated.
	Extend(ctx context.Context, token *LockToken, extra time.Duration) error

	IsLocked(ctx context.Context, key string) (bool, error)
}

// Database is the full capability set a backend provides.
type Database interface {
	KeyValueStore
	LockManager
	Close() error
}

// WaitAcquire drives the shared acquisition retry loop for backends. try
// returns a nil token while the lock is held elsewhere; backend I/O errors
// abort the loop immediately.
func WaitAcquire(ctx context.Context, wait time.Duration, try func(context.Context) (*LockToken, error)) (*LockToken, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = acquireInitialBackoff
	bo.Multiplier = acquireBackoffFactor
	bo.MaxInterval = acquireMaxBackoff
	bo.MaxElapsedTime = wait

	var token *LockToken
	op := func() error {
		t, err := try(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if t == nil {
			return ErrLockWaitExpired // held elsewhere, retry
		}
		token = t
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrLockWaitExpired
	}
	return token, nil
}
