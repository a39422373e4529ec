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

// Package redisdb implements the cachedb capability set on Redis. Lock
// mutation goes through Lua scripts so the fencing comparison and the write
// are one atomic step on the server.
package redisdb

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tradefabric/swapcapture/cachedb"
	"github.com/tradefabric/swapcapture/core/types"
)

const lockPrefix = "lock:"

// releaseScript deletes the lock only while the fencing value matches.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript refreshes the expiry only while the fencing value matches.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Config carries the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Database is a Redis-backed cachedb.Database.
type Database struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Database, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, wrap(err)
	}
	return &Database{client: client}, nil
}

// NewWithClient wraps an existing client; tests use it with miniredis.
func NewWithClient(client *redis.Client) *Database {
	return &Database{client: client}
}

func (db *Database) Close() error { return db.client.Close() }

func (db *Database) Get(ctx context.Context, key string) (string, error) {
	v, err := db.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", cachedb.ErrNotFound
	}
	if err != nil {
		return "", wrap(err)
	}
	return v, nil
}

func (db *Database) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap(db.client.Set(ctx, key, value, ttl).Err())
}

func (db *Database) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := db.client.SetNX(ctx, key, value, ttl).Result()
	return ok, wrap(err)
}

func (db *Database) Delete(ctx context.Context, key string) error {
	return wrap(db.client.Del(ctx, key).Err())
}

func (db *Database) Exists(ctx context.Context, key string) (bool, error) {
	n, err := db.client.Exists(ctx, key).Result()
	return n > 0, wrap(err)
}

func (db *Database) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := db.client.Expire(ctx, key, ttl).Result()
	return ok, wrap(err)
}

func (db *Database) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := db.client.IncrBy(ctx, key, delta).Result()
	return n, wrap(err)
}

// Acquire takes the named lock via SET NX with a fresh fencing nonce,
// retrying with the shared backoff schedule until the wait timeout.
func (db *Database) Acquire(ctx context.Context, key string, hold, wait time.Duration) (*cachedb.LockToken, error) {
	return cachedb.WaitAcquire(ctx, wait, func(ctx context.Context) (*cachedb.LockToken, error) {
		fencing := uuid.NewString()
		ok, err := db.client.SetNX(ctx, lockPrefix+key, fencing, hold).Result()
		if err != nil {
			return nil, wrap(err)
		}
		if !ok {
			return nil, nil
		}
		return cachedb.NewLockToken(key, fencing, time.Now().Add(hold)), nil
	})
}

func (db *Database) Release(ctx context.Context, token *cachedb.LockToken) error {
	n, err := releaseScript.Run(ctx, db.client, []string{lockPrefix + token.Key}, token.Fencing).Int()
	if err != nil {
		return wrap(err)
	}
	if n == 0 {
		return cachedb.ErrNotLockOwner
	}
	return nil
}

func (db *Database) Extend(ctx context.Context, token *cachedb.LockToken, extra time.Duration) error {
	n, err := extendScript.Run(ctx, db.client, []string{lockPrefix + token.Key}, token.Fencing, extra.Milliseconds()).Int()
	if err != nil {
		return wrap(err)
	}
	if n == 0 {
		return cachedb.ErrNotLockOwner
	}
	token.SetDeadline(time.Now().Add(extra))
	return nil
}

func (db *Database) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := db.client.Exists(ctx, lockPrefix+key).Result()
	return n > 0, wrap(err)
}

// wrap tags backend I/O failures as retryable so the pipeline fails the
// trade rather than the process.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	return types.CodedWrap(types.CodeServiceUnavailable, err, "cache unavailable")
}
