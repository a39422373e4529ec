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

// Package dbtest is the shared conformance suite every cachedb backend must
// pass.
package dbtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradefabric/swapcapture/cachedb"
)

// TestDatabaseSuite runs the capability conformance checks against a fresh
// backend returned by the factory.
func TestDatabaseSuite(t *testing.T, newDB func() cachedb.Database) {
	ctx := context.Background()

	t.Run("GetSetDelete", func(t *testing.T) {
		db := newDB()
		defer db.Close()

		_, err := db.Get(ctx, "missing")
		require.ErrorIs(t, err, cachedb.ErrNotFound)

		require.NoError(t, db.Set(ctx, "k", "v", time.Minute))
		v, err := db.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, "v", v)

		ok, err := db.Exists(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, db.Delete(ctx, "k"))
		_, err = db.Get(ctx, "k")
		require.ErrorIs(t, err, cachedb.ErrNotFound)
	})

	t.Run("SetNX", func(t *testing.T) {
		db := newDB()
		defer db.Close()

		ok, err := db.SetNX(ctx, "k", "first", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = db.SetNX(ctx, "k", "second", time.Minute)
		require.NoError(t, err)
		require.False(t, ok)

		v, err := db.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, "first", v)
	})

	t.Run("Increment", func(t *testing.T) {
		db := newDB()
		defer db.Close()

		n, err := db.Increment(ctx, "ctr", 2)
		require.NoError(t, err)
		require.EqualValues(t, 2, n)

		n, err = db.Increment(ctx, "ctr", 3)
		require.NoError(t, err)
		require.EqualValues(t, 5, n)
	})

	t.Run("LockExclusion", func(t *testing.T) {
		db := newDB()
		defer db.Close()

		token, err := db.Acquire(ctx, "part", time.Minute, time.Second)
		require.NoError(t, err)
		require.NotNil(t, token)
		require.NotEmpty(t, token.Fencing)

		held, err := db.IsLocked(ctx, "part")
		require.NoError(t, err)
		require.True(t, held)

		// Second acquisition must exhaust its wait.
		_, err = db.Acquire(ctx, "part", time.Minute, 150*time.Millisecond)
		require.ErrorIs(t, err, cachedb.ErrLockWaitExpired)

		require.NoError(t, db.Release(ctx, token))
		held, err = db.IsLocked(ctx, "part")
		require.NoError(t, err)
		require.False(t, held)
	})

	t.Run("LockFencing", func(t *testing.T) {
		db := newDB()
		defer db.Close()

		token, err := db.Acquire(ctx, "part", time.Minute, time.Second)
		require.NoError(t, err)

		forged := &cachedb.LockToken{Key: "part", Fencing: "not-the-owner"}
		require.ErrorIs(t, db.Release(ctx, forged), cachedb.ErrNotLockOwner)
		require.ErrorIs(t, db.Extend(ctx, forged, time.Minute), cachedb.ErrNotLockOwner)

		// The real owner is unaffected by the refused mutations.
		require.NoError(t, db.Extend(ctx, token, time.Minute))
		require.NoError(t, db.Release(ctx, token))
	})

	t.Run("ConcurrentExtend", func(t *testing.T) {
		db := newDB()
		defer db.Close()

		token, err := db.Acquire(ctx, "part", time.Minute, time.Second)
		require.NoError(t, err)

		// A keepalive goroutine and a worker extend the same token at the
		// same time; deadline reads must stay consistent throughout.
		var wg sync.WaitGroup
		errc := make(chan error, 4)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 25; j++ {
					if err := db.Extend(ctx, token, time.Minute); err != nil {
						errc <- err
						return
					}
					if token.Remaining(time.Now()) <= 0 {
						errc <- errors.New("deadline regressed under concurrent extend")
						return
					}
				}
			}()
		}
		wg.Wait()
		close(errc)
		for err := range errc {
			require.NoError(t, err)
		}
		require.NoError(t, db.Release(ctx, token))
	})

	t.Run("LockHandoff", func(t *testing.T) {
		db := newDB()
		defer db.Close()

		first, err := db.Acquire(ctx, "part", time.Minute, time.Second)
		require.NoError(t, err)

		// A waiter picks the lock up as soon as it is released.
		done := make(chan error, 1)
		go func() {
			t2, err := db.Acquire(ctx, "part", time.Minute, 5*time.Second)
			if err == nil {
				err = db.Release(ctx, t2)
			}
			done <- err
		}()
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, db.Release(ctx, first))
		require.NoError(t, <-done)
	})
}
