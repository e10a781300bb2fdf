// Copyright 2016 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package dht

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredht/node/p2p/discover"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testValue(id uint64, data string, ctime time.Time) *Value {
	return &Value{Id: id, Type: 1, Data: []byte(data), CreationTime: ctime}
}

var testKey = discover.HashId([]byte("storage test key"))

func TestInsertIdempotent(t *testing.T) {
	s := newTestStorage(t)
	now := time.Unix(1000, 0)
	v := testValue(1, "hello", now)

	require.True(t, s.Insert(testKey, v, DefaultValueTTL, false, true, now))
	bytesAfterFirst := s.totalBytes

	require.True(t, s.Insert(testKey, v.Clone(), DefaultValueTTL, false, true, now))
	assert.Equal(t, bytesAfterFirst, s.totalBytes, "second identical insert must not change the byte count")
	assert.Len(t, s.Get(testKey, now), 1)
}

func TestInsertRejectsOlderCreationTime(t *testing.T) {
	s := newTestStorage(t)
	now := time.Unix(1000, 0)

	require.True(t, s.Insert(testKey, testValue(1, "new", now), DefaultValueTTL, false, false, now))
	assert.False(t, s.Insert(testKey, testValue(1, "old", now.Add(-time.Minute)), DefaultValueTTL, false, false, now),
		"an older creation_time must not overwrite")

	got := s.Get(testKey, now)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("new"), got[0].Data)

	require.True(t, s.Insert(testKey, testValue(1, "newer", now.Add(time.Minute)), DefaultValueTTL, false, false, now))
	got = s.Get(testKey, now)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("newer"), got[0].Data)
}

func TestPerHashLimitEvictsNearestExpiry(t *testing.T) {
	s := newTestStorage(t)
	now := time.Unix(1000, 0)

	// Entry 1 expires soonest; it must be the one evicted when the slot
	// overflows.
	require.True(t, s.Insert(testKey, testValue(1, "short", now), time.Minute, false, false, now))
	for i := uint64(2); i <= MaxValuesPerHash; i++ {
		require.True(t, s.Insert(testKey, testValue(i, "x", now), DefaultValueTTL, false, false, now))
	}
	require.True(t, s.Insert(testKey, testValue(MaxValuesPerHash+1, "overflow", now), DefaultValueTTL, false, false, now))

	got := s.Get(testKey, now)
	assert.Len(t, got, MaxValuesPerHash)
	for _, v := range got {
		assert.NotEqual(t, uint64(1), v.Id, "the nearest-expiry entry must be the eviction victim")
	}
}

func TestExpireAtExactTimestamp(t *testing.T) {
	s := newTestStorage(t)
	now := time.Unix(1000, 0)
	ttl := time.Minute
	require.True(t, s.Insert(testKey, testValue(1, "x", now), ttl, false, false, now))

	justBefore := now.Add(ttl - time.Nanosecond)
	assert.Len(t, s.Get(testKey, justBefore), 1, "not expired before the deadline")

	atDeadline := now.Add(ttl)
	assert.Empty(t, s.Get(testKey, atDeadline), "expired at the exact deadline")

	var evicted []*Value
	s.OnEvict = func(key discover.IdHash, v *Value) { evicted = append(evicted, v) }
	s.Expire(atDeadline)
	require.Len(t, evicted, 1)
	assert.Equal(t, uint64(1), evicted[0].Id)
}

func TestPermanentEntriesSurviveAndCancel(t *testing.T) {
	s := newTestStorage(t)
	now := time.Unix(1000, 0)
	require.True(t, s.Insert(testKey, testValue(1, "keep", now), DefaultValueTTL, true, true, now))
	require.True(t, s.Insert(testKey, testValue(2, "drop", now), DefaultValueTTL, false, true, now))

	perm := s.PermanentEntries()
	require.Len(t, perm[testKey], 1)
	assert.Equal(t, uint64(1), perm[testKey][0].Id)

	s.CancelPermanent(testKey, 1)
	assert.Empty(t, s.PermanentEntries(), "cancelled permanent entry must no longer be re-announced")
}

func TestInsertNotifiesListeners(t *testing.T) {
	s := newTestStorage(t)
	now := time.Unix(1000, 0)

	var inserted []*Value
	s.OnInsert = func(key discover.IdHash, v *Value, permanent bool) { inserted = append(inserted, v) }
	require.True(t, s.Insert(testKey, testValue(5, "ping", now), DefaultValueTTL, false, false, now))
	require.Len(t, inserted, 1)
	assert.Equal(t, uint64(5), inserted[0].Id)
}

func TestStorageReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.db")
	now := time.Unix(1000, 0)

	s, err := NewStorage(path)
	require.NoError(t, err)
	require.True(t, s.Insert(testKey, testValue(1, "persisted", now), DefaultValueTTL, true, true, now))
	require.NoError(t, s.Close())

	s2, err := NewStorage(path)
	require.NoError(t, err)
	defer s2.Close()

	got := s2.Get(testKey, now)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("persisted"), got[0].Data)
	perm := s2.PermanentEntries()
	assert.Len(t, perm[testKey], 1, "permanence must survive a reload")
}

func TestExportCoversEveryEntry(t *testing.T) {
	s := newTestStorage(t)
	now := time.Unix(1000, 0)
	otherKey := discover.HashId([]byte("other"))

	require.True(t, s.Insert(testKey, testValue(1, "a", now), DefaultValueTTL, false, false, now))
	require.True(t, s.Insert(otherKey, testValue(2, "b", now), DefaultValueTTL, false, false, now))

	export := s.Export()
	assert.Len(t, export, 2)
	keys := map[discover.IdHash]bool{}
	for _, sv := range export {
		keys[sv.Key] = true
	}
	assert.True(t, keys[testKey] && keys[otherKey])
}
