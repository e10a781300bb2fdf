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
	"os"
	"sort"
	"time"

	"github.com/boltdb/bolt"

	"github.com/coredht/node/logger"
	"github.com/coredht/node/logger/glog"
	"github.com/coredht/node/p2p/discover"
)

const (
	// MaxValuesPerHash bounds how many distinct value_id entries a single
	// IdHash key may hold before the nearest-to-expiry one is evicted.
	MaxValuesPerHash = 64
	// DefaultValueTTL is used for values put without an explicit expiry.
	DefaultValueTTL = 10 * time.Minute
	// MaxStorageBytes is the global byte budget spec.md §4.G describes:
	// total stored value bytes across every key, enforced by evicting the
	// oldest-expiring entry first.
	MaxStorageBytes = 64 << 20
)

var storageBucketName = []byte("values")

// entry wraps a stored Value with the bookkeeping storage needs: when it
// expires, whether it originated locally, and whether it should survive
// eviction and be re-announced periodically.
type entry struct {
	Value     *Value
	Expiry    time.Time
	Permanent bool
	Local     bool
}

// Storage is the per-node value store: a bounded collection per IdHash
// key, persisted to a boltdb file so a restart doesn't lose permanent
// entries. Like RoutingTable it carries no internal lock: it is only
// ever touched from the Runner's I/O thread.
type Storage struct {
	db        *bolt.DB
	path      string
	ephemeral bool

	// byHash mirrors the on-disk contents for the common case (lookup,
	// eviction) without a transaction round-trip; the db is the durable
	// source of truth and is rebuilt into this map on open.
	byHash      map[discover.IdHash]map[uint64]*entry
	totalBytes  int

	// OnEvict fires after an entry is removed (expiry or capacity
	// eviction), carrying the value that was removed so callers
	// (the Dht's listen push path) can tell subscribers it expired.
	OnEvict func(key discover.IdHash, v *Value)
	// OnInsert fires after a new or updated value is accepted, so the
	// Dht can push it to anyone listening on key.
	OnInsert func(key discover.IdHash, v *Value, permanent bool)
}

func valueBytes(v *Value) int {
	return len(v.Data) + len(v.Owner) + len(v.Signature) + len(v.UserType)
}

// NewStorage opens (or creates) the boltdb file at path. An empty path
// creates a process-local, non-persistent store backed by a temp file
// that is removed on Close.
func NewStorage(path string) (*Storage, error) {
	ephemeral := path == ""
	if ephemeral {
		f, err := os.CreateTemp("", "dht-storage-*.db")
		if err != nil {
			return nil, err
		}
		path = f.Name()
		f.Close()
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(storageBucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	s := &Storage{db: db, path: path, ephemeral: ephemeral, byHash: make(map[discover.IdHash]map[uint64]*entry)}
	if err := s.loadFromDisk(); err != nil {
		glog.V(glog.Level(logger.Warn)).Infof("dht: storage: discarding unreadable entries in %s: %v", path, err)
	}
	return s, nil
}

func (s *Storage) Close() error {
	err := s.db.Close()
	if s.ephemeral {
		os.Remove(s.path)
	}
	return err
}

// Insert stores v under key/v.Id. If an entry with the same id already
// exists, the new value replaces it only if its CreationTime is newer or
// equal; otherwise the insert is rejected. Exceeding MaxValuesPerHash for
// this key evicts the entry nearest to expiry.
func (s *Storage) Insert(key discover.IdHash, v *Value, ttl time.Duration, permanent, local bool, now time.Time) bool {
	slot := s.byHash[key]
	if slot == nil {
		slot = make(map[uint64]*entry)
		s.byHash[key] = slot
	}
	var replacedBytes int
	if existing, ok := slot[v.Id]; ok {
		if v.CreationTime.Before(existing.Value.CreationTime) {
			return false
		}
		replacedBytes = valueBytes(existing.Value)
	}

	added := valueBytes(v)
	if s.totalBytes-replacedBytes+added > MaxStorageBytes {
		s.evictOldestExpiringExcept(key, v.Id)
		if s.totalBytes-replacedBytes+added > MaxStorageBytes {
			return false
		}
	}

	e := &entry{Value: v, Expiry: now.Add(ttl), Permanent: permanent, Local: local}
	slot[v.Id] = e
	s.totalBytes += added - replacedBytes
	s.persist(key, v.Id, e)
	metricValuesStored.Mark(1)
	if s.OnInsert != nil {
		s.OnInsert(key, v, permanent)
	}

	if len(slot) > MaxValuesPerHash {
		s.evictNearestExpiry(key, slot)
	}
	return true
}

// evictOldestExpiringExcept drops the single nearest-to-expiry entry
// across the whole store (the LRU-by-expiry policy of spec.md §4.G's
// global byte budget), never the entry currently being inserted.
func (s *Storage) evictOldestExpiringExcept(exceptKey discover.IdHash, exceptID uint64) {
	var victimKey discover.IdHash
	var victimID uint64
	var nearest time.Time
	found := false
	for key, slot := range s.byHash {
		for id, e := range slot {
			if key == exceptKey && id == exceptID {
				continue
			}
			if e.Permanent {
				continue
			}
			if !found || e.Expiry.Before(nearest) {
				victimKey, victimID, nearest, found = key, id, e.Expiry, true
			}
		}
	}
	if found {
		s.remove(victimKey, victimID)
	}
}

func (s *Storage) evictNearestExpiry(key discover.IdHash, slot map[uint64]*entry) {
	var victim uint64
	var found bool
	var nearest time.Time
	for id, e := range slot {
		if e.Permanent {
			continue
		}
		if !found || e.Expiry.Before(nearest) {
			victim, nearest, found = id, e.Expiry, true
		}
	}
	if found {
		s.remove(key, victim)
	}
}

// Get returns the live (non-expired) values stored under key.
func (s *Storage) Get(key discover.IdHash, now time.Time) []*Value {
	slot := s.byHash[key]
	if slot == nil {
		return nil
	}
	out := make([]*Value, 0, len(slot))
	for _, e := range slot {
		if now.Before(e.Expiry) {
			out = append(out, e.Value)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// Expire removes every entry in every key whose Expiry is at or before
// now, notifying OnEvict for each. Called once per periodic tick.
func (s *Storage) Expire(now time.Time) {
	for key, slot := range s.byHash {
		for id, e := range slot {
			if !now.Before(e.Expiry) {
				s.remove(key, id)
			}
		}
		if len(slot) == 0 {
			delete(s.byHash, key)
		}
	}
}

// PermanentEntries returns every entry flagged permanent, for the
// periodic re-announce pass.
func (s *Storage) PermanentEntries() map[discover.IdHash][]*Value {
	out := make(map[discover.IdHash][]*Value)
	for key, slot := range s.byHash {
		for _, e := range slot {
			if e.Permanent {
				out[key] = append(out[key], e.Value)
			}
		}
	}
	return out
}

// StoredValue pairs a key with one of its live values, the projection the
// runner's persisted-state file serializes.
type StoredValue struct {
	Key   discover.IdHash
	Value *Value
}

// Export returns every stored value with its key, in no particular order.
func (s *Storage) Export() []StoredValue {
	var out []StoredValue
	for key, slot := range s.byHash {
		for _, e := range slot {
			out = append(out, StoredValue{Key: key, Value: e.Value})
		}
	}
	return out
}

// CancelPermanent clears the permanence flag on key/id, if present, so
// it is no longer re-announced and becomes eligible for normal eviction.
func (s *Storage) CancelPermanent(key discover.IdHash, id uint64) {
	if slot := s.byHash[key]; slot != nil {
		if e, ok := slot[id]; ok {
			e.Permanent = false
			s.persist(key, id, e)
		}
	}
}

func (s *Storage) remove(key discover.IdHash, id uint64) {
	slot := s.byHash[key]
	if slot == nil {
		return
	}
	e, ok := slot[id]
	if !ok {
		return
	}
	s.totalBytes -= valueBytes(e.Value)
	metricValuesEvicted.Mark(1)
	delete(slot, id)
	s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(storageBucketName).Delete(storageKey(key, id))
	})
	if s.OnEvict != nil {
		s.OnEvict(key, e.Value)
	}
}

func (s *Storage) persist(key discover.IdHash, id uint64, e *entry) {
	blob, err := marshalEntry(e)
	if err != nil {
		glog.V(glog.Level(logger.Error)).Infof("dht: storage: marshal entry %x/%d: %v", key, id, err)
		return
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(storageBucketName).Put(storageKey(key, id), blob)
	}); err != nil {
		glog.V(glog.Level(logger.Error)).Infof("dht: storage: persist entry %x/%d: %v", key, id, err)
	}
}

func (s *Storage) loadFromDisk() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(storageBucketName)
		return b.ForEach(func(k, v []byte) error {
			key, id, err := splitStorageKey(k)
			if err != nil {
				return nil
			}
			e, err := unmarshalEntry(v)
			if err != nil {
				return nil
			}
			slot := s.byHash[key]
			if slot == nil {
				slot = make(map[uint64]*entry)
				s.byHash[key] = slot
			}
			slot[id] = e
			s.totalBytes += valueBytes(e.Value)
			return nil
		})
	})
}

func storageKey(key discover.IdHash, id uint64) []byte {
	out := make([]byte, len(key)+8)
	copy(out, key[:])
	for i := 0; i < 8; i++ {
		out[len(key)+i] = byte(id >> (uint(7-i) * 8))
	}
	return out
}

func splitStorageKey(k []byte) (discover.IdHash, uint64, error) {
	var id discover.IdHash
	if len(k) != len(id)+8 {
		return id, 0, errBadStorageKey
	}
	copy(id[:], k[:len(id)])
	var n uint64
	for i := 0; i < 8; i++ {
		n = n<<8 | uint64(k[len(id)+i])
	}
	return id, n, nil
}
