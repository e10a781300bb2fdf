// Copyright 2015 The go-ethereum Authors
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

// Contains the node database, storing previously seen nodes and any node
// bonding/findnode-failure metadata so that a restarted node doesn't have
// to start from zero.
package discover

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	nodeDBVersionKey = []byte("version") // Version of the database to flush if changes
	nodeDBItemPrefix = []byte("n:")      // Identifier to prefix node entries with

	nodeDBDiscoverFindFails = ":discover:findfail"
	nodeDBDiscoverPing      = ":discover:lastping"
	nodeDBDiscoverPong      = ":discover:lastpong"
)

const nodeDBNodeExpiration = 24 * time.Hour

// nodeDB stores previously seen nodes and data about their endpoint bonding
// state, backed by a leveldb instance.
type nodeDB struct {
	lvl *leveldb.DB
}

// newNodeDB creates a new node database, either backed by a persistent
// leveldb instance on disk, or by a memory database if path is empty.
func newNodeDB(path string, version int, self IdHash) (*nodeDB, error) {
	if path == "" {
		return newMemoryNodeDB()
	}
	db, err := newPersistentNodeDB(path, version, self)
	if err != nil {
		if _, iscorrupted := err.(*errors.ErrCorrupted); !iscorrupted {
			return nil, err
		}
		return newMemoryNodeDB()
	}
	return db, nil
}

func newMemoryNodeDB() (*nodeDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &nodeDB{lvl: db}, nil
}

func newPersistentNodeDB(path string, version int, self IdHash) (*nodeDB, error) {
	opts := &opt.Options{OpenFilesCacheCapacity: 5}
	db, err := leveldb.OpenFile(path, opts)
	if _, iscorrupted := err.(*errors.ErrCorrupted); iscorrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	currentVer := make([]byte, binary.MaxVarintLen64)
	currentVer = currentVer[:binary.PutVarint(currentVer, int64(version))]

	blob, err := db.Get(nodeDBVersionKey, nil)
	switch err {
	case leveldb.ErrNotFound:
		if err := db.Put(nodeDBVersionKey, currentVer, nil); err != nil {
			db.Close()
			return nil, err
		}
	case nil:
		if len(blob) == 0 || blob[0] != currentVer[0] {
			db.Close()
			if err = os.RemoveAll(path); err != nil {
				return nil, err
			}
			return newPersistentNodeDB(path, version, self)
		}
	}
	return &nodeDB{lvl: db}, nil
}

func (db *nodeDB) close() { db.lvl.Close() }

func makeKey(id IdHash, field string) []byte {
	if (id == IdHash{}) {
		return []byte(field)
	}
	return append(nodeDBItemPrefix, append(id[:], field...)...)
}

func splitKey(key []byte) (id IdHash, field string) {
	if !isNodeKey(key) {
		return IdHash{}, string(key)
	}
	item := key[len(nodeDBItemPrefix):]
	copy(id[:], item[:len(id)])
	field = string(item[len(id):])
	return id, field
}

func isNodeKey(key []byte) bool {
	return len(key) > len(nodeDBItemPrefix) &&
		string(key[:len(nodeDBItemPrefix)]) == string(nodeDBItemPrefix)
}

func (db *nodeDB) fetchInt64(key []byte) int64 {
	blob, err := db.lvl.Get(key, nil)
	if err != nil {
		return 0
	}
	val, read := binary.Varint(blob)
	if read <= 0 {
		return 0
	}
	return val
}

func (db *nodeDB) storeInt64(key []byte, n int64) error {
	blob := make([]byte, binary.MaxVarintLen64)
	blob = blob[:binary.PutVarint(blob, n)]
	return db.lvl.Put(key, blob, nil)
}

// nodeDBEntry is the JSON-encoded payload stored for each known node.
type nodeDBEntry struct {
	ID   IdHash
	IP   net.IP
	Port uint16
}

func (db *nodeDB) node(id IdHash) *Node {
	blob, err := db.lvl.Get(makeKey(id, "n"), nil)
	if err != nil {
		return nil
	}
	var e nodeDBEntry
	if err := json.Unmarshal(blob, &e); err != nil {
		return nil
	}
	return NewNode(e.ID, e.IP, e.Port)
}

func (db *nodeDB) updateNode(n *Node) error {
	blob, err := json.Marshal(nodeDBEntry{ID: n.ID, IP: n.IP, Port: n.Port})
	if err != nil {
		return err
	}
	return db.lvl.Put(makeKey(n.ID, "n"), blob, nil)
}

func (db *nodeDB) deleteNode(id IdHash) error {
	deleter := db.lvl.NewIterator(util.BytesPrefix(makeKey(id, "")), nil)
	defer deleter.Release()
	for deleter.Next() {
		if err := db.lvl.Delete(deleter.Key(), nil); err != nil {
			return err
		}
	}
	return nil
}

func (db *nodeDB) findFails(id IdHash) int {
	return int(db.fetchInt64(makeKey(id, nodeDBDiscoverFindFails)))
}

func (db *nodeDB) updateFindFails(id IdHash, fails int) error {
	return db.storeInt64(makeKey(id, nodeDBDiscoverFindFails), int64(fails))
}

func (db *nodeDB) lastPing(id IdHash) time.Time {
	return time.Unix(db.fetchInt64(makeKey(id, nodeDBDiscoverPing)), 0)
}

func (db *nodeDB) updateLastPing(id IdHash, t time.Time) error {
	return db.storeInt64(makeKey(id, nodeDBDiscoverPing), t.Unix())
}

func (db *nodeDB) lastPong(id IdHash) time.Time {
	return time.Unix(db.fetchInt64(makeKey(id, nodeDBDiscoverPong)), 0)
}

func (db *nodeDB) updateLastPong(id IdHash, t time.Time) error {
	return db.storeInt64(makeKey(id, nodeDBDiscoverPong), t.Unix())
}

// querySeeds retrieves random nodes to be used as potential seed nodes for
// bootstrapping, no older than maxAge.
func (db *nodeDB) querySeeds(n int, maxAge time.Duration) []*Node {
	var (
		now   = time.Now()
		nodes = make([]*Node, 0, n)
		it    iterator.Iterator
	)
	defer func() {
		if it != nil {
			it.Release()
		}
	}()

	for seeks := 0; len(nodes) < n && seeks < n*5; seeks++ {
		ctr := id64Seek(seeks)
		it = db.lvl.NewIterator(util.BytesPrefix(makeKey(ctr, "")), nil)
		if !it.Next() {
			it.Release()
			it = db.lvl.NewIterator(nil, nil)
			if !it.Next() {
				break
			}
		}
		id, field := splitKey(it.Key())
		if field != "n" {
			continue
		}
		n := db.node(id)
		if n == nil || now.Sub(db.lastPong(n.ID)) > maxAge {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes
}

// id64Seek produces a deterministic but spread-out IdHash prefix used to
// jump the leveldb iterator to different parts of the keyspace, so that
// repeated seed queries don't always return the same nodes first.
func id64Seek(i int) IdHash {
	var id IdHash
	binary.BigEndian.PutUint64(id[:8], uint64(i)*0x9E3779B97F4A7C15)
	return id
}

// expireNodes deletes every node whose last pong is older than
// nodeDBNodeExpiration. It runs in the caller's goroutine; no background
// cleaner is started.
func (db *nodeDB) expireNodes() {
	threshold := time.Now().Add(-nodeDBNodeExpiration)
	it := db.lvl.NewIterator(util.BytesPrefix(nodeDBItemPrefix), nil)
	defer it.Release()
	for it.Next() {
		id, field := splitKey(it.Key())
		if field != "n" {
			continue
		}
		if db.lastPong(id).Before(threshold) {
			db.deleteNode(id)
		}
	}
}
