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

// Package discover implements the Kademlia-style routing table and peer
// liveness model shared by the raw and secure DHT layers.
package discover

import (
	"crypto/rand"
	"net"
	"sort"
	"time"

	"github.com/coredht/node/p2p/distip"
)

const (
	hashBits   = len(IdHash{}) * 8 // 160
	nBuckets   = hashBits          // one bucket per possible logdist, 1..hashBits
	bucketSize = 8                 // K
	alpha      = 3                 // concurrency factor, used by the search layer

	bucketIPLimit, bucketSubnet = 2, 24 // at most 2 addresses from the same /24
	tableIPLimit, tableSubnet   = 10, 24

	BucketRefreshInterval = 15 * time.Minute
)

// bucket contains nodes, ordered by time of last contact: the most
// recently active entry is first. It also carries a small replacement
// list of recently-seen nodes used to fill gaps when live entries expire.
type bucket struct {
	entries      []*Node
	replacements []*Node
	ips          distip.DistinctNetSet
	lastQueried  time.Time
}

// RoutingTable is the k-bucket trie keyed on the owner's own id. It has no
// internal locking: it is only ever touched from the single I/O thread the
// Runner owns (spec.md §5), so callers must not share it across
// goroutines.
//
// Buckets are indexed directly by logarithmic distance to self rather than
// built up by recursive splitting. For a 160-bit space the two are
// equivalent: a recursively-split trie over-allocates precision exactly at
// the buckets closest to self and keeps far buckets coarse, which is
// exactly what a 160-entry distance-indexed array already gives for free.
// buckets[0] stands in for "the bucket covering the owner id" in spec.md
// §4.E: it is the only one allowed to evict a non-expired entry to make
// room for a strictly closer node (the split). All other buckets only
// replace entries that are themselves Expirable, and otherwise drop the
// newcomer.
type RoutingTable struct {
	self    IdHash
	buckets [nBuckets]*bucket
	ips     distip.DistinctNetSet
	db      *nodeDB // optional persisted peer history

	// OnDrop is invoked (if set) whenever Insert silently discards a node,
	// e.g. a malformed id or a full bucket with no room. Wired to the stats
	// counters in dht/stats.go.
	OnDrop func(reason string)
	// OnAdd is invoked whenever a node is newly added to a bucket.
	OnAdd func(*Node)
}

// NewRoutingTable creates an empty table for the given local id.
func NewRoutingTable(self IdHash) *RoutingTable {
	tab := &RoutingTable{
		self: self,
		ips:  distip.DistinctNetSet{Subnet: tableSubnet, Limit: tableIPLimit},
	}
	for i := range tab.buckets {
		tab.buckets[i] = &bucket{ips: distip.DistinctNetSet{Subnet: bucketSubnet, Limit: bucketIPLimit}}
	}
	return tab
}

const nodeDBVersion = 1

// NewPersistentRoutingTable additionally opens a leveldb-backed node
// database at path, so known peers and their liveness history survive a
// restart and can seed the next bootstrap.
func NewPersistentRoutingTable(self IdHash, path string) (*RoutingTable, error) {
	tab := NewRoutingTable(self)
	db, err := newNodeDB(path, nodeDBVersion, self)
	if err != nil {
		return nil, err
	}
	tab.db = db
	return tab, nil
}

// Close releases the node database, if one is open.
func (tab *RoutingTable) Close() {
	if tab.db != nil {
		tab.db.close()
	}
}

// SeedNodes returns up to n nodes from the persisted history contacted
// within maxAge, for bootstrap without a configured peer.
func (tab *RoutingTable) SeedNodes(n int, maxAge time.Duration) []*Node {
	if tab.db == nil {
		return nil
	}
	return tab.db.querySeeds(n, maxAge)
}

// PruneHistory drops persisted nodes not heard from within the database
// expiration window. Called from the periodic tick.
func (tab *RoutingTable) PruneHistory() {
	if tab.db != nil {
		tab.db.expireNodes()
	}
}

// Self returns the table's own id.
func (tab *RoutingTable) Self() IdHash { return tab.self }

// Len returns the total number of live entries across all buckets.
func (tab *RoutingTable) Len() (n int) {
	for _, b := range tab.buckets {
		n += len(b.entries)
	}
	return n
}

// bucketIndex returns the index of the bucket that would hold id.
func (tab *RoutingTable) bucketIndex(id IdHash) int {
	if id == tab.self {
		return 0
	}
	d := logdist(tab.self, id)
	if d <= 0 {
		d = 1
	}
	return d - 1
}

func (tab *RoutingTable) bucketFor(id IdHash) *bucket {
	return tab.buckets[tab.bucketIndex(id)]
}

func (tab *RoutingTable) isOwnerBucket(idx int) bool {
	return idx == 0
}

// Insert places a node into its bucket.
//
//   - If the node is already present, it is bumped to the front (most
//     recently active).
//   - If the bucket has room, the node is inserted at the front.
//   - If the bucket is full and it is the owner-covering bucket
//     (buckets[0]), the least-recently-active entry is evicted to make
//     room for the newcomer (the "split" of spec.md §4.E).
//   - If the bucket is full and it is any other bucket, the node replaces
//     an existing Expirable entry if one exists; otherwise it is parked
//     on the bucket's replacement list and the insert reports false.
//
// A malformed node id (the zero value) is dropped and reported via OnDrop.
func (tab *RoutingTable) Insert(n *Node, now time.Time) bool {
	if n == nil || n.ID.IsZero() || n.ID == tab.self {
		tab.drop("malformed or self id")
		return false
	}
	idx := tab.bucketIndex(n.ID)
	b := tab.buckets[idx]

	for i, e := range b.entries {
		if e.ID == n.ID {
			b.entries = bump(b.entries, i)
			if tab.db != nil {
				tab.db.updateLastPong(n.ID, now)
			}
			return true
		}
	}

	if len(b.entries) < bucketSize {
		if !tab.addIP(b, n.IP) {
			tab.drop("ip limit exceeded")
			return false
		}
		n.addedAt = now
		b.entries = append([]*Node{n}, b.entries...)
		tab.addedHook(n)
		return true
	}

	if tab.isOwnerBucket(idx) {
		evicted := b.entries[len(b.entries)-1]
		tab.removeIP(b, evicted.IP)
		if !tab.addIP(b, n.IP) {
			tab.drop("ip limit exceeded")
			return false
		}
		n.addedAt = now
		b.entries = append([]*Node{n}, b.entries[:len(b.entries)-1]...)
		tab.addedHook(n)
		return true
	}

	for i, e := range b.entries {
		if e.Expirable(now) {
			tab.removeIP(b, e.IP)
			if !tab.addIP(b, n.IP) {
				tab.drop("ip limit exceeded")
				return false
			}
			n.addedAt = now
			b.entries[i] = n
			b.entries = bump(b.entries, i)
			tab.addedHook(n)
			return true
		}
	}

	tab.addReplacement(b, n)
	return false
}

func (tab *RoutingTable) addedHook(n *Node) {
	if tab.db != nil {
		tab.db.updateNode(n)
		tab.db.updateLastPong(n.ID, n.addedAt)
	}
	if tab.OnAdd != nil {
		tab.OnAdd(n)
	}
}

func (tab *RoutingTable) drop(reason string) {
	if tab.OnDrop != nil {
		tab.OnDrop(reason)
	}
}

// bump moves entries[i] to the front of the slice.
func bump(entries []*Node, i int) []*Node {
	n := entries[i]
	copy(entries[1:i+1], entries[:i])
	entries[0] = n
	return entries
}

// Remove deletes a node from its bucket, e.g. after it is evacuated for
// repeated protocol errors.
func (tab *RoutingTable) Remove(id IdHash) {
	b := tab.bucketFor(id)
	for i, e := range b.entries {
		if e.ID == id {
			tab.removeIP(b, e.IP)
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			if tab.db != nil {
				tab.db.deleteNode(id)
			}
			return
		}
	}
}

// FindClosest returns up to n nodes sorted by XOR distance to target.
func (tab *RoutingTable) FindClosest(target IdHash, n int) []*Node {
	c := &closestNodes{target: target}
	for _, b := range tab.buckets {
		for _, e := range b.entries {
			c.push(e, n)
		}
	}
	return c.entries
}

// Refresh returns a random target id inside each bucket that has not been
// queried within BucketRefreshInterval, so the caller (the search layer)
// can schedule a find_node search for it.
func (tab *RoutingTable) Refresh(now time.Time) []IdHash {
	var targets []IdHash
	for i, b := range tab.buckets {
		if now.Sub(b.lastQueried) < BucketRefreshInterval {
			continue
		}
		b.lastQueried = now
		targets = append(targets, tab.randomIdInBucket(i))
	}
	return targets
}

// randomIdInBucket returns a random id whose logdist to self equals the
// distance represented by bucket index idx: the top bits match self, the
// bit at the split position is flipped, and the remaining low bits are
// random.
func (tab *RoutingTable) randomIdInBucket(idx int) IdHash {
	d := idx + 1 // logdist represented by this bucket, 1..hashBits
	var out IdHash
	rand.Read(out[:])

	bitPos := hashBits - d // 0-indexed from the most significant bit
	byteIdx := bitPos / 8
	bitInByte := uint(bitPos % 8)
	bitMask := byte(0x80) >> bitInByte

	for i := 0; i < byteIdx; i++ {
		out[i] = tab.self[i]
	}
	highMask := byte(0)
	if bitInByte > 0 {
		highMask = byte(0xFF) << (8 - bitInByte)
	}
	lowMask := bitMask - 1
	flipped := (tab.self[byteIdx] ^ bitMask) & bitMask
	out[byteIdx] = (tab.self[byteIdx] & highMask) | flipped | (out[byteIdx] & lowMask)
	return out
}

func (tab *RoutingTable) addIP(b *bucket, ip net.IP) bool {
	if distip.IsLAN(ip) {
		return true
	}
	if !tab.ips.Add(ip) {
		return false
	}
	if !b.ips.Add(ip) {
		tab.ips.Remove(ip)
		return false
	}
	return true
}

func (tab *RoutingTable) removeIP(b *bucket, ip net.IP) {
	if distip.IsLAN(ip) {
		return
	}
	tab.ips.Remove(ip)
	b.ips.Remove(ip)
}

func (tab *RoutingTable) addReplacement(b *bucket, n *Node) {
	for _, e := range b.replacements {
		if e.ID == n.ID {
			return
		}
	}
	const maxReplacements = 10
	b.replacements = append(b.replacements, n)
	if len(b.replacements) > maxReplacements {
		b.replacements = b.replacements[len(b.replacements)-maxReplacements:]
	}
}

// closestNodes accumulates the n closest nodes seen so far to target, kept
// sorted by ascending distance.
type closestNodes struct {
	target  IdHash
	entries []*Node
}

func (c *closestNodes) push(n *Node, maxElems int) {
	d := distance(c.target, n.ID)
	i := sort.Search(len(c.entries), func(i int) bool {
		return !distance(c.target, c.entries[i].ID).less(d)
	})
	if len(c.entries) >= maxElems && i >= maxElems {
		return
	}
	c.entries = append(c.entries, nil)
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = n
	if len(c.entries) > maxElems {
		c.entries = c.entries[:maxElems]
	}
}
