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

package discover

import (
	"math/rand"
	"net"
	"testing"
	"testing/quick"
	"time"

	"github.com/davecgh/go-spew/spew"
)

var testSelf = MustHexId("0x0000000000000000000000000000000000000001")

// lanNode builds a node on a loopback address, which is exempt from the
// per-bucket and per-table IP diversity limits.
func lanNode(id IdHash, i int) *Node {
	return NewNode(id, net.IPv4(127, 0, 0, byte(1+i%250)), uint16(30000+i))
}

func randomID(r *rand.Rand) IdHash {
	var id IdHash
	r.Read(id[:])
	return id
}

func TestInsertDropsMalformed(t *testing.T) {
	tab := NewRoutingTable(testSelf)
	dropped := 0
	tab.OnDrop = func(string) { dropped++ }
	now := time.Unix(1000, 0)

	if tab.Insert(lanNode(IdHash{}, 0), now) {
		t.Error("zero id must not insert")
	}
	if tab.Insert(lanNode(testSelf, 1), now) {
		t.Error("own id must not insert")
	}
	if tab.Insert(nil, now) {
		t.Error("nil node must not insert")
	}
	if dropped != 3 {
		t.Errorf("dropped = %d, want 3", dropped)
	}
	if tab.Len() != 0 {
		t.Errorf("Len = %d, want 0", tab.Len())
	}
}

func TestInsertBumpsExisting(t *testing.T) {
	tab := NewRoutingTable(testSelf)
	now := time.Unix(1000, 0)
	r := rand.New(rand.NewSource(42))

	a := lanNode(randomID(r), 0)
	b := lanNode(randomID(r), 1)
	tab.Insert(a, now)
	tab.Insert(b, now)
	before := tab.Len()

	if !tab.Insert(a, now.Add(time.Second)) {
		t.Fatal("re-insert of a known node must succeed")
	}
	if tab.Len() != before {
		t.Errorf("re-insert changed Len from %d to %d", before, tab.Len())
	}
}

// fullBucketIDs returns bucketSize+1 distinct ids that all land in the
// same (non-owner) bucket of tab.
func fullBucketIDs(tab *RoutingTable, r *rand.Rand) []IdHash {
	var ids []IdHash
	wantIdx := -1
	seen := make(map[IdHash]bool)
	for len(ids) <= bucketSize {
		id := randomID(r)
		if seen[id] || id == tab.self {
			continue
		}
		idx := tab.bucketIndex(id)
		if idx == 0 {
			continue
		}
		if wantIdx == -1 {
			// a high bucket index has plenty of distinct members
			if idx < hashBits/2 {
				continue
			}
			wantIdx = idx
		}
		if idx != wantIdx {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func TestFullBucketRejectsWhenAllGood(t *testing.T) {
	tab := NewRoutingTable(testSelf)
	now := time.Unix(1000, 0)
	r := rand.New(rand.NewSource(7))
	ids := fullBucketIDs(tab, r)

	for i, id := range ids[:bucketSize] {
		n := lanNode(id, i)
		n.Received(now)
		if !tab.Insert(n, now) {
			t.Fatalf("insert %d into empty bucket failed", i)
		}
	}
	newcomer := lanNode(ids[bucketSize], bucketSize)
	if tab.Insert(newcomer, now) {
		t.Error("a full bucket of good nodes must reject a newcomer")
	}
	b := tab.bucketFor(newcomer.ID)
	found := false
	for _, e := range b.replacements {
		if e.ID == newcomer.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("rejected newcomer should be parked on the replacement list:\n%s", spew.Sdump(b.replacements))
	}
}

func TestFullBucketReplacesExpirable(t *testing.T) {
	tab := NewRoutingTable(testSelf)
	now := time.Unix(1000, 0)
	r := rand.New(rand.NewSource(8))
	ids := fullBucketIDs(tab, r)

	var victim *Node
	for i, id := range ids[:bucketSize] {
		n := lanNode(id, i)
		if i == 3 {
			// pending request, no reply ever: expirable
			n.Requested(now)
			victim = n
		} else {
			n.Received(now)
		}
		tab.Insert(n, now)
	}
	newcomer := lanNode(ids[bucketSize], bucketSize)
	if !tab.Insert(newcomer, now.Add(NodeExpireTime)) {
		t.Fatal("newcomer must displace the expirable entry")
	}
	b := tab.bucketFor(newcomer.ID)
	if len(b.entries) != bucketSize {
		t.Errorf("bucket size = %d, want %d", len(b.entries), bucketSize)
	}
	for _, e := range b.entries {
		if e.ID == victim.ID {
			t.Error("expirable entry should have been evicted")
		}
	}
}

// TestFindClosestMatchesBruteForce is the spec's k-nearest property: for
// any insertion sequence, FindClosest returns as many nodes as a brute-force
// sort of the inserted nodes keeps, and each one is at the same distance as
// the brute-force node in the same position.
func TestFindClosestMatchesBruteForce(t *testing.T) {
	cfg := &quick.Config{MaxCount: 200}
	check := func(seed int64) bool {
		r := rand.New(rand.NewSource(seed))
		tab := NewRoutingTable(testSelf)
		now := time.Unix(1000, 0)
		var inserted []*Node
		for i := 0; i < 100; i++ {
			n := lanNode(randomID(r), i)
			if tab.Insert(n, now) {
				inserted = append(inserted, n)
			}
		}
		target := randomID(r)
		got := tab.FindClosest(target, bucketSize)

		sortByDistance(inserted, target)
		want := inserted
		if len(want) > bucketSize {
			want = want[:bucketSize]
		}
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			dg := distance(target, got[i].ID)
			dw := distance(target, want[i].ID)
			if dg.less(dw) || dw.less(dg) {
				return false
			}
		}
		return true
	}
	if err := quick.Check(check, cfg); err != nil {
		t.Error(err)
	}
}

// TestRandomIdInBucket checks the refresh targets land back in the
// bucket they were generated for, across every bucket index.
func TestRandomIdInBucket(t *testing.T) {
	tab := NewRoutingTable(testSelf)
	for idx := 0; idx < nBuckets; idx++ {
		for trial := 0; trial < 8; trial++ {
			id := tab.randomIdInBucket(idx)
			if got := tab.bucketIndex(id); got != idx {
				t.Fatalf("bucket %d: generated id %s lands in bucket %d", idx, id, got)
			}
		}
	}
}

func TestRefreshMarksBuckets(t *testing.T) {
	tab := NewRoutingTable(testSelf)
	now := time.Unix(1000, 0)

	first := tab.Refresh(now)
	if len(first) != nBuckets {
		t.Fatalf("first refresh should target every bucket, got %d", len(first))
	}
	if again := tab.Refresh(now.Add(time.Minute)); len(again) != 0 {
		t.Errorf("refresh within the interval should be empty, got %d", len(again))
	}
	if later := tab.Refresh(now.Add(BucketRefreshInterval + time.Second)); len(later) != nBuckets {
		t.Errorf("refresh after the interval should target every bucket again, got %d", len(later))
	}
}

func TestRemove(t *testing.T) {
	tab := NewRoutingTable(testSelf)
	now := time.Unix(1000, 0)
	r := rand.New(rand.NewSource(9))
	n := lanNode(randomID(r), 0)
	tab.Insert(n, now)
	tab.Remove(n.ID)
	if tab.Len() != 0 {
		t.Errorf("Len after Remove = %d, want 0", tab.Len())
	}
}
