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
	"math/big"
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"
)

var goldenClosest = [][]IdHash{
	{
		MustHexId("0x84d9d65c4552b5eb43d5ad55a2ee3f56c6cbc1c6"),
		MustHexId("0x57d9d65c4552b5eb43d5ad55a2ee3f56c6cbc1c6"),
	},
	{
		MustHexId("0x22d9d65c4552b5eb43d5ad55a2ee3f56c6cbc1c6"),
		MustHexId("0x44d9d65c4552b5eb43d5ad55a2ee3f56c6cbc1c6"),
		MustHexId("0xe2d9d65c4552b5eb43d5ad55a2ee3f56c6cbc1c6"),
	},
}

func TestClosest(t *testing.T) {
	for _, gold := range goldenClosest {
		target := IdHash{}
		want := make([]*Node, len(gold))
		for i, id := range gold {
			want[i] = &Node{ID: id}
		}
		sortByDistance(want, target)

		c := &closestNodes{target: target}
		// insert in reverse order
		for i := len(want) - 1; i >= 0; i-- {
			c.push(want[i], len(want))
		}
		if got := c.entries; !reflect.DeepEqual(got, want) {
			t.Errorf("got %+v, want %+v", got, want)
		}

		// insert again (duplicate ids are not expected to appear twice in
		// real use, but push must stay stable under repeats of the same
		// set)
		for _, n := range want {
			c.push(n, len(want))
		}
		if len(c.entries) != len(want) {
			t.Errorf("after reinsert len = %d, want %d", len(c.entries), len(want))
		}
	}
}

func sortByDistance(nodes []*Node, target IdHash) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && distance(target, nodes[j].ID).less(distance(target, nodes[j-1].ID)); j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

func quickcfg() *quick.Config {
	return &quick.Config{
		MaxCount: 5000,
		Values: func(args []reflect.Value, r *rand.Rand) {
			for i := range args {
				var h IdHash
				r.Read(h[:])
				args[i] = reflect.ValueOf(h)
			}
		},
	}
}

func TestDistanceLess(t *testing.T) {
	distLessBig := func(target, a, b IdHash) bool {
		tbig := new(big.Int).SetBytes(target[:])
		abig := new(big.Int).SetBytes(a[:])
		bbig := new(big.Int).SetBytes(b[:])
		return new(big.Int).Xor(tbig, abig).Cmp(new(big.Int).Xor(tbig, bbig)) < 0
	}
	distLess := func(target, a, b IdHash) bool {
		return distance(target, a).less(distance(target, b))
	}
	if err := quick.CheckEqual(distLess, distLessBig, quickcfg()); err != nil {
		t.Error(err)
	}
}

// the random test is likely to miss the case where they're equal.
func TestDistanceLessEqual(t *testing.T) {
	base := IdHash{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19}
	x := IdHash{19, 18, 17, 16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1, 0}
	_ = base
	if distance(x, x).less(distance(x, x)) {
		t.Errorf("distance(x,x).less(distance(x,x)) should be false")
	}
}

func TestLogdist(t *testing.T) {
	logdistBig := func(a, b IdHash) int {
		abig, bbig := new(big.Int).SetBytes(a[:]), new(big.Int).SetBytes(b[:])
		return new(big.Int).Xor(abig, bbig).BitLen()
	}
	if err := quick.CheckEqual(logdist, logdistBig, quickcfg()); err != nil {
		t.Error(err)
	}
}

// the random test is likely to miss the case where they're equal.
func TestLogdistEqual(t *testing.T) {
	x := IdHash{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19}
	if logdist(x, x) != 0 {
		t.Errorf("logdist(x, x) != 0")
	}
}
