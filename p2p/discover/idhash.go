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
	"crypto/sha1"
	"encoding/hex"
	"errors"
)

// IdHash is a 160-bit key-space identifier: the same space node ids and
// stored value keys live in, so that findClosest(key) and findClosest(node)
// are the same operation.
type IdHash [20]byte

// PkId is a longer-form fingerprint used to address public-key owners
// independently of the 160-bit key space. It has the same comparison
// semantics as IdHash, just more bits.
type PkId [32]byte

var zeroIdHash IdHash

// HashId derives an IdHash by hashing arbitrary bytes with a fixed
// cryptographic hash (SHA-1, matching the 160-bit key space).
func HashId(data []byte) IdHash {
	return IdHash(sha1.Sum(data))
}

// IsZero reports whether h is the unset, zero-value id.
func (h IdHash) IsZero() bool {
	return h == zeroIdHash
}

func (h IdHash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns a copy of the raw id bytes.
func (h IdHash) Bytes() []byte {
	b := make([]byte, len(h))
	copy(b, h[:])
	return b
}

// HexId parses exactly 40 hex characters (optionally 0x-prefixed) into an
// IdHash. Odd-length and over/under-length input is rejected.
func HexId(s string) (IdHash, error) {
	var h IdHash
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s)%2 != 0 {
		return h, errors.New("discover: odd-length hex id")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, errors.New("discover: wrong id length, want 40 hex chars")
	}
	copy(h[:], b)
	return h, nil
}

// MustHexId is like HexId but panics on error. Useful in tests and
// hardcoded bootstrap tables.
func MustHexId(s string) IdHash {
	h, err := HexId(s)
	if err != nil {
		panic("discover: invalid hex id " + s + ": " + err.Error())
	}
	return h
}

// Distance is the XOR metric between two ids, interpreted as a 160-bit
// unsigned integer for ordering purposes.
type Distance [20]byte

// distance computes a XOR b.
func distance(a, b IdHash) Distance {
	var d Distance
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Dist is the exported form of distance, for callers outside this
// package (the search state machine in package dht) that need to order
// candidates by XOR distance the same way the routing table does.
func Dist(a, b IdHash) Distance { return distance(a, b) }

// less reports whether d is strictly closer (smaller) than other.
func (d Distance) less(other Distance) bool {
	return d.Less(other)
}

// Less reports whether d is strictly closer (smaller) than other.
func (d Distance) Less(other Distance) bool {
	for i := range d {
		if d[i] != other[i] {
			return d[i] < other[i]
		}
	}
	return false
}

// logdist returns the logarithmic distance between a and b: the index of
// the highest set bit in (a XOR b), counted from the most significant bit
// of the id, plus one. Two equal ids have logdist 0. This is the bucket
// index used by the routing table: bucket d holds nodes whose distance to
// self has logdist d+1.
func logdist(a, b IdHash) int {
	lz := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			lz += 8
			continue
		}
		lz += leadingZeros8(x)
		break
	}
	return len(a)*8 - lz
}

func leadingZeros8(x byte) int {
	n := 0
	for i := 7; i >= 0; i-- {
		if x&(1<<uint(i)) != 0 {
			break
		}
		n++
	}
	return n
}
