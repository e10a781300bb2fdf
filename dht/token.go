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
	"bytes"
	"crypto/rand"
	"time"

	"github.com/coredht/node/p2p/discover"
)

// TokenLifetime is how long a write-grant issued with a get/listen reply
// stays usable for put/announce.
const TokenLifetime = 10 * time.Minute

const tokenSize = 8

type tokenEntry struct {
	token  []byte
	expiry time.Time
}

// tokenManager hands out the opaque 8-byte write grants of spec.md §6 and
// checks them on put/announce. One live token per sender id: issuing
// while a previous grant is still fresh returns that grant, so a client
// interleaving gets and puts doesn't invalidate itself.
type tokenManager struct {
	byNode map[discover.IdHash]tokenEntry
}

func newTokenManager() *tokenManager {
	return &tokenManager{byNode: make(map[discover.IdHash]tokenEntry)}
}

func (tm *tokenManager) issue(sender discover.IdHash, now time.Time) []byte {
	if e, ok := tm.byNode[sender]; ok && now.Before(e.expiry) {
		return e.token
	}
	tok := make([]byte, tokenSize)
	rand.Read(tok)
	tm.byNode[sender] = tokenEntry{token: tok, expiry: now.Add(TokenLifetime)}
	return tok
}

func (tm *tokenManager) valid(sender discover.IdHash, token []byte, now time.Time) bool {
	e, ok := tm.byNode[sender]
	if !ok || !now.Before(e.expiry) {
		return false
	}
	return bytes.Equal(e.token, token)
}

// expire drops stale grants; called from the periodic tick so the map
// doesn't grow with every one-shot querier.
func (tm *tokenManager) expire(now time.Time) {
	for id, e := range tm.byNode {
		if !now.Before(e.expiry) {
			delete(tm.byNode, id)
		}
	}
}
