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

// Package dht implements the raw, unsecured Kademlia DHT: routing,
// storage, iterative lookup and the UDP wire protocol. The secure
// pipeline (signing, encryption, identity resolution) is layered on top
// in package securedht.
package dht

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/coredht/node/crypto"
	"github.com/coredht/node/p2p/discover"
)

var (
	ErrValueUnsigned      = errors.New("dht: value has an owner but no signature")
	ErrValueBadSignature  = errors.New("dht: value signature does not verify")
	ErrValueStale         = errors.New("dht: value creation_time is older than the stored entry")
)

// Value is the unit of storage: a versioned, optionally signed and/or
// encrypted record addressed by an IdHash key plus a per-hash id.
//
// When Owner is set, Signature must verify Data (together with Type,
// Recipient and CreationTime) under Owner. When Recipient is set, Data is
// ciphertext opaque to every node but the holder of the matching private
// key; the storage layer never inspects it.
type Value struct {
	Id           uint64
	Type         uint32
	Data         []byte
	UserType     string
	Owner        ed25519.PublicKey
	Recipient    discover.IdHash
	Signature    []byte
	CreationTime time.Time
}

// signedPayload is the exact byte sequence a Value's Signature covers:
// type_id || recipient || data || creation_time, matching spec.md's
// signed-put description so independently-built clients sign compatibly.
func (v *Value) signedPayload() []byte {
	buf := make([]byte, 0, 4+len(v.Recipient)+len(v.Data)+8)
	buf = append(buf,
		byte(v.Type>>24), byte(v.Type>>16), byte(v.Type>>8), byte(v.Type))
	buf = append(buf, v.Recipient[:]...)
	buf = append(buf, v.Data...)
	ts := uint64(v.CreationTime.UnixNano())
	for i := 7; i >= 0; i-- {
		buf = append(buf, byte(ts>>(uint(i)*8)))
	}
	return buf
}

// Sign computes Signature over the value's signed payload and sets Owner
// to the signer's public key.
func (v *Value) Sign(id *crypto.Identity) {
	v.Owner = id.SignPub
	v.Signature = crypto.Sign(id.SignPriv, v.signedPayload())
}

// VerifySignature reports whether Signature is valid, given Owner must
// be set first (e.g. resolved from the owner-id reference by the secure
// layer). A Value with no Owner is considered unsigned and always fails.
func (v *Value) VerifySignature() error {
	if len(v.Owner) == 0 {
		return ErrValueUnsigned
	}
	if !crypto.VerifySignature(v.Owner, v.signedPayload(), v.Signature) {
		return ErrValueBadSignature
	}
	return nil
}

// IsEncrypted reports whether Data should be treated as opaque
// ciphertext addressed to Recipient.
func (v *Value) IsEncrypted() bool {
	return !v.Recipient.IsZero()
}

// Expired reports whether the value is past its expiry as of now. Expiry
// is tracked by the storage entry that wraps a Value, not the Value
// itself; this helper is used by callers constructing one ad hoc.
func Expired(expiry, now time.Time) bool {
	return !now.Before(expiry)
}

// Clone returns a deep copy of v, used whenever a stored value is handed
// out to a caller or queued for transmission so later mutation of the
// original can't leak across boundaries.
func (v *Value) Clone() *Value {
	cp := *v
	if v.Data != nil {
		cp.Data = append([]byte(nil), v.Data...)
	}
	if v.Owner != nil {
		cp.Owner = append(ed25519.PublicKey(nil), v.Owner...)
	}
	if v.Signature != nil {
		cp.Signature = append([]byte(nil), v.Signature...)
	}
	return &cp
}
