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

package securedht

import (
	"crypto/ed25519"
	"errors"

	"github.com/coredht/node/p2p/discover"
)

// PublicKeyRecord is what a node publishes at its own pk: key so other
// nodes can resolve both halves of its identity without a side channel:
// the ed25519 key its values are signed with, and the Curve25519 key its
// direct messages should be encrypted to.
type PublicKeyRecord struct {
	Sign ed25519.PublicKey
	Enc  *[32]byte
}

var errMalformedPKRecord = errors.New("securedht: malformed public key record")

// encodePublicKeyRecord lays Sign and Enc out as two fixed-size fields,
// matching the fixed-width framing the rest of the wire protocol uses
// instead of reaching for a generic encoding for a two-field struct.
func encodePublicKeyRecord(r *PublicKeyRecord) []byte {
	out := make([]byte, 0, ed25519.PublicKeySize+32)
	out = append(out, r.Sign...)
	out = append(out, r.Enc[:]...)
	return out
}

func decodePublicKeyRecord(b []byte) (*PublicKeyRecord, error) {
	if len(b) != ed25519.PublicKeySize+32 {
		return nil, errMalformedPKRecord
	}
	r := &PublicKeyRecord{
		Sign: append(ed25519.PublicKey(nil), b[:ed25519.PublicKeySize]...),
		Enc:  new([32]byte),
	}
	copy(r.Enc[:], b[ed25519.PublicKeySize:])
	return r, nil
}

// publicKeyKey is the canonical "pk:<owner_id>" namespace key spec.md
// §4.J's findPublicKey resolves against.
func publicKeyKey(owner discover.IdHash) discover.IdHash {
	return discover.HashId(append([]byte("pk:"), owner[:]...))
}

// PublicKeyLookupKey returns the canonical DHT key owner's public-key
// record is published under, for callers outside this package (the proxy
// client resolves recipients through it).
func PublicKeyLookupKey(owner discover.IdHash) discover.IdHash {
	return publicKeyKey(owner)
}

// ParsePublicKeyRecord decodes a record published by RegisterIdentity.
func ParsePublicKeyRecord(b []byte) (*PublicKeyRecord, error) {
	return decodePublicKeyRecord(b)
}

// certificateKey is the equivalent canonical namespace for certificates.
func certificateKey(owner discover.IdHash) discover.IdHash {
	return discover.HashId(append([]byte("cert:"), owner[:]...))
}
