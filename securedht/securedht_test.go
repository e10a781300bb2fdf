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
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredht/node/crypto"
	"github.com/coredht/node/dht"
	"github.com/coredht/node/p2p/discover"
)

func mustIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return id
}

// TestSignedPutTamperRejected is spec.md §8 scenario 3: a value signed by
// its owner, then tampered with in transit, must fail verification and
// never reach a caller.
func TestSignedPutTamperRejected(t *testing.T) {
	alice := mustIdentity(t)
	s := &SecureDht{id: alice}

	v := &dht.Value{Type: 7, Data: []byte("hello"), CreationTime: time.Unix(1000, 0)}
	v.Sign(alice)

	ok, _ := s.admit(v)
	assert.True(t, ok, "untampered signed value should admit: %s", spew.Sdump(v))

	tampered := v.Clone()
	tampered.Data = []byte("hellx")
	ok, _ = s.admit(tampered)
	assert.False(t, ok, "tampered value must be rejected")

	tampered = v.Clone()
	tampered.Signature[0] ^= 0xff
	ok, _ = s.admit(tampered)
	assert.False(t, ok, "value with a corrupted signature must be rejected")
}

// TestEncryptedDirectMessage is spec.md §8 scenario 4: bob seals a value
// for alice; alice can open it and recovers the plaintext, a third party
// the value isn't addressed to cannot.
func TestEncryptedDirectMessage(t *testing.T) {
	alice := mustIdentity(t)
	bob := mustIdentity(t)
	eve := mustIdentity(t)

	plaintext := []byte("meet at dawn")
	envelope, err := sealEnvelope(bob, alice.EncPub, plaintext)
	require.NoError(t, err)

	v := &dht.Value{
		Type:         9,
		Data:         envelope,
		Recipient:    alice.Id(),
		CreationTime: time.Unix(2000, 0),
	}
	v.Sign(bob)

	aliceSide := &SecureDht{id: alice}
	ok, opened := aliceSide.admit(v)
	require.True(t, ok)
	assert.Equal(t, plaintext, opened.Data)

	eveSide := &SecureDht{id: eve}
	ok, _ = eveSide.admit(v)
	assert.False(t, ok, "a value addressed to someone else must not admit")
}

func TestAdmitUnsignedValuePolicy(t *testing.T) {
	alice := mustIdentity(t)
	v := &dht.Value{Type: 1, Data: []byte("anonymous")}

	strict := &SecureDht{id: alice, ForwardAllMessages: false}
	ok, _ := strict.admit(v)
	assert.False(t, ok, "unsigned values must be dropped unless ForwardAllMessages is set")

	lenient := &SecureDht{id: alice, ForwardAllMessages: true}
	ok, out := lenient.admit(v)
	assert.True(t, ok)
	assert.Equal(t, v.Data, out.Data)
}

func TestSealOpenEnvelopeRoundTrip(t *testing.T) {
	alice := mustIdentity(t)
	bob := mustIdentity(t)

	envelope, err := sealEnvelope(bob, alice.EncPub, []byte("payload"))
	require.NoError(t, err)

	plaintext, err := openEnvelope(alice, envelope)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plaintext)

	_, err = openEnvelope(alice, envelope[:10])
	assert.Equal(t, errEnvelopeShort, err)
}

func TestPutRequiresSigningKey(t *testing.T) {
	s := &SecureDht{id: &crypto.Identity{}}
	done := make(chan bool, 1)
	v := &dht.Value{Type: 1, Data: []byte("x")}
	s.Put(discover.IdHash{}, v, false, func(ok bool) { done <- ok }, time.Unix(0, 0))
	assert.False(t, <-done, "Put without a signing key must fail closed")
}
