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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredht/node/p2p/discover"
)

func TestPublicKeyRecordRoundTrip(t *testing.T) {
	id := mustIdentity(t)
	rec := &PublicKeyRecord{Sign: id.SignPub, Enc: id.EncPub}

	enc := encodePublicKeyRecord(rec)
	got, err := decodePublicKeyRecord(enc)
	require.NoError(t, err)
	assert.Equal(t, rec.Sign, got.Sign)
	assert.Equal(t, rec.Enc, got.Enc)
}

func TestDecodePublicKeyRecordRejectsMalformed(t *testing.T) {
	_, err := decodePublicKeyRecord([]byte("too short"))
	assert.Equal(t, errMalformedPKRecord, err)
}

func TestPublicKeyAndCertificateKeysDiffer(t *testing.T) {
	owner := discover.HashId([]byte("some-owner"))
	assert.NotEqual(t, publicKeyKey(owner), certificateKey(owner))
}
