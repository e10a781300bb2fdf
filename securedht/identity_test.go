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
	"crypto/x509"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredht/node/p2p/discover"
)

func newCacheOnlySecureDht(t *testing.T) *SecureDht {
	t.Helper()
	pk, err := lru.New(defaultCacheSize)
	require.NoError(t, err)
	cert, err := lru.New(defaultCacheSize)
	require.NoError(t, err)
	return &SecureDht{pkCache: pk, certCache: cert}
}

func TestGetPublicKeyCacheHit(t *testing.T) {
	s := newCacheOnlySecureDht(t)
	alice := mustIdentity(t)
	owner := alice.Id()

	_, ok := s.GetPublicKey(owner)
	assert.False(t, ok)

	rec := &PublicKeyRecord{Sign: alice.SignPub, Enc: alice.EncPub}
	s.RegisterPublicKey(owner, rec)

	got, ok := s.GetPublicKey(owner)
	require.True(t, ok)
	assert.Equal(t, rec, got)
}

func TestFindPublicKeyServesFromCacheWithoutTouchingDht(t *testing.T) {
	s := newCacheOnlySecureDht(t)
	alice := mustIdentity(t)
	owner := alice.Id()
	rec := &PublicKeyRecord{Sign: alice.SignPub, Enc: alice.EncPub}
	s.RegisterPublicKey(owner, rec)

	var got *PublicKeyRecord
	var ok bool
	s.FindPublicKey(owner, func(r *PublicKeyRecord, found bool) {
		got, ok = r, found
	}, time.Unix(0, 0))

	require.True(t, ok)
	assert.Equal(t, rec, got)
}

func TestCertificateCacheAndExternalSource(t *testing.T) {
	s := newCacheOnlySecureDht(t)
	owner := mustIdentity(t).Id()

	_, ok := s.GetCertificate(owner)
	assert.False(t, ok)

	want := &x509.Certificate{}
	s.ExternalCertSource = func(o discover.IdHash) (*x509.Certificate, bool) {
		if o == owner {
			return want, true
		}
		return nil, false
	}

	var got *x509.Certificate
	var found bool
	s.FindCertificate(owner, func(c *x509.Certificate, ok bool) {
		got, found = c, ok
	}, time.Unix(0, 0))

	require.True(t, found)
	assert.Same(t, want, got)

	cached, ok := s.GetCertificate(owner)
	require.True(t, ok)
	assert.Same(t, want, cached)
}
