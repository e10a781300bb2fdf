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
	"time"

	"github.com/coredht/node/crypto"
	"github.com/coredht/node/dht"
	"github.com/coredht/node/p2p/discover"
)

// TypePublicKey is the Value.Type tag RegisterIdentity publishes public-
// key bundles under, distinguishing them from ordinary application data
// sharing the same pk: key namespace.
const TypePublicKey uint32 = 0xffff0001

// GetPublicKey is the synchronous, cache-only accessor spec.md §4.J's
// SUPPLEMENTED FEATURES list calls for: it never touches the network,
// only the local LRU cache FindPublicKey/RegisterPublicKey populate.
func (s *SecureDht) GetPublicKey(owner discover.IdHash) (*PublicKeyRecord, bool) {
	v, ok := s.pkCache.Get(owner)
	if !ok {
		return nil, false
	}
	return v.(*PublicKeyRecord), true
}

// RegisterPublicKey pre-seeds the local cache for owner without a DHT
// round-trip, the pre-seeding half of spec.md §4.J's resolution order
// (local cache checked before the DHT).
func (s *SecureDht) RegisterPublicKey(owner discover.IdHash, rec *PublicKeyRecord) {
	s.pkCache.Add(owner, rec)
}

// RegisterIdentity publishes id's own public-key bundle to the DHT under
// its canonical pk: namespace key and seeds the local cache with it, so
// other nodes (and this one) can resolve it via findPublicKey without
// requiring id to be online for every lookup.
func (s *SecureDht) RegisterIdentity(id *crypto.Identity, permanent bool, onDone func(bool), now time.Time) {
	rec := &PublicKeyRecord{Sign: id.SignPub, Enc: id.EncPub}
	s.RegisterPublicKey(id.Id(), rec)
	v := &dht.Value{
		Type: TypePublicKey,
		Data: encodePublicKeyRecord(rec),
	}
	s.Put(publicKeyKey(id.Id()), v, permanent, onDone, now)
}

// FindPublicKey is spec.md §4.J's async findPublicKey: local cache, then
// a DHT search over publicKeyKey(owner), caching whatever it finds.
func (s *SecureDht) FindPublicKey(owner discover.IdHash, onDone func(*PublicKeyRecord, bool), now time.Time) {
	if rec, ok := s.GetPublicKey(owner); ok {
		mlogIdentityResolved.AssignDetails(owner.String(), true).Send(mlogSecuredht)
		onDone(rec, true)
		return
	}
	found := false
	s.dht.Get(publicKeyKey(owner), nil, func(v *dht.Value) {
		if found {
			return
		}
		rec, err := decodePublicKeyRecord(v.Data)
		if err != nil {
			return
		}
		found = true
		s.RegisterPublicKey(owner, rec)
		mlogIdentityResolved.AssignDetails(owner.String(), false).Send(mlogSecuredht)
		onDone(rec, true)
	}, func(ok bool) {
		if !found {
			onDone(nil, false)
		}
	}, now)
}

// GetCertificate is the synchronous cache-only accessor mirroring
// GetPublicKey, for the pluggable certificate store.
func (s *SecureDht) GetCertificate(owner discover.IdHash) (*x509.Certificate, bool) {
	v, ok := s.certCache.Get(owner)
	if !ok {
		return nil, false
	}
	return v.(*x509.Certificate), true
}

// RegisterCertificate pre-seeds the certificate cache for owner, the
// certificate analogue of RegisterPublicKey.
func (s *SecureDht) RegisterCertificate(owner discover.IdHash, cert *x509.Certificate) {
	s.certCache.Add(owner, cert)
}

// FindCertificate resolves owner's certificate in spec.md §4.J's stated
// order: local cache, then the pluggable ExternalCertSource, then a DHT
// search over certificateKey(owner).
func (s *SecureDht) FindCertificate(owner discover.IdHash, onDone func(*x509.Certificate, bool), now time.Time) {
	if cert, ok := s.GetCertificate(owner); ok {
		onDone(cert, true)
		return
	}
	if s.ExternalCertSource != nil {
		if cert, ok := s.ExternalCertSource(owner); ok {
			s.RegisterCertificate(owner, cert)
			onDone(cert, true)
			return
		}
	}
	found := false
	s.dht.Get(certificateKey(owner), nil, func(v *dht.Value) {
		if found {
			return
		}
		cert, err := x509.ParseCertificate(v.Data)
		if err != nil {
			return
		}
		found = true
		s.RegisterCertificate(owner, cert)
		onDone(cert, true)
	}, func(ok bool) {
		if !found {
			onDone(nil, false)
		}
	}, now)
}
