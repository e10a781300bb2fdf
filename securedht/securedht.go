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

// Package securedht wraps the raw dht package with the sign/encrypt/
// verify/decrypt pipeline spec.md §4.J describes: every put leaving this
// layer is signed, every encrypted put resolves its recipient's key
// first, and every value entering this layer is verified (and, if
// addressed to us, decrypted) before the caller's callback ever sees it.
package securedht

import (
	"crypto/x509"
	"errors"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/coredht/node/crypto"
	"github.com/coredht/node/dht"
	"github.com/coredht/node/p2p/discover"
)

// Sentinel errors named after spec.md §7's taxonomy. No function in this
// package returns them: a put without a signing key reports onDone(false),
// and everything decryption-related is a silent drop.
var (
	ErrPermissionDenied   = errors.New("securedht: signature required but identity has no signing key")
	ErrRecipientUnknown   = errors.New("securedht: recipient public key could not be resolved")
	ErrCertificateUnknown = errors.New("securedht: certificate could not be resolved")
)

const defaultCacheSize = 1024

// CertificateQueryFunc is the pluggable certificate source spec.md §4.J
// calls for: consulted after the local cache and before falling back to
// a DHT search, e.g. a local trust store or an operator-supplied
// allowlist. A nil func skips straight to the DHT.
type CertificateQueryFunc func(owner discover.IdHash) (*x509.Certificate, bool)

// SecureDht wraps a raw *dht.Dht with identity. Every exported method
// here runs on the same I/O thread dht.Dht itself assumes: the Runner is
// the only caller, the same way it is the only caller of the raw Dht.
type SecureDht struct {
	dht *dht.Dht
	id  *crypto.Identity

	// ForwardAllMessages controls whether unsigned values are delivered
	// to Get/Listen callbacks at all. Per spec.md §9's open question this
	// is configuration-dependent, not a hardcoded policy.
	ForwardAllMessages bool

	ExternalCertSource CertificateQueryFunc

	pkCache   *lru.Cache
	certCache *lru.Cache
}

// NewSecureDht wraps d with id's keypair. cacheSize bounds the owner
// public-key and certificate caches; 0 uses a sane default.
func NewSecureDht(d *dht.Dht, id *crypto.Identity, cacheSize int) (*SecureDht, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	pkCache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	certCache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &SecureDht{dht: d, id: id, pkCache: pkCache, certCache: certCache}, nil
}

// Raw exposes the wrapped Dht, for Runner operations (Periodic, Ping)
// that don't touch identity.
func (s *SecureDht) Raw() *dht.Dht { return s.dht }

// Id returns the local node's DHT identifier, derived from its signing
// public key.
func (s *SecureDht) Id() discover.IdHash { return s.id.Id() }

// Put is spec.md §4.J's signed put: it fills Owner with the local
// signing key, signs the value, and forwards as a normal put. Every put
// through this layer is signed; there is no unsigned-put entry point
// here by design, matching "receivers MUST verify or reject".
func (s *SecureDht) Put(key discover.IdHash, v *dht.Value, permanent bool, onDone func(bool), now time.Time) {
	if s.id == nil || s.id.SignPriv == nil {
		metricPermissionDenied.Mark(1)
		onDone(false)
		return
	}
	if v.CreationTime.IsZero() {
		v.CreationTime = now
	}
	v.Sign(s.id)
	s.dht.Put(key, v, permanent, onDone, now)
}

// PutEncrypted is spec.md §4.J's encrypted put: it resolves recipient's
// public key (FindPublicKey over the pk: namespace), encrypts
// data, sets Recipient, then signs and puts. v.Data is treated as the
// plaintext and is replaced by the ciphertext envelope before signing.
func (s *SecureDht) PutEncrypted(key, recipient discover.IdHash, v *dht.Value, permanent bool, onDone func(bool), now time.Time) {
	s.FindPublicKey(recipient, func(rec *PublicKeyRecord, ok bool) {
		if !ok {
			onDone(false)
			return
		}
		envelope, err := sealEnvelope(s.id, rec.Enc, v.Data)
		if err != nil {
			onDone(false)
			return
		}
		v.Data = envelope
		v.Recipient = recipient
		s.Put(key, v, permanent, onDone, now)
	}, now)
}

// Get performs an iterative lookup the same as the raw layer, but every
// value is verified and (if addressed to us) decrypted before filter and
// onValue see it.
func (s *SecureDht) Get(key discover.IdHash, filter func(*dht.Value) bool, onValue func(*dht.Value), onDone func(bool), now time.Time) {
	s.dht.Get(key, s.wrapFilter(filter), s.wrapOnValue(onValue), onDone, now)
}

// Listen mirrors Get's verify/decrypt pipeline for the push path.
func (s *SecureDht) Listen(key discover.IdHash, onValue func(v *dht.Value, expired bool), now time.Time) uint64 {
	wrapped := s.wrapOnValue(func(v *dht.Value) { onValue(v, false) })
	return s.dht.Listen(key, func(v *dht.Value, expired bool) {
		if expired {
			onValue(v, true)
			return
		}
		wrapped(v)
	}, now)
}

// CancelListen, CancelPut, Ping and Periodic carry no identity semantics
// and pass straight through to the raw layer.
func (s *SecureDht) CancelListen(key discover.IdHash, token uint64) { s.dht.CancelListen(key, token) }
func (s *SecureDht) CancelPut(key discover.IdHash, valueID uint64)  { s.dht.CancelPut(key, valueID) }
func (s *SecureDht) Ping(addr *net.UDPAddr, now time.Time, onDone func(bool)) {
	s.dht.Ping(addr, now, onDone)
}
func (s *SecureDht) Periodic(now time.Time) time.Time { return s.dht.Periodic(now) }

// wrapFilter passes a value to the caller's filter only after it has
// survived verification/decryption; rejected values never reach filter.
func (s *SecureDht) wrapFilter(filter func(*dht.Value) bool) func(*dht.Value) bool {
	return func(v *dht.Value) bool {
		ok, plain := s.admit(v)
		if !ok {
			return false
		}
		if filter == nil {
			return true
		}
		return filter(plain)
	}
}

// wrapOnValue decrypts (in place, on a clone) before invoking onValue.
// It runs admit() again in full, signature check included, because
// dht.Get calls filter and onValue with independent copies and the
// decrypted plaintext must reach the caller.
func (s *SecureDht) wrapOnValue(onValue func(*dht.Value)) func(*dht.Value) {
	return func(v *dht.Value) {
		ok, plain := s.admit(v)
		if !ok {
			return
		}
		onValue(plain)
	}
}

// admit is the single verify+decrypt gate spec.md §4.J describes. It
// reports whether v should be delivered at all, and (when v was
// encrypted to us) a clone with Data replaced by the decrypted
// plaintext. Failures are always silent drops with a stats increment,
// never errors returned to the caller: spec.md §7 treats crypto
// exceptions as absent-value results.
func (s *SecureDht) admit(v *dht.Value) (bool, *dht.Value) {
	if len(v.Owner) == 0 {
		if !s.ForwardAllMessages {
			return false, nil
		}
		return true, v
	}
	if err := v.VerifySignature(); err != nil {
		metricBadSignatures.Mark(1)
		mlogValueRejected.AssignDetails("bad_signature").Send(mlogSecuredht)
		return false, nil
	}

	if !v.IsEncrypted() {
		return true, v
	}
	if v.Recipient != s.id.Id() {
		// Not addressed to us: we can't open it. Dropped, unless the
		// caller asked to see other people's traffic as-is, in which
		// case the ciphertext is handed up unopened.
		if s.ForwardAllMessages {
			return true, v
		}
		metricUndecryptable.Mark(1)
		mlogValueRejected.AssignDetails("not_addressee").Send(mlogSecuredht)
		return false, nil
	}
	plaintext, err := openEnvelope(s.id, v.Data)
	if err != nil {
		metricUndecryptable.Mark(1)
		mlogValueRejected.AssignDetails("undecryptable").Send(mlogSecuredht)
		return false, nil
	}
	clone := v.Clone()
	clone.Data = plaintext
	return true, clone
}

// sealEnvelope prepends the sender's own box public key to the
// ciphertext crypto.Encrypt produces: dht.Value has no field of its own
// for the sender's encryption key (only Owner, which is the signing
// key), so the envelope carries it instead of requiring a second DHT
// round-trip on the opening side just to discover which key to open
// with.
func sealEnvelope(id *crypto.Identity, recipientEnc *[32]byte, plaintext []byte) ([]byte, error) {
	ciphertext, err := crypto.Encrypt(recipientEnc, id.EncPriv, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 32+len(ciphertext))
	out = append(out, id.EncPub[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// SealFor encrypts plaintext for a resolved recipient record using the
// same envelope layout PutEncrypted produces, so values sealed by a
// proxy-mode client open identically on the receiving side.
func SealFor(id *crypto.Identity, rec *PublicKeyRecord, plaintext []byte) ([]byte, error) {
	return sealEnvelope(id, rec.Enc, plaintext)
}

// OpenFor opens an envelope sealed by SealFor or PutEncrypted.
func OpenFor(id *crypto.Identity, envelope []byte) ([]byte, error) {
	return openEnvelope(id, envelope)
}

var errEnvelopeShort = errors.New("securedht: encrypted envelope too short")

func openEnvelope(id *crypto.Identity, envelope []byte) ([]byte, error) {
	if len(envelope) < 32 {
		return nil, errEnvelopeShort
	}
	var senderEnc [32]byte
	copy(senderEnc[:], envelope[:32])
	return crypto.Decrypt(&senderEnc, id.EncPriv, envelope[32:])
}
