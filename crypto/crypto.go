// Copyright 2014 The go-ethereum Authors
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

// Package crypto provides the node identity, signing and encryption
// primitives used by the secure DHT layer: an Ed25519 keypair for signing
// stored values and protocol messages, and a Curve25519 keypair (via
// NaCl box) for encrypting values addressed to a specific recipient.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/box"

	"github.com/coredht/node/p2p/discover"
)

var (
	ErrInvalidSignature = errors.New("crypto: invalid signature")
	ErrCiphertextShort   = errors.New("crypto: ciphertext too short")
	ErrDecryptFailed     = errors.New("crypto: decryption failed, wrong key or tampered data")
)

// Identity bundles the two keypairs a node needs: one for signing, one for
// encryption. Both are long-lived and persisted alongside the routing
// table (see runner/persist.go).
type Identity struct {
	SignPub  ed25519.PublicKey
	SignPriv ed25519.PrivateKey

	EncPub  *[32]byte
	EncPriv *[32]byte
}

// GenerateIdentity creates a fresh signing and encryption keypair.
func GenerateIdentity() (*Identity, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	encPub, encPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{
		SignPub:  signPub,
		SignPriv: signPriv,
		EncPub:   encPub,
		EncPriv:  encPriv,
	}, nil
}

// Id derives the node's 160-bit DHT identifier from its signing public
// key, so that the id a node claims can be verified against the key it
// signs messages with.
func (id *Identity) Id() discover.IdHash {
	return discover.HashId(id.SignPub)
}

// PkId is the long-form fingerprint used by the secure layer to key its
// public-key and certificate caches.
func PkId(pub ed25519.PublicKey) discover.PkId {
	return discover.PkId(Sha256(pub))
}

// Sign signs data with priv, returning a detached ed25519 signature.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// VerifySignature reports whether sig is a valid ed25519 signature over
// data by pub.
func VerifySignature(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// Encrypt seals plaintext for recipientPub using senderPriv, in the NaCl
// box construction: a fresh random nonce is generated and prepended to
// the returned ciphertext.
func Encrypt(recipientPub, senderPriv *[32]byte, plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	out := make([]byte, len(nonce), len(nonce)+len(plaintext)+box.Overhead)
	copy(out, nonce[:])
	out = box.Seal(out, plaintext, &nonce, recipientPub, senderPriv)
	return out, nil
}

// Decrypt opens a message produced by Encrypt. senderPub must be the
// public key of whoever called Encrypt, recipientPriv the opening side's
// private key.
func Decrypt(senderPub, recipientPriv *[32]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 24 {
		return nil, ErrCiphertextShort
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	out, ok := box.Open(nil, ciphertext[24:], &nonce, senderPub, recipientPriv)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return out, nil
}

// ParseCertificate parses a DER-encoded X.509 certificate, used by the
// secure layer to resolve a node's declared identity to a public key it
// did not generate locally.
func ParseCertificate(der []byte) (*x509.Certificate, error) {
	return x509.ParseCertificate(der)
}

// CertificatePublicKey extracts the Ed25519 signing key embedded in a
// certificate, rejecting certificates signed with any other algorithm:
// the secure DHT only ever verifies ed25519 signatures.
func CertificatePublicKey(cert *x509.Certificate) (ed25519.PublicKey, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("crypto: certificate public key is not ed25519")
	}
	return pub, nil
}
