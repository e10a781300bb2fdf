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

package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	if id.Id().IsZero() {
		t.Error("derived id should not be zero")
	}
	id2, _ := GenerateIdentity()
	if id.Id() == id2.Id() {
		t.Error("two generated identities collided")
	}
}

func TestSignAndVerify(t *testing.T) {
	id, _ := GenerateIdentity()
	msg := []byte("hello dht")

	sig := Sign(id.SignPriv, msg)
	if !VerifySignature(id.SignPub, msg, sig) {
		t.Error("valid signature failed to verify")
	}
	if VerifySignature(id.SignPub, []byte("tampered"), sig) {
		t.Error("signature verified against the wrong message")
	}

	other, _ := GenerateIdentity()
	if VerifySignature(other.SignPub, msg, sig) {
		t.Error("signature verified against the wrong key")
	}
}

func TestVerifySignatureRejectsShortKey(t *testing.T) {
	if VerifySignature([]byte{1, 2, 3}, []byte("x"), []byte("y")) {
		t.Error("expected rejection of undersized public key")
	}
}

func TestEncryptDecrypt(t *testing.T) {
	alice, _ := GenerateIdentity()
	bob, _ := GenerateIdentity()

	plaintext := []byte("only bob should read this")
	ct, err := Encrypt(bob.EncPub, alice.EncPriv, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	pt, err := Decrypt(alice.EncPub, bob.EncPriv, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Errorf("plaintext mismatch: want %q have %q", plaintext, pt)
	}

	eve, _ := GenerateIdentity()
	if _, err := Decrypt(alice.EncPub, eve.EncPriv, ct); err == nil {
		t.Error("expected decryption with the wrong key to fail")
	}
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	bob, _ := GenerateIdentity()
	if _, err := Decrypt(bob.EncPub, bob.EncPriv, []byte("short")); err != ErrCiphertextShort {
		t.Errorf("want ErrCiphertextShort, got %v", err)
	}
}

func TestPkIdStable(t *testing.T) {
	id, _ := GenerateIdentity()
	a := PkId(id.SignPub)
	b := PkId(id.SignPub)
	if a != b {
		t.Error("PkId is not deterministic for the same key")
	}
}
