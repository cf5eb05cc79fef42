// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package signature_test

import (
	"bytes"
	"testing"

	"github.com/moltchat-foundation/moltchat/lib/identity"
	"github.com/moltchat-foundation/moltchat/lib/ref"
	"github.com/moltchat-foundation/moltchat/lib/signature"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	public, private, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	payloads := [][]byte{
		[]byte(""),
		[]byte("hello"),
		bytes.Repeat([]byte("large payload "), 10000),
	}
	for _, payload := range payloads {
		sig := signature.Sign(private, payload)
		if !signature.Verify(public, payload, sig) {
			t.Errorf("Verify failed for payload of %d bytes", len(payload))
		}
	}
}

func TestSignDeterministic(t *testing.T) {
	_, private, _ := identity.GenerateKeypair()
	payload := []byte("same payload")
	if !bytes.Equal(signature.Sign(private, payload), signature.Sign(private, payload)) {
		t.Error("Sign produced different signatures for the same payload")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	public, private, _ := identity.GenerateKeypair()
	payload := []byte("original")
	sig := signature.Sign(private, payload)

	if signature.Verify(public, []byte("tampered"), sig) {
		t.Error("Verify accepted a tampered payload")
	}

	flipped := append(signature.Signature(nil), sig...)
	flipped[0] ^= 0x01
	if signature.Verify(public, payload, flipped) {
		t.Error("Verify accepted a corrupted signature")
	}

	otherPublic, _, _ := identity.GenerateKeypair()
	if signature.Verify(otherPublic, payload, sig) {
		t.Error("Verify accepted a signature from a different key")
	}
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	public, private, _ := identity.GenerateKeypair()
	sig := signature.Sign(private, []byte("x"))

	if signature.Verify(public[:16], []byte("x"), sig) {
		t.Error("Verify accepted a truncated public key")
	}
	if signature.Verify(public, []byte("x"), sig[:32]) {
		t.Error("Verify accepted a truncated signature")
	}
	if signature.Verify(public, []byte("x"), nil) {
		t.Error("Verify accepted a nil signature")
	}
}

func TestSignatureHexRoundTrip(t *testing.T) {
	_, private, _ := identity.GenerateKeypair()
	sig := signature.Sign(private, []byte("wire"))

	parsed, err := signature.ParseSignature(sig.Encode())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(parsed, sig) {
		t.Error("hex round trip changed the signature")
	}

	if _, err := signature.ParseSignature("not-hex"); err == nil {
		t.Error("ParseSignature accepted invalid hex")
	}
	if _, err := signature.ParseSignature("abcd"); err == nil {
		t.Error("ParseSignature accepted a short signature")
	}
}

func TestSigningBytesAreDomainSeparated(t *testing.T) {
	soul := ref.MustParseSoulID("9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08")
	trade := ref.MustParseTradeID("11111111-2222-3333-4444-555555555555")

	challenge, err := signature.ChallengeSigningBytes(soul, []byte("nonce"))
	if err != nil {
		t.Fatalf("challenge bytes: %v", err)
	}
	acceptance, err := signature.AcceptanceSigningBytes(trade, soul)
	if err != nil {
		t.Fatalf("acceptance bytes: %v", err)
	}
	event, err := signature.EventSigningBytes(signature.EventRecord{
		ID:       ref.MustParseEventID("e-1"),
		Subject:  soul,
		Endorser: soul,
		Delta:    1,
		Reason:   "helpful",
	})
	if err != nil {
		t.Fatalf("event bytes: %v", err)
	}

	if bytes.Equal(challenge, acceptance) || bytes.Equal(challenge, event) || bytes.Equal(acceptance, event) {
		t.Error("signing byte domains collide")
	}

	// A proof for one domain must not verify as another.
	public, private, _ := identity.GenerateKeypair()
	challengeProof := signature.Sign(private, challenge)
	if signature.Verify(public, acceptance, challengeProof) {
		t.Error("challenge proof verified as acceptance proof")
	}
}

func TestChallengeSigningBytesBindSoul(t *testing.T) {
	nonce := []byte("shared-nonce")
	soulA := ref.MustParseSoulID("9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08")
	soulB := ref.MustParseSoulID("5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8")

	bytesA, _ := signature.ChallengeSigningBytes(soulA, nonce)
	bytesB, _ := signature.ChallengeSigningBytes(soulB, nonce)
	if bytes.Equal(bytesA, bytesB) {
		t.Error("challenge bytes do not bind the claimed soul")
	}
}
