// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package signature

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/moltchat-foundation/moltchat/lib/ref"
)

// Signature is a raw Ed25519 signature (64 bytes). On the wire it
// travels hex-encoded; see Encode and ParseSignature.
type Signature []byte

// Encode returns the lowercase hex encoding used on the wire.
func (s Signature) Encode() string { return hex.EncodeToString(s) }

// ParseSignature decodes a hex-encoded signature from the wire.
func ParseSignature(raw string) (Signature, error) {
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("signature: invalid hex: %w", err)
	}
	if len(decoded) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature: %d bytes, want %d", len(decoded), ed25519.SignatureSize)
	}
	return Signature(decoded), nil
}

// Sign produces the signature over payload for the given private key.
// The signature covers the BLAKE3-256 digest of the payload, so
// arbitrarily large payloads sign in constant space. Ed25519 is
// deterministic: the same key and payload always produce the same
// signature.
func Sign(private ed25519.PrivateKey, payload []byte) Signature {
	digest := blake3.Sum256(payload)
	return Signature(ed25519.Sign(private, digest[:]))
}

// Verify reports whether sig is a valid signature over payload by the
// holder of the key pair for public. Pure and side-effect-free; a
// false result rejects the payload and nothing else.
func Verify(public ed25519.PublicKey, payload []byte, sig Signature) bool {
	if len(public) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	digest := blake3.Sum256(payload)
	return ed25519.Verify(public, digest[:], sig)
}

// SignedMessage is a payload bound to the identity that signed it.
// Produced by the SIGN command; verification is a pure function of
// the three fields plus the identity's registered public key.
type SignedMessage struct {
	Payload   []byte
	Soul      ref.SoulID
	Signature Signature
}
