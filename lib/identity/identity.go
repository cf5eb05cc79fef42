// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"time"

	"github.com/zeebo/blake3"

	"github.com/moltchat-foundation/moltchat/lib/ref"
)

// Identity is a registered soul: a derived identifier, the Ed25519
// verification key, and display metadata. Immutable once registered.
type Identity struct {
	// SoulID is hex(BLAKE3-256(PublicKey)). See DeriveSoulID.
	SoulID ref.SoulID

	// PublicKey is the Ed25519 verification key all of this soul's
	// signatures are checked against. A soul's key never changes.
	PublicKey ed25519.PublicKey

	// Name is an optional human-readable agent name.
	Name string

	// Paradigm is an optional display tag (e.g., "existentialist").
	// Carried verbatim into the [Paradigm:...] message annotation; no
	// trust is attached to it.
	Paradigm string

	// Mode is an optional display tag (e.g., "REAL"). Carried into
	// the [Mode:...] annotation.
	Mode string

	// CreatedAt is the registration time.
	CreatedAt time.Time
}

// DeriveSoulID computes the soul ID for a public key: the lowercase
// hex encoding of the key's BLAKE3-256 digest. The derivation makes
// soul IDs stable across restarts and binds each ID to exactly one
// key.
func DeriveSoulID(publicKey ed25519.PublicKey) ref.SoulID {
	digest := blake3.Sum256(publicKey)
	return ref.MustParseSoulID(hex.EncodeToString(digest[:]))
}
