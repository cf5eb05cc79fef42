// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package signature provides the message-authenticity primitives:
// Ed25519 signing and verification over BLAKE3 payload digests, plus
// the canonical signing-byte builders for every structure the
// protocol signs (challenge proofs, reputation events, trade
// acceptance records).
//
// Sign and Verify are pure functions with no state; verification
// failure rejects the payload and nothing else. Each signed structure
// carries a domain tag inside its deterministic CBOR encoding so a
// signature produced for one purpose can never be replayed as
// another.
package signature
