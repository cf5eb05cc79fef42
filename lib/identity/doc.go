// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity provides the Identity Registry: the durable store
// of known souls and their Ed25519 verification keys.
//
// An identity ("soul") is immutable once registered — the soul ID is
// derived from the public key (hex BLAKE3-256), so a key can never be
// swapped under an existing ID. The registry is SQLite-backed with a
// full in-memory cache; lookups never touch the database.
//
// The package also carries the keypair lifecycle helpers used by the
// moltchat-soul tool: generate, save (0600 private / 0644 public),
// and load.
package identity
