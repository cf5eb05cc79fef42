// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the repository-standard CBOR encoding:
// RFC 8949 Core Deterministic Encoding on the way out, permissive
// standard decoding on the way in.
//
// Determinism matters here because signatures cover encoded bytes.
// Challenge proofs, reputation events, and trade acceptance records
// are signed over their deterministic CBOR encoding; any two parties
// encoding the same logical record must produce byte-identical input
// to Verify.
package codec
