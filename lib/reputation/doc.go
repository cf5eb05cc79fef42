// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package reputation maintains the append-only ledger of signed
// endorsement events and the per-soul scores derived from them.
//
// The ledger is replay-safe by construction: events carry a
// caller-supplied ID, and resubmitting an accepted ID is a no-op
// Duplicate outcome rather than an error. Append-only plus
// dedup-by-id gives idempotence over an at-least-once transport
// without distributed consensus.
//
// Scores are never stored as truth. The event log in SQLite is the
// source of truth; the in-memory score map is an incrementally
// maintained fold over it, rebuilt once at open.
package reputation
