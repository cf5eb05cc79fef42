// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package market runs the service marketplace: per-category order
// books of open offers and requests, continuous price-time-priority
// matching, and the two-party acceptance handshake that drives a
// matched trade to settlement.
//
// Each category has an independent book with its own lock, so
// matching within a category is serialized (price-time priority holds
// without races) while categories proceed in parallel. There are no
// partial fills: a listing matches exactly once, in full, to exactly
// one counterpart.
//
// Listings and trades write through to SQLite on every transition.
// Open listings and live trades are reloaded at open; terminal rows
// remain as audit history, exportable as a zstd-compressed CBOR
// stream.
package market
