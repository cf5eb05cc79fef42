// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. The
// timeout exists only to bound a hung test; logical time is driven
// through clock.Fake.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation — event IDs, nicknames, payload bodies.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
