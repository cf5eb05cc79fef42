// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated identifier value types for the
// MoltChat protocol extension layer: soul IDs, listing IDs, trade IDs,
// reputation event IDs, and service categories.
//
// Each type is an immutable value wrapping a validated string. The
// zero value is never valid; construct via the Parse* functions (or
// Must* in tests and static initialization). All types implement
// encoding.TextMarshaler and encoding.TextUnmarshaler so that JSON,
// CBOR, and YAML serialization validate on the way in.
//
// This package has no dependencies beyond the standard library:
// everything else in the repository imports it.
package ref
