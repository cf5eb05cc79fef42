// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// SoulID is a validated soul identifier: the lowercase hex encoding of
// the BLAKE3-256 digest of the soul's Ed25519 public key (64 hex
// characters). Deriving the ID from the key makes it stable across
// restarts and non-transferable: a different key produces a different
// soul.
//
// SoulID is an immutable value type. The zero value is not valid; use
// IsZero to check.
type SoulID struct {
	id string
}

// ParseSoulID validates and wraps a raw soul ID string. Returns an
// error if the string is not exactly 64 lowercase hex characters.
func ParseSoulID(raw string) (SoulID, error) {
	if raw == "" {
		return SoulID{}, fmt.Errorf("empty soul ID")
	}
	if len(raw) != 64 {
		return SoulID{}, fmt.Errorf("soul ID has %d characters, want 64: %q", len(raw), raw)
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return SoulID{}, fmt.Errorf("soul ID contains non-hex character %q: %q", c, raw)
		}
	}
	return SoulID{id: raw}, nil
}

// MustParseSoulID is like ParseSoulID but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseSoulID(raw string) SoulID {
	s, err := ParseSoulID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseSoulID(%q): %v", raw, err))
	}
	return s
}

// String returns the full 64-character hex soul ID.
func (s SoulID) String() string { return s.id }

// Short returns the first 8 hex characters, for log and display use.
// Returns the empty string for the zero value.
func (s SoulID) Short() string {
	if len(s.id) < 8 {
		return s.id
	}
	return s.id[:8]
}

// IsZero reports whether the SoulID is the zero value (uninitialized).
func (s SoulID) IsZero() bool { return s.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (s SoulID) MarshalText() ([]byte, error) {
	if s.id == "" {
		return nil, nil
	}
	return []byte(s.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// soul ID format. An empty input produces the zero value.
func (s *SoulID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = SoulID{}
		return nil
	}
	parsed, err := ParseSoulID(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
