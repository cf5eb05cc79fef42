// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// maxTokenLength bounds opaque identifier tokens. UUIDs are 36
// characters; settlement event IDs ("<uuid>:provider") are 45. The
// limit leaves headroom without letting clients store arbitrary blobs
// in an ID column.
const maxTokenLength = 128

// validateToken checks that raw is a usable opaque identifier: not
// empty, within the length bound, and free of whitespace and control
// characters. kind names the identifier in error messages.
func validateToken(kind, raw string) error {
	if raw == "" {
		return fmt.Errorf("empty %s", kind)
	}
	if len(raw) > maxTokenLength {
		return fmt.Errorf("%s has %d characters, max %d", kind, len(raw), maxTokenLength)
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c <= ' ' || c == 0x7f {
			return fmt.Errorf("%s contains whitespace or control character at position %d: %q", kind, i, raw)
		}
	}
	return nil
}
