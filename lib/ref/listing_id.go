// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// ListingID is a validated marketplace listing identifier. Listing IDs
// are server-assigned UUIDs; the type treats them as opaque tokens —
// the only validation is that the string is non-empty and contains no
// whitespace or control characters.
//
// ListingID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type ListingID struct {
	id string
}

// ParseListingID validates and wraps a raw listing ID string.
func ParseListingID(raw string) (ListingID, error) {
	if err := validateToken("listing ID", raw); err != nil {
		return ListingID{}, err
	}
	return ListingID{id: raw}, nil
}

// MustParseListingID is like ParseListingID but panics on error.
func MustParseListingID(raw string) ListingID {
	l, err := ParseListingID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseListingID(%q): %v", raw, err))
	}
	return l
}

// String returns the listing ID string.
func (l ListingID) String() string { return l.id }

// IsZero reports whether the ListingID is the zero value.
func (l ListingID) IsZero() bool { return l.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (l ListingID) MarshalText() ([]byte, error) {
	if l.id == "" {
		return nil, nil
	}
	return []byte(l.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *ListingID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*l = ListingID{}
		return nil
	}
	parsed, err := ParseListingID(string(data))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
