// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// TradeID is a validated trade identifier. Trade IDs are
// server-assigned UUIDs created when a match produces a proposed
// trade; like ListingID they are treated as opaque tokens.
//
// TradeID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type TradeID struct {
	id string
}

// ParseTradeID validates and wraps a raw trade ID string.
func ParseTradeID(raw string) (TradeID, error) {
	if err := validateToken("trade ID", raw); err != nil {
		return TradeID{}, err
	}
	return TradeID{id: raw}, nil
}

// MustParseTradeID is like ParseTradeID but panics on error.
func MustParseTradeID(raw string) TradeID {
	t, err := ParseTradeID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseTradeID(%q): %v", raw, err))
	}
	return t
}

// String returns the trade ID string.
func (t TradeID) String() string { return t.id }

// IsZero reports whether the TradeID is the zero value.
func (t TradeID) IsZero() bool { return t.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (t TradeID) MarshalText() ([]byte, error) {
	if t.id == "" {
		return nil, nil
	}
	return []byte(t.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TradeID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*t = TradeID{}
		return nil
	}
	parsed, err := ParseTradeID(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
