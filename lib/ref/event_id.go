// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// EventID is a validated reputation event identifier. Event IDs are
// caller-supplied and are the ledger's deduplication key: submitting
// an event whose ID was already accepted is a no-op. The layer treats
// them as opaque tokens (settlement events use the deterministic form
// "<trade_id>:seeker" / "<trade_id>:provider" so that re-emission
// after a crash deduplicates).
//
// EventID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type EventID struct {
	id string
}

// ParseEventID validates and wraps a raw event ID string.
func ParseEventID(raw string) (EventID, error) {
	if err := validateToken("event ID", raw); err != nil {
		return EventID{}, err
	}
	return EventID{id: raw}, nil
}

// MustParseEventID is like ParseEventID but panics on error.
func MustParseEventID(raw string) EventID {
	e, err := ParseEventID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseEventID(%q): %v", raw, err))
	}
	return e
}

// String returns the event ID string.
func (e EventID) String() string { return e.id }

// IsZero reports whether the EventID is the zero value.
func (e EventID) IsZero() bool { return e.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (e EventID) MarshalText() ([]byte, error) {
	if e.id == "" {
		return nil, nil
	}
	return []byte(e.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *EventID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*e = EventID{}
		return nil
	}
	parsed, err := ParseEventID(string(data))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
