// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// maxCategoryLength bounds category names so that hostile clients
// cannot inflate the order-book key space with megabyte strings.
const maxCategoryLength = 64

// Category is a validated service category name (e.g., "code-review",
// "translation"). Categories are lowercase tokens of letters, digits,
// hyphens, and underscores, at most 64 characters. Each category has
// its own independent order book in the marketplace.
//
// Category is an immutable value type. The zero value is not valid;
// use IsZero to check.
type Category struct {
	name string
}

// ParseCategory validates and wraps a raw category string.
func ParseCategory(raw string) (Category, error) {
	if raw == "" {
		return Category{}, fmt.Errorf("empty category")
	}
	if len(raw) > maxCategoryLength {
		return Category{}, fmt.Errorf("category has %d characters, max %d: %q", len(raw), maxCategoryLength, raw)
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		valid := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_'
		if !valid {
			return Category{}, fmt.Errorf("category contains invalid character %q (want lowercase letters, digits, '-', '_'): %q", c, raw)
		}
	}
	return Category{name: raw}, nil
}

// MustParseCategory is like ParseCategory but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseCategory(raw string) Category {
	c, err := ParseCategory(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseCategory(%q): %v", raw, err))
	}
	return c
}

// String returns the category name.
func (c Category) String() string { return c.name }

// IsZero reports whether the Category is the zero value.
func (c Category) IsZero() bool { return c.name == "" }

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	if c.name == "" {
		return nil, nil
	}
	return []byte(c.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*c = Category{}
		return nil
	}
	parsed, err := ParseCategory(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
