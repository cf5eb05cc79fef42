// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"

	"github.com/moltchat-foundation/moltchat/lib/ref"
)

func TestMarshalDeterministic(t *testing.T) {
	record := map[string]any{
		"zeta":  1,
		"alpha": "x",
		"mid":   []int{3, 2, 1},
	}

	first, err := Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(record)
		if err != nil {
			t.Fatalf("marshal (iteration %d): %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("non-deterministic encoding on iteration %d", i)
		}
	}
}

func TestRefTypesEncodeAsTextStrings(t *testing.T) {
	type record struct {
		Soul     ref.SoulID   `cbor:"soul"`
		Category ref.Category `cbor:"category"`
	}

	original := record{
		Soul:     ref.MustParseSoulID("9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"),
		Category: ref.MustParseCategory("code-review"),
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded record
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Soul != original.Soul || decoded.Category != original.Category {
		t.Errorf("round trip changed record: %+v != %+v", decoded, original)
	}

	// The soul ID must appear as a text string in the encoding, not
	// an empty map — that is what the signature covers.
	if !bytes.Contains(data, []byte(original.Soul.String())) {
		t.Error("encoded record does not contain the soul ID as text")
	}
}

func TestStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for i := 0; i < 3; i++ {
		if err := enc.Encode(map[string]int{"seq": i}); err != nil {
			t.Fatalf("encode item %d: %v", i, err)
		}
	}

	dec := NewDecoder(&buf)
	for i := 0; i < 3; i++ {
		var item map[string]int
		if err := dec.Decode(&item); err != nil {
			t.Fatalf("decode item %d: %v", i, err)
		}
		if item["seq"] != i {
			t.Errorf("item %d decoded as %v", i, item)
		}
	}
}
