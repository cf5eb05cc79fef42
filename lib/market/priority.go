// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package market

import "github.com/moltchat-foundation/moltchat/lib/ref"

// Priority orders candidate counterpart listings during matching:
// Before reports whether a should be matched in preference to b. The
// comparator is supplied to the book rather than baked into the state
// machine, so alternate priority schemes substitute cleanly.
type Priority func(a, b *Listing) bool

// PriceTime is the default price-time priority: the lower price wins
// (better for the seeker on either scan direction), ties broken by
// earlier sequence number. Sequences are strictly monotonic per
// category, so the ordering is total.
func PriceTime(a, b *Listing) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	return a.Sequence < b.Sequence
}

// Scorer supplies reputation scores to ReputationWeighted. Satisfied
// by reputation.Ledger.
type Scorer interface {
	ScoreOf(soul ref.SoulID) int64
}

// ReputationWeighted is price-time priority with reputation as the
// intermediate tie-break: at equal price the higher-reputation
// counterparty wins, and only then earliest sequence.
func ReputationWeighted(scores Scorer) Priority {
	return func(a, b *Listing) bool {
		if a.Price != b.Price {
			return a.Price < b.Price
		}
		scoreA, scoreB := scores.ScoreOf(a.Soul), scores.ScoreOf(b.Soul)
		if scoreA != scoreB {
			return scoreA > scoreB
		}
		return a.Sequence < b.Sequence
	}
}
