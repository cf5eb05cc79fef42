// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package market

import (
	"time"

	"github.com/moltchat-foundation/moltchat/lib/ref"
	"github.com/moltchat-foundation/moltchat/lib/signature"
)

// Kind distinguishes the two sides of the book.
type Kind string

const (
	// KindOffer advertises a service at an asking price (the
	// provider side).
	KindOffer Kind = "offer"
	// KindRequest asks for a service up to a maximum price (the
	// seeker side).
	KindRequest Kind = "request"
)

// counterpart returns the opposite side.
func (k Kind) counterpart() Kind {
	if k == KindOffer {
		return KindRequest
	}
	return KindOffer
}

// ListingStatus is the lifecycle state of a listing. Transitions run
// strictly forward: OPEN→MATCHED, or OPEN→CANCELLED, or OPEN→EXPIRED.
// MATCHED is terminal for the listing itself; the outcome of the
// match lives on its trade.
type ListingStatus string

const (
	ListingOpen      ListingStatus = "OPEN"
	ListingMatched   ListingStatus = "MATCHED"
	ListingCancelled ListingStatus = "CANCELLED"
	ListingExpired   ListingStatus = "EXPIRED"
)

// Listing is one side of a potential trade. Sequence numbers are
// strictly monotonic per category, including across restarts, so
// price-time priority never needs a secondary tie-break.
type Listing struct {
	ID       ref.ListingID
	Kind     Kind
	Category ref.Category
	Price    int64
	Soul     ref.SoulID
	Sequence uint64
	Status   ListingStatus

	CreatedAt time.Time
	// ExpiresAt is when an unmatched listing expires. Matching stops
	// the clock: MATCHED listings do not expire.
	ExpiresAt time.Time
}

// TradeStatus is the lifecycle state of a trade. SETTLED and ABORTED
// are final.
type TradeStatus string

const (
	TradeProposed           TradeStatus = "PROPOSED"
	TradeAcceptedBySeeker   TradeStatus = "ACCEPTED_BY_SEEKER"
	TradeAcceptedByProvider TradeStatus = "ACCEPTED_BY_PROVIDER"
	TradeSettled            TradeStatus = "SETTLED"
	TradeAborted            TradeStatus = "ABORTED"
)

// Terminal reports whether the status is final.
func (s TradeStatus) Terminal() bool {
	return s == TradeSettled || s == TradeAborted
}

// Trade is a matched offer/request pair progressing through the
// acceptance handshake. The trade executes at the offer's asking
// price (never above the seeker's stated maximum, by the matching
// compatibility rule).
type Trade struct {
	ID       ref.TradeID
	Category ref.Category
	Offer    ref.ListingID
	Request  ref.ListingID
	Provider ref.SoulID
	Seeker   ref.SoulID
	Price    int64
	Status   TradeStatus
	Deadline time.Time

	// ProviderProof and SeekerProof are each party's signature over
	// the trade acceptance record, recorded by Accept. The same
	// proofs authenticate the settlement reputation events.
	ProviderProof signature.Signature
	SeekerProof   signature.Signature

	CreatedAt time.Time
}
