// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moltchat-foundation/moltchat/lib/clock"
	"github.com/moltchat-foundation/moltchat/lib/identity"
	"github.com/moltchat-foundation/moltchat/lib/ref"
	"github.com/moltchat-foundation/moltchat/lib/reputation"
	"github.com/moltchat-foundation/moltchat/lib/signature"
	"github.com/moltchat-foundation/moltchat/lib/sqlitepool"
)

// Protocol-visible failure classes for marketplace operations.
var (
	// ErrInvalidPrice: the price is not a positive integer.
	ErrInvalidPrice = errors.New("market: invalid price")

	// ErrListingLimit: the soul already has the maximum number of
	// open listings. Admission control, not a crash condition.
	ErrListingLimit = errors.New("market: open listing limit reached")

	// ErrNotOpen: the listing does not exist, is not OPEN, or is not
	// owned by the caller.
	ErrNotOpen = errors.New("market: listing not open")

	// ErrUnknownTrade: the trade does not exist or the caller is not
	// a party to it.
	ErrUnknownTrade = errors.New("market: unknown trade")

	// ErrTradeClosed: the trade already reached a terminal state.
	ErrTradeClosed = errors.New("market: trade closed")

	// ErrBadProof: the acceptance proof does not verify against the
	// party's registered key.
	ErrBadProof = errors.New("market: acceptance proof does not verify")
)

// EventSink receives the settlement reputation events. Satisfied by
// reputation.Ledger.
type EventSink interface {
	Submit(ctx context.Context, event reputation.Event) (reputation.Outcome, error)
}

// Config holds the parameters for opening a Marketplace.
type Config struct {
	// Pool is the SQLite connection pool listings and trades persist
	// through. Required.
	Pool *sqlitepool.Pool

	// Registry resolves parties to verification keys for acceptance
	// proofs. Required.
	Registry *identity.Registry

	// Ledger receives the two settlement reputation events when a
	// trade settles. Required.
	Ledger EventSink

	// Clock drives listing expiry and trade deadlines. Required.
	Clock clock.Clock

	// Priority orders matching candidates. Defaults to PriceTime.
	Priority Priority

	// ListingTTL is how long an unmatched listing stays OPEN.
	// Defaults to 10 minutes.
	ListingTTL time.Duration

	// TradeDeadline is how long a proposed trade waits for both
	// acceptances. Defaults to 5 minutes.
	TradeDeadline time.Duration

	// SweepInterval is how often the expiry sweep runs. Defaults to
	// 10 seconds.
	SweepInterval time.Duration

	// MaxOpenListings caps OPEN listings per soul. Defaults to 8.
	MaxOpenListings int

	// SettlementDelta is the reputation credit each party earns on
	// settlement. Defaults to 1.
	SettlementDelta int64

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// liveTrade pairs a trade with its constituent listings so the
// deadline sweep can cancel them on abort.
type liveTrade struct {
	trade   *Trade
	offer   *Listing
	request *Listing
}

// book is one category's order book. Its lock serializes all matching
// and state transitions for the category; books never take each
// other's locks, so categories proceed in parallel.
type book struct {
	mu       sync.Mutex
	category ref.Category

	// sequence is the high-water arrival counter, strictly monotonic
	// including across restarts.
	sequence uint64

	// open holds the OPEN listings.
	open map[ref.ListingID]*Listing

	// trades holds the live (non-terminal) trades.
	trades map[ref.TradeID]*liveTrade
}

// Marketplace is the order-book and trade-handshake engine. Safe for
// concurrent use.
type Marketplace struct {
	pool     *sqlitepool.Pool
	registry *identity.Registry
	ledger   EventSink
	clock    clock.Clock
	priority Priority
	logger   *slog.Logger

	listingTTL      time.Duration
	tradeDeadline   time.Duration
	sweepInterval   time.Duration
	maxOpenListings int
	settlementDelta int64

	booksMu sync.Mutex
	books   map[ref.Category]*book

	// indexMu guards the ID→category indexes used to route lookups
	// to the owning book.
	indexMu      sync.Mutex
	listingIndex map[ref.ListingID]ref.Category
	tradeIndex   map[ref.TradeID]ref.Category

	// countMu guards the per-soul OPEN listing counts. Always
	// acquired after a book lock, never before.
	countMu   sync.Mutex
	openCount map[ref.SoulID]int
}

// Open creates the marketplace tables if needed and reloads OPEN
// listings, live trades, and the per-category sequence high-water
// marks.
func Open(ctx context.Context, cfg Config) (*Marketplace, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("market: Pool is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("market: Registry is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("market: Ledger is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("market: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := &Marketplace{
		pool:            cfg.Pool,
		registry:        cfg.Registry,
		ledger:          cfg.Ledger,
		clock:           cfg.Clock,
		priority:        cfg.Priority,
		logger:          logger,
		listingTTL:      cfg.ListingTTL,
		tradeDeadline:   cfg.TradeDeadline,
		sweepInterval:   cfg.SweepInterval,
		maxOpenListings: cfg.MaxOpenListings,
		settlementDelta: cfg.SettlementDelta,
		books:           make(map[ref.Category]*book),
		listingIndex:    make(map[ref.ListingID]ref.Category),
		tradeIndex:      make(map[ref.TradeID]ref.Category),
		openCount:       make(map[ref.SoulID]int),
	}
	if m.priority == nil {
		m.priority = PriceTime
	}
	if m.listingTTL <= 0 {
		m.listingTTL = 10 * time.Minute
	}
	if m.tradeDeadline <= 0 {
		m.tradeDeadline = 5 * time.Minute
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = 10 * time.Second
	}
	if m.maxOpenListings <= 0 {
		m.maxOpenListings = 8
	}
	if m.settlementDelta == 0 {
		m.settlementDelta = 1
	}

	if err := m.load(ctx); err != nil {
		return nil, err
	}
	logger.Info("marketplace opened", "categories", len(m.books))
	return m, nil
}

// bookFor returns the category's book, creating it on first use.
func (m *Marketplace) bookFor(category ref.Category) *book {
	m.booksMu.Lock()
	defer m.booksMu.Unlock()
	b, exists := m.books[category]
	if !exists {
		b = &book{
			category: category,
			open:     make(map[ref.ListingID]*Listing),
			trades:   make(map[ref.TradeID]*liveTrade),
		}
		m.books[category] = b
	}
	return b
}

// Place creates a listing and runs matching synchronously. If a
// compatible counterpart exists, both listings go MATCHED and the
// returned Trade is the freshly PROPOSED match; otherwise the listing
// stays OPEN and the Trade is nil.
func (m *Marketplace) Place(ctx context.Context, soul ref.SoulID, kind Kind, category ref.Category, price int64) (Listing, *Trade, error) {
	if price <= 0 {
		return Listing{}, nil, fmt.Errorf("%w: %d", ErrInvalidPrice, price)
	}
	if kind != KindOffer && kind != KindRequest {
		return Listing{}, nil, fmt.Errorf("market: invalid kind %q", kind)
	}

	b := m.bookFor(category)
	b.mu.Lock()
	defer b.mu.Unlock()

	if !m.reserveSlot(soul) {
		return Listing{}, nil, fmt.Errorf("%w: %d open listings", ErrListingLimit, m.maxOpenListings)
	}

	now := m.clock.Now().UTC()
	b.sequence++
	listing := &Listing{
		ID:        ref.MustParseListingID(uuid.NewString()),
		Kind:      kind,
		Category:  category,
		Price:     price,
		Soul:      soul,
		Sequence:  b.sequence,
		Status:    ListingOpen,
		CreatedAt: now,
		ExpiresAt: now.Add(m.listingTTL),
	}

	m.indexMu.Lock()
	m.listingIndex[listing.ID] = category
	m.indexMu.Unlock()

	match := m.findMatch(b, listing)
	if match == nil {
		b.open[listing.ID] = listing
		if err := m.saveListing(ctx, listing); err != nil {
			// Roll back: the listing never existed.
			delete(b.open, listing.ID)
			m.releaseSlot(soul)
			return Listing{}, nil, err
		}
		m.logger.Info("listing placed", "listing", listing.ID,
			"kind", kind, "category", category, "price", price, "soul", soul.Short())
		return *listing, nil, nil
	}

	// Matched synchronously: both listings leave OPEN and a trade is
	// proposed. The new listing never occupied an open slot.
	m.releaseSlot(soul)
	m.releaseSlot(match.Soul)
	delete(b.open, match.ID)
	listing.Status = ListingMatched
	match.Status = ListingMatched

	trade := m.proposeTrade(b, listing, match, now)
	if err := m.saveListing(ctx, listing); err != nil {
		return Listing{}, nil, err
	}
	if err := m.saveListing(ctx, match); err != nil {
		return Listing{}, nil, err
	}
	if err := m.saveTrade(ctx, trade.trade); err != nil {
		return Listing{}, nil, err
	}

	m.logger.Info("trade proposed", "trade", trade.trade.ID,
		"category", category, "price", trade.trade.Price,
		"provider", trade.trade.Provider.Short(), "seeker", trade.trade.Seeker.Short())
	result := *trade.trade
	return *listing, &result, nil
}

// findMatch scans the book's OPEN counterparts for the best
// compatible listing under the configured priority. Caller holds b.mu.
func (m *Marketplace) findMatch(b *book, incoming *Listing) *Listing {
	var best *Listing
	for _, candidate := range b.open {
		if candidate.Kind != incoming.Kind.counterpart() {
			continue
		}
		if !compatible(incoming, candidate) {
			continue
		}
		if best == nil || m.priority(candidate, best) {
			best = candidate
		}
	}
	return best
}

// compatible reports whether an offer/request pair can trade: the
// offer's asking price must not exceed the request's maximum.
func compatible(a, b *Listing) bool {
	offer, request := a, b
	if offer.Kind != KindOffer {
		offer, request = b, a
	}
	return offer.Price <= request.Price
}

// proposeTrade creates the PROPOSED trade for a matched pair and
// registers it in the book. Caller holds b.mu.
func (m *Marketplace) proposeTrade(b *book, a, c *Listing, now time.Time) *liveTrade {
	offer, request := a, c
	if offer.Kind != KindOffer {
		offer, request = c, a
	}

	trade := &Trade{
		ID:       ref.MustParseTradeID(uuid.NewString()),
		Category: b.category,
		Offer:    offer.ID,
		Request:  request.ID,
		Provider: offer.Soul,
		Seeker:   request.Soul,
		// The trade executes at the asking price, never above the
		// seeker's maximum.
		Price:     offer.Price,
		Status:    TradeProposed,
		Deadline:  now.Add(m.tradeDeadline),
		CreatedAt: now,
	}

	live := &liveTrade{trade: trade, offer: offer, request: request}
	b.trades[trade.ID] = live

	m.indexMu.Lock()
	m.tradeIndex[trade.ID] = b.category
	m.indexMu.Unlock()
	return live
}

// Accept records a party's acceptance of a proposed trade. The proof
// must be the party's signature over the trade acceptance record.
// When both parties have accepted, the trade settles and the two
// settlement reputation events are emitted. Re-accepting an already
// recorded side is a no-op.
func (m *Marketplace) Accept(ctx context.Context, tradeID ref.TradeID, soul ref.SoulID, proof signature.Signature) (Trade, error) {
	b, exists := m.bookForTrade(tradeID)
	if !exists {
		return Trade{}, fmt.Errorf("%w: %s", ErrUnknownTrade, tradeID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	live, exists := b.trades[tradeID]
	if !exists {
		return Trade{}, fmt.Errorf("%w: %s", ErrTradeClosed, tradeID)
	}
	trade := live.trade
	if soul != trade.Provider && soul != trade.Seeker {
		// Not a party; indistinguishable from a nonexistent trade.
		return Trade{}, fmt.Errorf("%w: %s", ErrUnknownTrade, tradeID)
	}

	party, exists := m.registry.Lookup(soul)
	if !exists {
		return Trade{}, fmt.Errorf("%w: %s not registered", ErrUnknownTrade, soul.Short())
	}
	payload, err := signature.AcceptanceSigningBytes(trade.ID, soul)
	if err != nil {
		return Trade{}, err
	}
	if !signature.Verify(party.PublicKey, payload, proof) {
		return Trade{}, fmt.Errorf("%w: trade %s, soul %s", ErrBadProof, tradeID, soul.Short())
	}

	switch soul {
	case trade.Provider:
		if trade.ProviderProof == nil {
			trade.ProviderProof = proof
			if trade.Status == TradeProposed {
				trade.Status = TradeAcceptedByProvider
			}
		}
	case trade.Seeker:
		if trade.SeekerProof == nil {
			trade.SeekerProof = proof
			if trade.Status == TradeProposed {
				trade.Status = TradeAcceptedBySeeker
			}
		}
	}

	if trade.ProviderProof != nil && trade.SeekerProof != nil {
		trade.Status = TradeSettled
		delete(b.trades, trade.ID)
	}
	if err := m.saveTrade(ctx, trade); err != nil {
		return Trade{}, err
	}

	if trade.Status == TradeSettled {
		m.logger.Info("trade settled", "trade", trade.ID,
			"provider", trade.Provider.Short(), "seeker", trade.Seeker.Short())
		m.emitSettlement(ctx, trade)
	}
	return *trade, nil
}

// emitSettlement submits the two symmetric reputation events for a
// settled trade: seeker endorses provider and provider endorses
// seeker. Event IDs are deterministic ("<trade>:provider" names the
// event whose subject is the provider), so re-emission after a crash
// deduplicates at the ledger. A rejection (for example, a party that
// disconnected between accepting and settlement) is logged and does
// not unwind the settlement.
func (m *Marketplace) emitSettlement(ctx context.Context, trade *Trade) {
	events := []reputation.Event{
		{
			ID:       ref.MustParseEventID(trade.ID.String() + ":provider"),
			Subject:  trade.Provider,
			Endorser: trade.Seeker,
			Delta:    m.settlementDelta,
			Reason:   reputation.ReasonTradeSettled,
			Trade:    trade.ID,
			Proof:    trade.SeekerProof,
		},
		{
			ID:       ref.MustParseEventID(trade.ID.String() + ":seeker"),
			Subject:  trade.Seeker,
			Endorser: trade.Provider,
			Delta:    m.settlementDelta,
			Reason:   reputation.ReasonTradeSettled,
			Trade:    trade.ID,
			Proof:    trade.ProviderProof,
		},
	}
	for _, event := range events {
		outcome, err := m.ledger.Submit(ctx, event)
		if err != nil {
			m.logger.Warn("settlement event rejected",
				"event", event.ID, "outcome", outcome.String(), "error", err)
		}
	}
}

// Cancel withdraws the caller's OPEN listing. Fails with ErrNotOpen
// if the listing does not exist, is no longer OPEN, or belongs to a
// different soul.
func (m *Marketplace) Cancel(ctx context.Context, listingID ref.ListingID, soul ref.SoulID) error {
	b, exists := m.bookForListing(listingID)
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotOpen, listingID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	listing, exists := b.open[listingID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotOpen, listingID)
	}
	if listing.Soul != soul {
		return fmt.Errorf("%w: %s is not yours", ErrNotOpen, listingID)
	}

	delete(b.open, listingID)
	listing.Status = ListingCancelled
	m.releaseSlot(soul)
	if err := m.saveListing(ctx, listing); err != nil {
		return err
	}
	m.logger.Info("listing cancelled", "listing", listingID, "soul", soul.Short())
	return nil
}

// CancelOwnedBy cancels every OPEN listing owned by the soul. Called
// on session disconnect so no listing persists as OPEN for a dead
// session. Live trades involving the soul are left to run to their
// deadline. Returns the number of listings cancelled.
func (m *Marketplace) CancelOwnedBy(ctx context.Context, soul ref.SoulID) int {
	m.booksMu.Lock()
	books := make([]*book, 0, len(m.books))
	for _, b := range m.books {
		books = append(books, b)
	}
	m.booksMu.Unlock()

	cancelled := 0
	for _, b := range books {
		b.mu.Lock()
		for id, listing := range b.open {
			if listing.Soul != soul {
				continue
			}
			delete(b.open, id)
			listing.Status = ListingCancelled
			m.releaseSlot(soul)
			if err := m.saveListing(ctx, listing); err != nil {
				m.logger.Error("persisting disconnect cancellation",
					"listing", id, "error", err)
			}
			cancelled++
		}
		b.mu.Unlock()
	}
	if cancelled > 0 {
		m.logger.Info("disconnect cancelled listings", "soul", soul.Short(), "count", cancelled)
	}
	return cancelled
}

// OpenListings returns a snapshot of every OPEN listing, ordered by
// category then sequence for stable SERVICE LIST output.
func (m *Marketplace) OpenListings() []Listing {
	m.booksMu.Lock()
	books := make([]*book, 0, len(m.books))
	for _, b := range m.books {
		books = append(books, b)
	}
	m.booksMu.Unlock()

	var result []Listing
	for _, b := range books {
		b.mu.Lock()
		for _, listing := range b.open {
			result = append(result, *listing)
		}
		b.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Category != result[j].Category {
			return result[i].Category.String() < result[j].Category.String()
		}
		return result[i].Sequence < result[j].Sequence
	})
	return result
}

// TradesInvolving returns a snapshot of the live trades the soul is a
// party to, oldest first. Sessions poll this to discover trades that
// matched after their listing was placed; the transport has no push
// channel.
func (m *Marketplace) TradesInvolving(soul ref.SoulID) []Trade {
	m.booksMu.Lock()
	books := make([]*book, 0, len(m.books))
	for _, b := range m.books {
		books = append(books, b)
	}
	m.booksMu.Unlock()

	var result []Trade
	for _, b := range books {
		b.mu.Lock()
		for _, live := range b.trades {
			if live.trade.Provider == soul || live.trade.Seeker == soul {
				result = append(result, *live.trade)
			}
		}
		b.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID.String() < result[j].ID.String()
	})
	return result
}

// Run drives the expiry sweep until ctx is cancelled: OPEN listings
// past their TTL expire, and live trades past their deadline abort
// with both listings cancelled.
func (m *Marketplace) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep applies every due timer-driven transition.
func (m *Marketplace) sweep(ctx context.Context) {
	now := m.clock.Now()

	m.booksMu.Lock()
	books := make([]*book, 0, len(m.books))
	for _, b := range m.books {
		books = append(books, b)
	}
	m.booksMu.Unlock()

	for _, b := range books {
		b.mu.Lock()
		for id, listing := range b.open {
			if listing.ExpiresAt.After(now) {
				continue
			}
			delete(b.open, id)
			listing.Status = ListingExpired
			m.releaseSlot(listing.Soul)
			if err := m.saveListing(ctx, listing); err != nil {
				m.logger.Error("persisting listing expiry", "listing", id, "error", err)
			}
			m.logger.Info("listing expired", "listing", id, "category", b.category)
		}
		for id, live := range b.trades {
			if live.trade.Deadline.After(now) {
				continue
			}
			delete(b.trades, id)
			live.trade.Status = TradeAborted
			// Constituent listings end CANCELLED, never back to
			// OPEN: re-listing is an explicit new action.
			live.offer.Status = ListingCancelled
			live.request.Status = ListingCancelled
			if err := m.saveTrade(ctx, live.trade); err != nil {
				m.logger.Error("persisting trade abort", "trade", id, "error", err)
			}
			if err := m.saveListing(ctx, live.offer); err != nil {
				m.logger.Error("persisting trade abort", "listing", live.offer.ID, "error", err)
			}
			if err := m.saveListing(ctx, live.request); err != nil {
				m.logger.Error("persisting trade abort", "listing", live.request.ID, "error", err)
			}
			m.logger.Info("trade aborted at deadline", "trade", id, "category", b.category)
		}
		b.mu.Unlock()
	}
}

// bookForListing routes a listing ID to its category's book.
func (m *Marketplace) bookForListing(id ref.ListingID) (*book, bool) {
	m.indexMu.Lock()
	category, exists := m.listingIndex[id]
	m.indexMu.Unlock()
	if !exists {
		return nil, false
	}
	return m.bookFor(category), true
}

// bookForTrade routes a trade ID to its category's book.
func (m *Marketplace) bookForTrade(id ref.TradeID) (*book, bool) {
	m.indexMu.Lock()
	category, exists := m.tradeIndex[id]
	m.indexMu.Unlock()
	if !exists {
		return nil, false
	}
	return m.bookFor(category), true
}

// reserveSlot claims an open-listing slot for the soul, enforcing the
// per-identity cap.
func (m *Marketplace) reserveSlot(soul ref.SoulID) bool {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	if m.openCount[soul] >= m.maxOpenListings {
		return false
	}
	m.openCount[soul]++
	return true
}

// releaseSlot returns a soul's open-listing slot.
func (m *Marketplace) releaseSlot(soul ref.SoulID) {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	if count := m.openCount[soul]; count <= 1 {
		delete(m.openCount, soul)
	} else {
		m.openCount[soul] = count - 1
	}
}
