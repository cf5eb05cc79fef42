// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package market

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/moltchat-foundation/moltchat/lib/codec"
	"github.com/moltchat-foundation/moltchat/lib/ref"
	"github.com/moltchat-foundation/moltchat/lib/signature"
)

const marketSchema = `
CREATE TABLE IF NOT EXISTS listings (
	listing_id TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	category   TEXT NOT NULL,
	price      INTEGER NOT NULL,
	soul       TEXT NOT NULL,
	sequence   INTEGER NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS listings_category ON listings (category);

CREATE TABLE IF NOT EXISTS trades (
	trade_id       TEXT PRIMARY KEY,
	category       TEXT NOT NULL,
	offer_id       TEXT NOT NULL,
	request_id     TEXT NOT NULL,
	provider       TEXT NOT NULL,
	seeker         TEXT NOT NULL,
	price          INTEGER NOT NULL,
	status         TEXT NOT NULL,
	deadline       TEXT NOT NULL,
	provider_proof TEXT NOT NULL DEFAULT '',
	seeker_proof   TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_status ON trades (status);
`

// saveListing writes a listing through to SQLite, replacing any prior
// row for the same ID.
func (m *Marketplace) saveListing(ctx context.Context, listing *Listing) error {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("market: %w", err)
	}
	defer m.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO listings (listing_id, kind, category, price, soul, sequence, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			listing.ID.String(),
			string(listing.Kind),
			listing.Category.String(),
			listing.Price,
			listing.Soul.String(),
			int64(listing.Sequence),
			string(listing.Status),
			listing.CreatedAt.Format(time.RFC3339Nano),
			listing.ExpiresAt.Format(time.RFC3339Nano),
		}},
	)
	if err != nil {
		return fmt.Errorf("market: persisting listing %s: %w", listing.ID, err)
	}
	return nil
}

// saveTrade writes a trade through to SQLite, replacing any prior row
// for the same ID.
func (m *Marketplace) saveTrade(ctx context.Context, trade *Trade) error {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("market: %w", err)
	}
	defer m.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO trades (trade_id, category, offer_id, request_id, provider, seeker, price, status, deadline, provider_proof, seeker_proof, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			trade.ID.String(),
			trade.Category.String(),
			trade.Offer.String(),
			trade.Request.String(),
			trade.Provider.String(),
			trade.Seeker.String(),
			trade.Price,
			string(trade.Status),
			trade.Deadline.Format(time.RFC3339Nano),
			trade.ProviderProof.Encode(),
			trade.SeekerProof.Encode(),
			trade.CreatedAt.Format(time.RFC3339Nano),
		}},
	)
	if err != nil {
		return fmt.Errorf("market: persisting trade %s: %w", trade.ID, err)
	}
	return nil
}

// load creates the schema and rebuilds the in-memory books: OPEN
// listings, live trades with their MATCHED listings, per-category
// sequence high-water marks (over all rows, terminal included, so
// monotonicity survives restart), and the per-soul open counts.
func (m *Marketplace) load(ctx context.Context) error {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("market: %w", err)
	}
	defer m.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, marketSchema, nil); err != nil {
		return fmt.Errorf("market: creating schema: %w", err)
	}

	// matched holds MATCHED listings by ID for the trade pass.
	matched := make(map[ref.ListingID]*Listing)

	err = sqlitex.Execute(conn,
		`SELECT listing_id, kind, category, price, soul, sequence, status, created_at, expires_at FROM listings`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				listing, err := scanListing(stmt)
				if err != nil {
					return err
				}
				b := m.bookFor(listing.Category)
				if listing.Sequence > b.sequence {
					b.sequence = listing.Sequence
				}
				switch listing.Status {
				case ListingOpen:
					b.open[listing.ID] = listing
					m.listingIndex[listing.ID] = listing.Category
					m.openCount[listing.Soul]++
				case ListingMatched:
					matched[listing.ID] = listing
					m.listingIndex[listing.ID] = listing.Category
				}
				return nil
			},
		},
	)
	if err != nil {
		return fmt.Errorf("market: loading listings: %w", err)
	}

	err = sqlitex.Execute(conn,
		`SELECT trade_id, category, offer_id, request_id, provider, seeker, price, status, deadline, provider_proof, seeker_proof, created_at
		 FROM trades WHERE status NOT IN (?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{string(TradeSettled), string(TradeAborted)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				trade, err := scanTrade(stmt)
				if err != nil {
					return err
				}
				offer, hasOffer := matched[trade.Offer]
				request, hasRequest := matched[trade.Request]
				if !hasOffer || !hasRequest {
					return fmt.Errorf("trade %s references missing matched listings", trade.ID)
				}
				b := m.bookFor(trade.Category)
				b.trades[trade.ID] = &liveTrade{trade: trade, offer: offer, request: request}
				m.tradeIndex[trade.ID] = trade.Category
				return nil
			},
		},
	)
	if err != nil {
		return fmt.Errorf("market: loading trades: %w", err)
	}
	return nil
}

// scanListing decodes one listings row.
func scanListing(stmt *sqlite.Stmt) (*Listing, error) {
	id, err := ref.ParseListingID(stmt.ColumnText(0))
	if err != nil {
		return nil, fmt.Errorf("row has invalid listing ID: %w", err)
	}
	category, err := ref.ParseCategory(stmt.ColumnText(2))
	if err != nil {
		return nil, fmt.Errorf("listing %s has invalid category: %w", id, err)
	}
	soul, err := ref.ParseSoulID(stmt.ColumnText(4))
	if err != nil {
		return nil, fmt.Errorf("listing %s has invalid soul: %w", id, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(7))
	if err != nil {
		return nil, fmt.Errorf("listing %s has invalid created_at: %w", id, err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(8))
	if err != nil {
		return nil, fmt.Errorf("listing %s has invalid expires_at: %w", id, err)
	}
	return &Listing{
		ID:        id,
		Kind:      Kind(stmt.ColumnText(1)),
		Category:  category,
		Price:     stmt.ColumnInt64(3),
		Soul:      soul,
		Sequence:  uint64(stmt.ColumnInt64(5)),
		Status:    ListingStatus(stmt.ColumnText(6)),
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}, nil
}

// scanTrade decodes one trades row.
func scanTrade(stmt *sqlite.Stmt) (*Trade, error) {
	id, err := ref.ParseTradeID(stmt.ColumnText(0))
	if err != nil {
		return nil, fmt.Errorf("row has invalid trade ID: %w", err)
	}
	category, err := ref.ParseCategory(stmt.ColumnText(1))
	if err != nil {
		return nil, fmt.Errorf("trade %s has invalid category: %w", id, err)
	}
	offer, err := ref.ParseListingID(stmt.ColumnText(2))
	if err != nil {
		return nil, fmt.Errorf("trade %s has invalid offer ID: %w", id, err)
	}
	request, err := ref.ParseListingID(stmt.ColumnText(3))
	if err != nil {
		return nil, fmt.Errorf("trade %s has invalid request ID: %w", id, err)
	}
	provider, err := ref.ParseSoulID(stmt.ColumnText(4))
	if err != nil {
		return nil, fmt.Errorf("trade %s has invalid provider: %w", id, err)
	}
	seeker, err := ref.ParseSoulID(stmt.ColumnText(5))
	if err != nil {
		return nil, fmt.Errorf("trade %s has invalid seeker: %w", id, err)
	}
	deadline, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(8))
	if err != nil {
		return nil, fmt.Errorf("trade %s has invalid deadline: %w", id, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(11))
	if err != nil {
		return nil, fmt.Errorf("trade %s has invalid created_at: %w", id, err)
	}

	trade := &Trade{
		ID:        id,
		Category:  category,
		Offer:     offer,
		Request:   request,
		Provider:  provider,
		Seeker:    seeker,
		Price:     stmt.ColumnInt64(6),
		Status:    TradeStatus(stmt.ColumnText(7)),
		Deadline:  deadline,
		CreatedAt: createdAt,
	}
	if raw := stmt.ColumnText(9); raw != "" {
		if trade.ProviderProof, err = signature.ParseSignature(raw); err != nil {
			return nil, fmt.Errorf("trade %s has invalid provider proof: %w", id, err)
		}
	}
	if raw := stmt.ColumnText(10); raw != "" {
		if trade.SeekerProof, err = signature.ParseSignature(raw); err != nil {
			return nil, fmt.Errorf("trade %s has invalid seeker proof: %w", id, err)
		}
	}
	return trade, nil
}

// historyRecord is one entry in the audit export stream.
type historyRecord struct {
	Trade    ref.TradeID   `cbor:"trade"`
	Category ref.Category  `cbor:"category"`
	Offer    ref.ListingID `cbor:"offer"`
	Request  ref.ListingID `cbor:"request"`
	Provider ref.SoulID    `cbor:"provider"`
	Seeker   ref.SoulID    `cbor:"seeker"`
	Price    int64         `cbor:"price"`
	Status   string        `cbor:"status"`
	Created  string        `cbor:"created_at"`
}

// ExportHistory streams every terminal trade (settled and aborted) to
// w as a zstd-compressed CBOR sequence, oldest first.
func (m *Marketplace) ExportHistory(ctx context.Context, w io.Writer) error {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("market: %w", err)
	}
	defer m.pool.Put(conn)

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("market: creating zstd writer: %w", err)
	}
	encoder := codec.NewEncoder(zw)

	err = sqlitex.Execute(conn,
		`SELECT trade_id, category, offer_id, request_id, provider, seeker, price, status, deadline, provider_proof, seeker_proof, created_at
		 FROM trades WHERE status IN (?, ?) ORDER BY created_at`,
		&sqlitex.ExecOptions{
			Args: []any{string(TradeSettled), string(TradeAborted)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				trade, err := scanTrade(stmt)
				if err != nil {
					return err
				}
				return encoder.Encode(historyRecord{
					Trade:    trade.ID,
					Category: trade.Category,
					Offer:    trade.Offer,
					Request:  trade.Request,
					Provider: trade.Provider,
					Seeker:   trade.Seeker,
					Price:    trade.Price,
					Status:   string(trade.Status),
					Created:  trade.CreatedAt.Format(time.RFC3339Nano),
				})
			},
		},
	)
	if err != nil {
		zw.Close()
		return fmt.Errorf("market: exporting history: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("market: flushing export: %w", err)
	}
	return nil
}
