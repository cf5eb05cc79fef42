// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/moltchat-foundation/moltchat/lib/market"
	"github.com/moltchat-foundation/moltchat/lib/ref"
	"github.com/moltchat-foundation/moltchat/lib/signature"
	"github.com/moltchat-foundation/moltchat/lib/soulauth"
)

// Reply codes on the wire.
const (
	replyChallenge    = "CHALLENGE"
	replyAuthOK       = "AUTH_OK"
	replySig          = "SIG"
	replyListing      = "LISTING"
	replyTrade        = "TRADE"
	replyCancelOK     = "CANCEL_OK"
	replyAcceptOK     = "ACCEPT_OK"
	replyTradeSettled = "TRADE_SETTLED"
	replyEnd          = "END"

	errSyntax           = "ERR_SYNTAX"
	errUnknownSoul      = "ERR_UNKNOWN_SOUL"
	errAuthFailed       = "ERR_AUTH_FAILED"
	errChallengeExpired = "ERR_CHALLENGE_EXPIRED"
	errNotAuthenticated = "ERR_NOT_AUTHENTICATED"
	errSignFailed       = "ERR_SIGN_FAILED"
	errInvalidPrice     = "ERR_INVALID_PRICE"
	errListingLimit     = "ERR_LISTING_LIMIT"
	errNotOpen          = "ERR_NOT_OPEN"
	errUnknownTrade     = "ERR_UNKNOWN_TRADE"
	errBadProof         = "ERR_BAD_PROOF"
	errInternal         = "ERR_INTERNAL"
)

// Signer signs a payload on behalf of a soul. Satisfied by
// identity.Keystore; returns an error for souls it does not host.
type Signer interface {
	Sign(soul ref.SoulID, payload []byte) (signature.Signature, error)
}

// Config holds the dispatcher's collaborators.
type Config struct {
	// Auth runs the SOUL challenge/response exchange. Required.
	Auth *soulauth.Authenticator

	// Market serves the SERVICE commands. Required.
	Market *market.Marketplace

	// Signer serves the SIGN command. Required.
	Signer Signer

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Dispatcher routes wire commands. Safe for concurrent use; state
// lives in the components it routes to.
type Dispatcher struct {
	auth   *soulauth.Authenticator
	market *market.Marketplace
	signer Signer
	logger *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Auth == nil {
		return nil, fmt.Errorf("dispatch: Auth is required")
	}
	if cfg.Market == nil {
		return nil, fmt.Errorf("dispatch: Market is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("dispatch: Signer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		auth:   cfg.Auth,
		market: cfg.Market,
		signer: cfg.Signer,
		logger: logger,
	}, nil
}

// Handle processes one inbound line for a session and returns the
// reply lines. Blank lines return nothing.
func (d *Dispatcher) Handle(ctx context.Context, sessionID, line string) []string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch strings.ToUpper(fields[0]) {
	case "SOUL":
		return d.handleSoul(sessionID, fields[1:])
	case "SIGN":
		return d.handleSign(sessionID, line)
	case "SERVICE":
		return d.handleService(ctx, sessionID, fields[1:])
	default:
		return []string{errSyntax}
	}
}

// Disconnect tears down a session's protocol state: the outstanding
// challenge and identity binding go away, and if this was the soul's
// last session its OPEN listings are cancelled. Live trades are left
// to run to their deadline.
func (d *Dispatcher) Disconnect(ctx context.Context, sessionID string) {
	soul, bound := d.auth.Identity(sessionID)
	d.auth.Forget(sessionID)
	if bound && !d.auth.IsAuthenticated(soul) {
		d.market.CancelOwnedBy(ctx, soul)
	}
}

// Annotation returns the display prefix for a session's relayed
// messages (empty for anonymous sessions).
func (d *Dispatcher) Annotation(sessionID string) string {
	return d.auth.Annotation(sessionID)
}

// handleSoul runs both halves of the challenge/response exchange:
// "SOUL <id>" begins, "SOUL <id> <proof-hex>" completes.
func (d *Dispatcher) handleSoul(sessionID string, args []string) []string {
	switch len(args) {
	case 1:
		soul, err := ref.ParseSoulID(args[0])
		if err != nil {
			return []string{errSyntax}
		}
		challenge, err := d.auth.Begin(sessionID, soul)
		if err != nil {
			return []string{d.authError(err)}
		}
		return []string{replyChallenge + " " + hex.EncodeToString(challenge.Nonce)}

	case 2:
		soul, err := ref.ParseSoulID(args[0])
		if err != nil {
			return []string{errSyntax}
		}
		proof, err := signature.ParseSignature(args[1])
		if err != nil {
			return []string{errSyntax}
		}
		result, err := d.auth.Respond(sessionID, soul, proof)
		if err != nil {
			return []string{d.authError(err)}
		}
		if result.Rebound {
			return []string{fmt.Sprintf("%s %s REBOUND %s", replyAuthOK, result.Soul, result.Previous)}
		}
		return []string{replyAuthOK + " " + result.Soul.String()}

	default:
		return []string{errSyntax}
	}
}

// authError maps authenticator failures to reply codes.
func (d *Dispatcher) authError(err error) string {
	switch {
	case errors.Is(err, soulauth.ErrUnknownSoul):
		return errUnknownSoul
	case errors.Is(err, soulauth.ErrChallengeExpired):
		return errChallengeExpired
	case errors.Is(err, soulauth.ErrAuthFailed):
		return errAuthFailed
	default:
		d.logger.Error("authentication error", "error", err)
		return errInternal
	}
}

// handleSign signs the raw payload (everything after the verb,
// spaces included) for the session's authenticated soul.
func (d *Dispatcher) handleSign(sessionID, line string) []string {
	soul, bound := d.auth.Identity(sessionID)
	if !bound {
		return []string{errNotAuthenticated}
	}

	parts := strings.SplitN(line, " ", 2)
	if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
		return []string{errSyntax}
	}
	payload := parts[1]

	sig, err := d.signer.Sign(soul, []byte(payload))
	if err != nil {
		d.logger.Info("sign failed", "session", sessionID, "soul", soul.Short(), "error", err)
		return []string{errSignFailed}
	}
	return []string{replySig + " " + sig.Encode()}
}

// handleService routes the SERVICE subcommands. Every one of them
// requires an authenticated session.
func (d *Dispatcher) handleService(ctx context.Context, sessionID string, args []string) []string {
	soul, bound := d.auth.Identity(sessionID)
	if !bound {
		return []string{errNotAuthenticated}
	}
	if len(args) == 0 {
		return []string{errSyntax}
	}

	switch strings.ToUpper(args[0]) {
	case "LIST":
		if len(args) != 1 {
			return []string{errSyntax}
		}
		return d.serviceList()

	case "OFFER", "REQUEST":
		kind := market.KindOffer
		if strings.ToUpper(args[0]) == "REQUEST" {
			kind = market.KindRequest
		}
		return d.servicePlace(ctx, soul, kind, args[1:])

	case "CANCEL":
		if len(args) != 2 {
			return []string{errSyntax}
		}
		return d.serviceCancel(ctx, soul, args[1])

	case "TRADES":
		if len(args) != 1 {
			return []string{errSyntax}
		}
		return d.serviceTrades(soul)

	case "ACCEPT":
		if len(args) != 3 {
			return []string{errSyntax}
		}
		return d.serviceAccept(ctx, soul, args[1], args[2])

	default:
		return []string{errSyntax}
	}
}

// serviceList renders the OPEN listings, one line each, then END.
func (d *Dispatcher) serviceList() []string {
	listings := d.market.OpenListings()
	replies := make([]string, 0, len(listings)+1)
	for _, listing := range listings {
		replies = append(replies, fmt.Sprintf("%s %s %s %s %d %s",
			replyListing, listing.ID, listing.Kind, listing.Category, listing.Price, listing.Soul))
	}
	return append(replies, replyEnd)
}

// servicePlace creates an offer or request listing and reports a
// synchronous match if one happened.
func (d *Dispatcher) servicePlace(ctx context.Context, soul ref.SoulID, kind market.Kind, args []string) []string {
	if len(args) != 2 {
		return []string{errSyntax}
	}
	category, err := ref.ParseCategory(args[0])
	if err != nil {
		return []string{errSyntax}
	}
	price, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return []string{errSyntax}
	}

	listing, trade, err := d.market.Place(ctx, soul, kind, category, price)
	switch {
	case errors.Is(err, market.ErrInvalidPrice):
		return []string{errInvalidPrice}
	case errors.Is(err, market.ErrListingLimit):
		return []string{errListingLimit}
	case err != nil:
		d.logger.Error("placing listing", "error", err)
		return []string{errInternal}
	}

	replies := []string{replyListing + " " + listing.ID.String()}
	if trade != nil {
		counterparty := trade.Offer
		if listing.Kind == market.KindOffer {
			counterparty = trade.Request
		}
		replies = append(replies, fmt.Sprintf("%s %s %s", replyTrade, trade.ID, counterparty))
	}
	return replies
}

// serviceCancel withdraws the caller's OPEN listing.
func (d *Dispatcher) serviceCancel(ctx context.Context, soul ref.SoulID, rawID string) []string {
	listingID, err := ref.ParseListingID(rawID)
	if err != nil {
		return []string{errSyntax}
	}
	err = d.market.Cancel(ctx, listingID, soul)
	switch {
	case errors.Is(err, market.ErrNotOpen):
		return []string{errNotOpen}
	case err != nil:
		d.logger.Error("cancelling listing", "error", err)
		return []string{errInternal}
	}
	return []string{replyCancelOK}
}

// serviceTrades lists the caller's live trades, then END.
func (d *Dispatcher) serviceTrades(soul ref.SoulID) []string {
	trades := d.market.TradesInvolving(soul)
	replies := make([]string, 0, len(trades)+1)
	for _, trade := range trades {
		counterparty := trade.Provider
		if counterparty == soul {
			counterparty = trade.Seeker
		}
		replies = append(replies, fmt.Sprintf("%s %s %s %s %d %s",
			replyTrade, trade.ID, trade.Status, trade.Category, trade.Price, counterparty))
	}
	return append(replies, replyEnd)
}

// serviceAccept records the caller's acceptance of a proposed trade.
func (d *Dispatcher) serviceAccept(ctx context.Context, soul ref.SoulID, rawID, rawProof string) []string {
	tradeID, err := ref.ParseTradeID(rawID)
	if err != nil {
		return []string{errSyntax}
	}
	proof, err := signature.ParseSignature(rawProof)
	if err != nil {
		return []string{errSyntax}
	}

	trade, err := d.market.Accept(ctx, tradeID, soul, proof)
	switch {
	case errors.Is(err, market.ErrUnknownTrade), errors.Is(err, market.ErrTradeClosed):
		return []string{errUnknownTrade}
	case errors.Is(err, market.ErrBadProof):
		return []string{errBadProof}
	case err != nil:
		d.logger.Error("accepting trade", "error", err)
		return []string{errInternal}
	}

	if trade.Status == market.TradeSettled {
		return []string{replyTradeSettled + " " + trade.ID.String()}
	}
	return []string{replyAcceptOK + " " + trade.ID.String()}
}
