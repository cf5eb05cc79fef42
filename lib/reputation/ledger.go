// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package reputation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/moltchat-foundation/moltchat/lib/clock"
	"github.com/moltchat-foundation/moltchat/lib/identity"
	"github.com/moltchat-foundation/moltchat/lib/ref"
	"github.com/moltchat-foundation/moltchat/lib/signature"
	"github.com/moltchat-foundation/moltchat/lib/sqlitepool"
)

// ReasonTradeSettled marks the pair of events the marketplace emits
// when a trade settles. Events with this reason verify against the
// party's trade acceptance proof instead of a per-event signature.
const ReasonTradeSettled = "trade_settled"

// Rejection classes surfaced through Submit's error.
var (
	// ErrBadProof: the event's signature does not verify against the
	// endorser's registered key.
	ErrBadProof = errors.New("reputation: proof does not verify")

	// ErrEndorserNotAuthenticated: the endorsing soul has no live
	// authenticated session at submission time.
	ErrEndorserNotAuthenticated = errors.New("reputation: endorser not authenticated")

	// ErrInvalidEvent: the event is structurally invalid (missing
	// fields, zero delta).
	ErrInvalidEvent = errors.New("reputation: invalid event")
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS reputation_events (
	event_id    TEXT PRIMARY KEY,
	subject     TEXT NOT NULL,
	endorser    TEXT NOT NULL,
	delta       INTEGER NOT NULL,
	reason      TEXT NOT NULL,
	trade_id    TEXT NOT NULL DEFAULT '',
	proof       TEXT NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS reputation_events_subject ON reputation_events (subject);
`

// Event is a signed endorsement adjusting a soul's score. The ID is
// caller-supplied and is the deduplication key: submitting an
// already-accepted ID is a no-op. Immutable once accepted.
type Event struct {
	ID       ref.EventID
	Subject  ref.SoulID
	Endorser ref.SoulID
	Delta    int64
	Reason   string

	// Trade is set only on ReasonTradeSettled events and names the
	// settled trade the endorsement stems from.
	Trade ref.TradeID

	// Proof is the endorser's Ed25519 signature: over the event
	// signing bytes normally, or over the trade acceptance signing
	// bytes for ReasonTradeSettled events.
	Proof signature.Signature
}

// Outcome classifies a Submit call.
type Outcome int

const (
	// Accepted: the event was appended and the subject's score moved.
	Accepted Outcome = iota
	// Duplicate: the event ID was already accepted; nothing changed.
	Duplicate
	// Rejected: the event failed admission; the accompanying error
	// names the reason.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Authority reports whether a soul currently holds an authenticated
// session. Satisfied by soulauth.Authenticator.
type Authority interface {
	IsAuthenticated(soul ref.SoulID) bool
}

// Config holds the parameters for opening a Ledger.
type Config struct {
	// Pool is the SQLite connection pool the event log persists
	// through. Required.
	Pool *sqlitepool.Pool

	// Registry resolves endorsers to verification keys. Required.
	Registry *identity.Registry

	// Authority gates admission on the endorser holding a live
	// authenticated session. Required.
	Authority Authority

	// Clock provides recording timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Ledger is the authoritative reputation store. Events are applied in
// admission order per subject; across subjects no ordering is needed
// since deltas commute.
//
// Ledger is safe for concurrent use.
type Ledger struct {
	pool      *sqlitepool.Pool
	registry  *identity.Registry
	authority Authority
	clock     clock.Clock
	logger    *slog.Logger

	mu sync.Mutex
	// accepted is the set of event IDs already in the log.
	accepted map[ref.EventID]struct{}
	// scores is the incrementally maintained fold of deltas per
	// subject.
	scores map[ref.SoulID]int64
}

// Open creates the event table if needed and rebuilds the score cache
// with a single fold over the log.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("reputation: Pool is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("reputation: Registry is required")
	}
	if cfg.Authority == nil {
		return nil, fmt.Errorf("reputation: Authority is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("reputation: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ledger := &Ledger{
		pool:      cfg.Pool,
		registry:  cfg.Registry,
		authority: cfg.Authority,
		clock:     cfg.Clock,
		logger:    logger,
		accepted:  make(map[ref.EventID]struct{}),
		scores:    make(map[ref.SoulID]int64),
	}

	conn, err := cfg.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("reputation: %w", err)
	}
	defer cfg.Pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, ledgerSchema, nil); err != nil {
		return nil, fmt.Errorf("reputation: creating schema: %w", err)
	}
	if err := ledger.loadAll(conn); err != nil {
		return nil, fmt.Errorf("reputation: loading event log: %w", err)
	}

	logger.Info("reputation ledger opened", "events", len(ledger.accepted))
	return ledger, nil
}

// Submit admits an event into the ledger. The outcome is Accepted,
// Duplicate (idempotent replay, nil error), or Rejected with an error
// naming the admission failure. Rejection never corrupts the ledger;
// the event simply does not enter it.
func (l *Ledger) Submit(ctx context.Context, event Event) (Outcome, error) {
	if err := l.validate(event); err != nil {
		return Rejected, err
	}

	endorser, exists := l.registry.Lookup(event.Endorser)
	if !exists {
		return Rejected, fmt.Errorf("%w: endorser %s not registered", ErrInvalidEvent, event.Endorser.Short())
	}
	if !l.authority.IsAuthenticated(event.Endorser) {
		return Rejected, fmt.Errorf("%w: %s", ErrEndorserNotAuthenticated, event.Endorser.Short())
	}

	payload, err := l.signingBytes(event)
	if err != nil {
		return Rejected, err
	}
	if !signature.Verify(endorser.PublicKey, payload, event.Proof) {
		return Rejected, fmt.Errorf("%w: event %s", ErrBadProof, event.ID)
	}

	recordedAt := l.clock.Now().UTC()

	// Dedup check and append happen under one lock so two concurrent
	// submissions of the same ID cannot both count.
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.accepted[event.ID]; seen {
		return Duplicate, nil
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return Rejected, fmt.Errorf("reputation: %w", err)
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO reputation_events (event_id, subject, endorser, delta, reason, trade_id, proof, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			event.ID.String(),
			event.Subject.String(),
			event.Endorser.String(),
			event.Delta,
			event.Reason,
			event.Trade.String(),
			event.Proof.Encode(),
			recordedAt.Format(time.RFC3339Nano),
		}},
	)
	if err != nil {
		return Rejected, fmt.Errorf("reputation: appending event %s: %w", event.ID, err)
	}

	l.accepted[event.ID] = struct{}{}
	l.scores[event.Subject] += event.Delta

	l.logger.Info("reputation event accepted",
		"event", event.ID, "subject", event.Subject.Short(),
		"delta", event.Delta, "reason", event.Reason)
	return Accepted, nil
}

// ScoreOf returns the current score for a soul: the sum of deltas of
// all accepted events naming it as subject. O(1) — served from the
// incrementally maintained cache. Unknown souls score zero.
func (l *Ledger) ScoreOf(soul ref.SoulID) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scores[soul]
}

// EventCount returns the number of accepted events in the log.
func (l *Ledger) EventCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.accepted)
}

// validate checks the structural fields of an event.
func (l *Ledger) validate(event Event) error {
	switch {
	case event.ID.IsZero():
		return fmt.Errorf("%w: missing event ID", ErrInvalidEvent)
	case event.Subject.IsZero():
		return fmt.Errorf("%w: missing subject", ErrInvalidEvent)
	case event.Endorser.IsZero():
		return fmt.Errorf("%w: missing endorser", ErrInvalidEvent)
	case event.Delta == 0:
		return fmt.Errorf("%w: zero delta", ErrInvalidEvent)
	case event.Reason == "":
		return fmt.Errorf("%w: missing reason", ErrInvalidEvent)
	case event.Reason == ReasonTradeSettled && event.Trade.IsZero():
		return fmt.Errorf("%w: settlement event without trade ID", ErrInvalidEvent)
	}
	return nil
}

// signingBytes reconstructs the payload the endorser must have
// signed. Settlement events reuse the acceptance proof the party
// supplied when accepting the trade, so the marketplace can emit them
// without holding anyone's private key.
func (l *Ledger) signingBytes(event Event) ([]byte, error) {
	if event.Reason == ReasonTradeSettled {
		return signature.AcceptanceSigningBytes(event.Trade, event.Endorser)
	}
	return signature.EventSigningBytes(signature.EventRecord{
		ID:       event.ID,
		Subject:  event.Subject,
		Endorser: event.Endorser,
		Delta:    event.Delta,
		Reason:   event.Reason,
	})
}

// loadAll folds the persisted log into the dedup set and score cache.
// Rows were verified at admission; reload trusts the local log.
func (l *Ledger) loadAll(conn *sqlite.Conn) error {
	return sqlitex.Execute(conn,
		`SELECT event_id, subject, delta FROM reputation_events`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				eventID, err := ref.ParseEventID(stmt.ColumnText(0))
				if err != nil {
					return fmt.Errorf("row has invalid event ID: %w", err)
				}
				subject, err := ref.ParseSoulID(stmt.ColumnText(1))
				if err != nil {
					return fmt.Errorf("event %s has invalid subject: %w", eventID, err)
				}
				l.accepted[eventID] = struct{}{}
				l.scores[subject] += stmt.ColumnInt64(2)
				return nil
			},
		},
	)
}
