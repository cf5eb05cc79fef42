// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package reputation

import (
	"context"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/moltchat-foundation/moltchat/lib/clock"
	"github.com/moltchat-foundation/moltchat/lib/identity"
	"github.com/moltchat-foundation/moltchat/lib/ref"
	"github.com/moltchat-foundation/moltchat/lib/signature"
	"github.com/moltchat-foundation/moltchat/lib/sqlitepool"
)

// authorityMap is a test Authority: souls present with value true are
// considered authenticated.
type authorityMap map[ref.SoulID]bool

func (a authorityMap) IsAuthenticated(soul ref.SoulID) bool { return a[soul] }

type fixture struct {
	ledger    *Ledger
	registry  *identity.Registry
	authority authorityMap
	path      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		authority: make(authorityMap),
		path:      filepath.Join(t.TempDir(), "ledger.db"),
	}
	f.open(t)
	return f
}

// open (re)opens the pool, registry, and ledger against f.path,
// closing any prior pool. Used by restart tests.
func (f *fixture) open(t *testing.T) {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: f.path, PoolSize: 2})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	ctx := context.Background()
	fake := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	f.registry, err = identity.OpenRegistry(ctx, identity.RegistryConfig{Pool: pool, Clock: fake})
	if err != nil {
		t.Fatalf("opening registry: %v", err)
	}
	f.ledger, err = Open(ctx, Config{
		Pool:      pool,
		Registry:  f.registry,
		Authority: f.authority,
		Clock:     fake,
	})
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
}

// newSoul registers an authenticated soul and returns its ID and
// signing key.
func (f *fixture) newSoul(t *testing.T, name string) (ref.SoulID, ed25519.PrivateKey) {
	t.Helper()
	public, private, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	registered, err := f.registry.Register(context.Background(), public, name, "", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	f.authority[registered.SoulID] = true
	return registered.SoulID, private
}

// signEvent fills in the endorser's proof over the event record.
func signEvent(t *testing.T, private ed25519.PrivateKey, event Event) Event {
	t.Helper()
	payload, err := signature.EventSigningBytes(signature.EventRecord{
		ID:       event.ID,
		Subject:  event.Subject,
		Endorser: event.Endorser,
		Delta:    event.Delta,
		Reason:   event.Reason,
	})
	if err != nil {
		t.Fatalf("event signing bytes: %v", err)
	}
	event.Proof = signature.Sign(private, payload)
	return event
}

func TestSubmitAcceptsAndScores(t *testing.T) {
	f := newFixture(t)
	subject, _ := f.newSoul(t, "subject")
	endorser, private := f.newSoul(t, "endorser")

	event := signEvent(t, private, Event{
		ID:       ref.MustParseEventID("e-1"),
		Subject:  subject,
		Endorser: endorser,
		Delta:    5,
		Reason:   "helpful",
	})
	outcome, err := f.ledger.Submit(context.Background(), event)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome != Accepted {
		t.Fatalf("outcome = %v, want Accepted", outcome)
	}
	if got := f.ledger.ScoreOf(subject); got != 5 {
		t.Errorf("ScoreOf(subject) = %d, want 5", got)
	}
	if got := f.ledger.ScoreOf(endorser); got != 0 {
		t.Errorf("ScoreOf(endorser) = %d, want 0 (endorsing earns nothing)", got)
	}
}

func TestSubmitIsIdempotentUnderReplay(t *testing.T) {
	f := newFixture(t)
	subject, _ := f.newSoul(t, "subject")
	endorser, private := f.newSoul(t, "endorser")

	event := signEvent(t, private, Event{
		ID:       ref.MustParseEventID("replayed"),
		Subject:  subject,
		Endorser: endorser,
		Delta:    3,
		Reason:   "helpful",
	})

	ctx := context.Background()
	if outcome, err := f.ledger.Submit(ctx, event); err != nil || outcome != Accepted {
		t.Fatalf("first submit: %v, %v", outcome, err)
	}
	for i := 0; i < 3; i++ {
		outcome, err := f.ledger.Submit(ctx, event)
		if err != nil {
			t.Fatalf("replay submit: %v", err)
		}
		if outcome != Duplicate {
			t.Fatalf("replay outcome = %v, want Duplicate", outcome)
		}
	}

	// The delta applied exactly once.
	if got := f.ledger.ScoreOf(subject); got != 3 {
		t.Errorf("ScoreOf = %d after replays, want 3", got)
	}
	if f.ledger.EventCount() != 1 {
		t.Errorf("EventCount = %d, want 1", f.ledger.EventCount())
	}
}

func TestSubmitRejectsBadProof(t *testing.T) {
	f := newFixture(t)
	subject, _ := f.newSoul(t, "subject")
	endorser, _ := f.newSoul(t, "endorser")
	_, otherPrivate := f.newSoul(t, "impostor")

	// Signed by a key that is not the endorser's.
	event := signEvent(t, otherPrivate, Event{
		ID:       ref.MustParseEventID("forged"),
		Subject:  subject,
		Endorser: endorser,
		Delta:    100,
		Reason:   "helpful",
	})
	outcome, err := f.ledger.Submit(context.Background(), event)
	if outcome != Rejected || !errors.Is(err, ErrBadProof) {
		t.Fatalf("submit = %v, %v; want Rejected with ErrBadProof", outcome, err)
	}
	if got := f.ledger.ScoreOf(subject); got != 0 {
		t.Errorf("forged event moved the score to %d", got)
	}
}

func TestSubmitRejectsTamperedFields(t *testing.T) {
	f := newFixture(t)
	subject, _ := f.newSoul(t, "subject")
	endorser, private := f.newSoul(t, "endorser")

	event := signEvent(t, private, Event{
		ID:       ref.MustParseEventID("tampered"),
		Subject:  subject,
		Endorser: endorser,
		Delta:    1,
		Reason:   "helpful",
	})
	// Inflate the delta after signing.
	event.Delta = 1000

	if outcome, err := f.ledger.Submit(context.Background(), event); outcome != Rejected || !errors.Is(err, ErrBadProof) {
		t.Fatalf("submit = %v, %v; want Rejected with ErrBadProof", outcome, err)
	}
}

func TestSubmitRequiresAuthenticatedEndorser(t *testing.T) {
	f := newFixture(t)
	subject, _ := f.newSoul(t, "subject")
	endorser, private := f.newSoul(t, "endorser")
	f.authority[endorser] = false

	event := signEvent(t, private, Event{
		ID:       ref.MustParseEventID("offline"),
		Subject:  subject,
		Endorser: endorser,
		Delta:    1,
		Reason:   "helpful",
	})
	outcome, err := f.ledger.Submit(context.Background(), event)
	if outcome != Rejected || !errors.Is(err, ErrEndorserNotAuthenticated) {
		t.Fatalf("submit = %v, %v; want Rejected with ErrEndorserNotAuthenticated", outcome, err)
	}
}

func TestSubmitRejectsInvalidEvents(t *testing.T) {
	f := newFixture(t)
	subject, _ := f.newSoul(t, "subject")
	endorser, private := f.newSoul(t, "endorser")

	base := Event{
		ID:       ref.MustParseEventID("base"),
		Subject:  subject,
		Endorser: endorser,
		Delta:    1,
		Reason:   "helpful",
	}
	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing id", func(e *Event) { e.ID = ref.EventID{} }},
		{"missing subject", func(e *Event) { e.Subject = ref.SoulID{} }},
		{"missing endorser", func(e *Event) { e.Endorser = ref.SoulID{} }},
		{"zero delta", func(e *Event) { e.Delta = 0 }},
		{"missing reason", func(e *Event) { e.Reason = "" }},
		{"settlement without trade", func(e *Event) { e.Reason = ReasonTradeSettled }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event := base
			tc.mutate(&event)
			event = signEvent(t, private, event)
			outcome, err := f.ledger.Submit(context.Background(), event)
			if outcome != Rejected || !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("submit = %v, %v; want Rejected with ErrInvalidEvent", outcome, err)
			}
		})
	}
}

func TestSettlementEventsVerifyAgainstAcceptanceProof(t *testing.T) {
	f := newFixture(t)
	provider, providerKey := f.newSoul(t, "provider")
	seeker, seekerKey := f.newSoul(t, "seeker")
	trade := ref.MustParseTradeID("11111111-2222-3333-4444-555555555555")

	// The proof each party supplied with SERVICE ACCEPT covers the
	// acceptance record, not the event record.
	acceptance := func(t *testing.T, key ed25519.PrivateKey, soul ref.SoulID) signature.Signature {
		payload, err := signature.AcceptanceSigningBytes(trade, soul)
		if err != nil {
			t.Fatalf("acceptance bytes: %v", err)
		}
		return signature.Sign(key, payload)
	}

	ctx := context.Background()
	events := []Event{
		{
			ID:       ref.MustParseEventID(trade.String() + ":provider"),
			Subject:  provider,
			Endorser: seeker,
			Delta:    1,
			Reason:   ReasonTradeSettled,
			Trade:    trade,
			Proof:    acceptance(t, seekerKey, seeker),
		},
		{
			ID:       ref.MustParseEventID(trade.String() + ":seeker"),
			Subject:  seeker,
			Endorser: provider,
			Delta:    1,
			Reason:   ReasonTradeSettled,
			Trade:    trade,
			Proof:    acceptance(t, providerKey, provider),
		},
	}
	for _, event := range events {
		if outcome, err := f.ledger.Submit(ctx, event); err != nil || outcome != Accepted {
			t.Fatalf("settlement submit: %v, %v", outcome, err)
		}
	}
	if f.ledger.ScoreOf(provider) != 1 || f.ledger.ScoreOf(seeker) != 1 {
		t.Errorf("scores after settlement: provider=%d seeker=%d, want 1/1",
			f.ledger.ScoreOf(provider), f.ledger.ScoreOf(seeker))
	}

	// An event-record signature must not pass as a settlement proof.
	forged := signEvent(t, seekerKey, Event{
		ID:       ref.MustParseEventID("forged-settlement"),
		Subject:  provider,
		Endorser: seeker,
		Delta:    1,
		Reason:   ReasonTradeSettled,
	})
	forged.Trade = trade
	if outcome, err := f.ledger.Submit(ctx, forged); outcome != Rejected || !errors.Is(err, ErrBadProof) {
		t.Errorf("forged settlement = %v, %v; want Rejected with ErrBadProof", outcome, err)
	}
}

func TestLedgerSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	subject, _ := f.newSoul(t, "subject")
	endorser, private := f.newSoul(t, "endorser")

	ctx := context.Background()
	for i, delta := range []int64{5, -2, 10} {
		event := signEvent(t, private, Event{
			ID:       ref.MustParseEventID("restart-" + string(rune('a'+i))),
			Subject:  subject,
			Endorser: endorser,
			Delta:    delta,
			Reason:   "helpful",
		})
		if outcome, err := f.ledger.Submit(ctx, event); err != nil || outcome != Accepted {
			t.Fatalf("submit %d: %v, %v", i, outcome, err)
		}
	}
	want := f.ledger.ScoreOf(subject)

	f.open(t)
	if got := f.ledger.ScoreOf(subject); got != want {
		t.Errorf("ScoreOf after restart = %d, want %d", got, want)
	}

	// Dedup state survives too: replaying an old ID stays a no-op.
	replay := signEvent(t, private, Event{
		ID:       ref.MustParseEventID("restart-a"),
		Subject:  subject,
		Endorser: endorser,
		Delta:    5,
		Reason:   "helpful",
	})
	if outcome, err := f.ledger.Submit(ctx, replay); err != nil || outcome != Duplicate {
		t.Fatalf("replay after restart = %v, %v; want Duplicate", outcome, err)
	}
	if got := f.ledger.ScoreOf(subject); got != want {
		t.Errorf("replay after restart moved the score to %d", got)
	}
}

func TestScoreOfUnknownSoulIsZero(t *testing.T) {
	f := newFixture(t)
	unknown := ref.MustParseSoulID(
		"9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08")
	if got := f.ledger.ScoreOf(unknown); got != 0 {
		t.Errorf("ScoreOf(unknown) = %d, want 0", got)
	}
}
