// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moltchat-foundation/moltchat/lib/clock"
	"github.com/moltchat-foundation/moltchat/lib/identity"
	"github.com/moltchat-foundation/moltchat/lib/market"
	"github.com/moltchat-foundation/moltchat/lib/ref"
	"github.com/moltchat-foundation/moltchat/lib/reputation"
	"github.com/moltchat-foundation/moltchat/lib/signature"
	"github.com/moltchat-foundation/moltchat/lib/soulauth"
	"github.com/moltchat-foundation/moltchat/lib/sqlitepool"
)

type fixture struct {
	dispatcher *Dispatcher
	registry   *identity.Registry
	keystore   *identity.Keystore
	clock      *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(dir, "moltchat.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	ctx := context.Background()
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	registry, err := identity.OpenRegistry(ctx, identity.RegistryConfig{Pool: pool, Clock: fake})
	if err != nil {
		t.Fatalf("opening registry: %v", err)
	}
	auth, err := soulauth.New(soulauth.Config{
		Registry:     registry,
		Clock:        fake,
		ChallengeTTL: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("creating authenticator: %v", err)
	}
	ledger, err := reputation.Open(ctx, reputation.Config{
		Pool:      pool,
		Registry:  registry,
		Authority: auth,
		Clock:     fake,
	})
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	mkt, err := market.Open(ctx, market.Config{
		Pool:     pool,
		Registry: registry,
		Ledger:   ledger,
		Clock:    fake,
	})
	if err != nil {
		t.Fatalf("opening marketplace: %v", err)
	}
	keystore, err := identity.OpenKeystore(filepath.Join(dir, "keys"))
	if err != nil {
		t.Fatalf("opening keystore: %v", err)
	}
	dispatcher, err := New(Config{Auth: auth, Market: mkt, Signer: keystore})
	if err != nil {
		t.Fatalf("creating dispatcher: %v", err)
	}
	return &fixture{
		dispatcher: dispatcher,
		registry:   registry,
		keystore:   keystore,
		clock:      fake,
	}
}

// newSoul registers a soul, stores its key in the daemon keystore,
// and returns the ID plus signing key.
func (f *fixture) newSoul(t *testing.T, name string) (ref.SoulID, ed25519.PrivateKey) {
	t.Helper()
	public, private, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	registered, err := f.registry.Register(context.Background(), public, name, "stoic", "REAL")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.keystore.Put(public, private); err != nil {
		t.Fatalf("keystore put: %v", err)
	}
	return registered.SoulID, private
}

// handle runs one line through the dispatcher.
func (f *fixture) handle(t *testing.T, session, line string) []string {
	t.Helper()
	return f.dispatcher.Handle(context.Background(), session, line)
}

// authenticate drives the full SOUL exchange for a session.
func (f *fixture) authenticate(t *testing.T, session string, soul ref.SoulID, private ed25519.PrivateKey) {
	t.Helper()
	replies := f.handle(t, session, "SOUL "+soul.String())
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "CHALLENGE ") {
		t.Fatalf("SOUL begin replied %v", replies)
	}
	nonce, err := hex.DecodeString(strings.TrimPrefix(replies[0], "CHALLENGE "))
	if err != nil {
		t.Fatalf("challenge nonce is not hex: %v", err)
	}
	payload, err := signature.ChallengeSigningBytes(soul, nonce)
	if err != nil {
		t.Fatalf("challenge bytes: %v", err)
	}
	proof := signature.Sign(private, payload)

	replies = f.handle(t, session, "SOUL "+soul.String()+" "+proof.Encode())
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "AUTH_OK ") {
		t.Fatalf("SOUL respond replied %v", replies)
	}
}

// acceptProof signs the trade acceptance record.
func acceptProof(t *testing.T, private ed25519.PrivateKey, trade ref.TradeID, soul ref.SoulID) string {
	t.Helper()
	payload, err := signature.AcceptanceSigningBytes(trade, soul)
	if err != nil {
		t.Fatalf("acceptance bytes: %v", err)
	}
	return signature.Sign(private, payload).Encode()
}

func TestSoulExchange(t *testing.T) {
	f := newFixture(t)
	soul, private := f.newSoul(t, "agent")
	f.authenticate(t, "sess-1", soul, private)

	if got := f.dispatcher.Annotation("sess-1"); !strings.Contains(got, soul.String()) {
		t.Errorf("annotation %q does not carry the soul ID", got)
	}
}

func TestSoulExchangeFailures(t *testing.T) {
	f := newFixture(t)
	soul, _ := f.newSoul(t, "agent")
	_, wrongKey := f.newSoul(t, "other")

	unknown := strings.Repeat("ab", 32)
	if replies := f.handle(t, "s", "SOUL "+unknown); replies[0] != "ERR_UNKNOWN_SOUL" {
		t.Errorf("unknown soul replied %v", replies)
	}

	// Wrong key on the response leaves the session anonymous.
	replies := f.handle(t, "s", "SOUL "+soul.String())
	nonce, _ := hex.DecodeString(strings.TrimPrefix(replies[0], "CHALLENGE "))
	payload, _ := signature.ChallengeSigningBytes(soul, nonce)
	badProof := signature.Sign(wrongKey, payload)
	if replies := f.handle(t, "s", "SOUL "+soul.String()+" "+badProof.Encode()); replies[0] != "ERR_AUTH_FAILED" {
		t.Errorf("bad proof replied %v", replies)
	}
	if replies := f.handle(t, "s", "SIGN hello"); replies[0] != "ERR_NOT_AUTHENTICATED" {
		t.Errorf("session usable after failed auth: %v", replies)
	}

	// Responding with no outstanding challenge.
	proof := signature.Sign(wrongKey, []byte("x"))
	if replies := f.handle(t, "fresh", "SOUL "+soul.String()+" "+proof.Encode()); replies[0] != "ERR_CHALLENGE_EXPIRED" {
		t.Errorf("respond without challenge replied %v", replies)
	}
}

func TestChallengeExpiryOnWire(t *testing.T) {
	f := newFixture(t)
	soul, private := f.newSoul(t, "agent")

	replies := f.handle(t, "s", "SOUL "+soul.String())
	nonce, _ := hex.DecodeString(strings.TrimPrefix(replies[0], "CHALLENGE "))
	payload, _ := signature.ChallengeSigningBytes(soul, nonce)
	proof := signature.Sign(private, payload)

	f.clock.Advance(31 * time.Second)
	if replies := f.handle(t, "s", "SOUL "+soul.String()+" "+proof.Encode()); replies[0] != "ERR_CHALLENGE_EXPIRED" {
		t.Errorf("expired challenge replied %v", replies)
	}
}

func TestUnauthenticatedCommandsAreGated(t *testing.T) {
	f := newFixture(t)
	for _, line := range []string{
		"SIGN hello",
		"SERVICE LIST",
		"SERVICE OFFER code-review 50",
		"SERVICE ACCEPT 11111111-2222-3333-4444-555555555555 abcd",
	} {
		replies := f.handle(t, "anon", line)
		if len(replies) != 1 || replies[0] != "ERR_NOT_AUTHENTICATED" {
			t.Errorf("Handle(%q) = %v, want ERR_NOT_AUTHENTICATED", line, replies)
		}
	}
}

func TestSyntaxErrors(t *testing.T) {
	f := newFixture(t)
	soul, private := f.newSoul(t, "agent")
	f.authenticate(t, "s", soul, private)

	for _, line := range []string{
		"BOGUS",
		"SOUL",
		"SOUL a b c",
		"SOUL not-a-soul-id",
		"SIGN",
		"SERVICE",
		"SERVICE NOPE",
		"SERVICE OFFER code-review",
		"SERVICE OFFER code-review notanumber",
		"SERVICE OFFER Bad-Category 10",
		"SERVICE CANCEL",
		"SERVICE ACCEPT onlyone",
	} {
		replies := f.handle(t, "s", line)
		if len(replies) != 1 || replies[0] != "ERR_SYNTAX" {
			t.Errorf("Handle(%q) = %v, want ERR_SYNTAX", line, replies)
		}
	}

	if replies := f.handle(t, "s", "   "); replies != nil {
		t.Errorf("blank line replied %v", replies)
	}
}

func TestSignCommand(t *testing.T) {
	f := newFixture(t)
	soul, private := f.newSoul(t, "agent")
	f.authenticate(t, "s", soul, private)

	// Payload keeps its internal spaces.
	payload := "hello molt world"
	replies := f.handle(t, "s", "SIGN "+payload)
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "SIG ") {
		t.Fatalf("SIGN replied %v", replies)
	}
	sig, err := signature.ParseSignature(strings.TrimPrefix(replies[0], "SIG "))
	if err != nil {
		t.Fatalf("reply signature: %v", err)
	}
	registered, _ := f.registry.Lookup(soul)
	if !signature.Verify(registered.PublicKey, []byte(payload), sig) {
		t.Error("SIGN output does not verify against the soul's key")
	}
}

func TestSignFailsForUnhostedKey(t *testing.T) {
	f := newFixture(t)

	// Registered but the daemon does not hold the key.
	public, private, _ := identity.GenerateKeypair()
	registered, err := f.registry.Register(context.Background(), public, "remote", "", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	f.authenticate(t, "s", registered.SoulID, private)

	if replies := f.handle(t, "s", "SIGN hello"); replies[0] != "ERR_SIGN_FAILED" {
		t.Errorf("SIGN without hosted key replied %v", replies)
	}
}

func TestServiceMarketFlow(t *testing.T) {
	f := newFixture(t)
	seeker, seekerKey := f.newSoul(t, "seeker")
	provider, providerKey := f.newSoul(t, "provider")
	f.authenticate(t, "seeker-sess", seeker, seekerKey)
	f.authenticate(t, "provider-sess", provider, providerKey)

	replies := f.handle(t, "seeker-sess", "SERVICE REQUEST code-review 100")
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "LISTING ") {
		t.Fatalf("REQUEST replied %v", replies)
	}

	// LIST shows the resting request.
	replies = f.handle(t, "provider-sess", "SERVICE LIST")
	if len(replies) != 2 || !strings.Contains(replies[0], "request code-review 100") || replies[1] != "END" {
		t.Fatalf("LIST replied %v", replies)
	}

	// A compatible offer matches synchronously.
	replies = f.handle(t, "provider-sess", "SERVICE OFFER code-review 80")
	if len(replies) != 2 || !strings.HasPrefix(replies[1], "TRADE ") {
		t.Fatalf("OFFER replied %v", replies)
	}
	tradeID := ref.MustParseTradeID(strings.Fields(replies[1])[1])

	// The seeker discovers the trade by polling.
	replies = f.handle(t, "seeker-sess", "SERVICE TRADES")
	if len(replies) != 2 || !strings.Contains(replies[0], tradeID.String()) || !strings.Contains(replies[0], "PROPOSED") {
		t.Fatalf("TRADES replied %v", replies)
	}

	// Handshake: first acceptance acknowledges, second settles.
	replies = f.handle(t, "seeker-sess",
		"SERVICE ACCEPT "+tradeID.String()+" "+acceptProof(t, seekerKey, tradeID, seeker))
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "ACCEPT_OK") {
		t.Fatalf("seeker ACCEPT replied %v", replies)
	}
	replies = f.handle(t, "provider-sess",
		"SERVICE ACCEPT "+tradeID.String()+" "+acceptProof(t, providerKey, tradeID, provider))
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "TRADE_SETTLED") {
		t.Fatalf("provider ACCEPT replied %v", replies)
	}

	// Nothing rests on the book afterwards.
	if replies = f.handle(t, "seeker-sess", "SERVICE LIST"); len(replies) != 1 || replies[0] != "END" {
		t.Errorf("LIST after settlement replied %v", replies)
	}
}

func TestServiceErrors(t *testing.T) {
	f := newFixture(t)
	soul, private := f.newSoul(t, "agent")
	f.authenticate(t, "s", soul, private)

	if replies := f.handle(t, "s", "SERVICE OFFER code-review 0"); replies[0] != "ERR_INVALID_PRICE" {
		t.Errorf("zero price replied %v", replies)
	}
	if replies := f.handle(t, "s", "SERVICE CANCEL no-such-listing"); replies[0] != "ERR_NOT_OPEN" {
		t.Errorf("cancel unknown replied %v", replies)
	}

	ghost := "11111111-2222-3333-4444-555555555555"
	proof := acceptProof(t, private, ref.MustParseTradeID(ghost), soul)
	if replies := f.handle(t, "s", "SERVICE ACCEPT "+ghost+" "+proof); replies[0] != "ERR_UNKNOWN_TRADE" {
		t.Errorf("accept unknown trade replied %v", replies)
	}
}

func TestCancelCommand(t *testing.T) {
	f := newFixture(t)
	soul, private := f.newSoul(t, "agent")
	f.authenticate(t, "s", soul, private)

	replies := f.handle(t, "s", "SERVICE OFFER code-review 50")
	listingID := strings.TrimPrefix(replies[0], "LISTING ")

	if replies := f.handle(t, "s", "SERVICE CANCEL "+listingID); replies[0] != "CANCEL_OK" {
		t.Fatalf("cancel replied %v", replies)
	}
	if replies := f.handle(t, "s", "SERVICE CANCEL "+listingID); replies[0] != "ERR_NOT_OPEN" {
		t.Errorf("double cancel replied %v", replies)
	}
}

func TestDisconnectCancelsListingsAndBinding(t *testing.T) {
	f := newFixture(t)
	soul, private := f.newSoul(t, "leaver")
	observer, observerKey := f.newSoul(t, "observer")
	f.authenticate(t, "leaver-sess", soul, private)
	f.authenticate(t, "observer-sess", observer, observerKey)

	f.handle(t, "leaver-sess", "SERVICE OFFER code-review 50")
	f.handle(t, "leaver-sess", "SERVICE OFFER translation 60")

	f.dispatcher.Disconnect(context.Background(), "leaver-sess")

	// No listing persists as OPEN for the dead session.
	replies := f.handle(t, "observer-sess", "SERVICE LIST")
	if len(replies) != 1 || replies[0] != "END" {
		t.Errorf("LIST after disconnect replied %v", replies)
	}
	// The session itself is anonymous again.
	if replies := f.handle(t, "leaver-sess", "SIGN hello"); replies[0] != "ERR_NOT_AUTHENTICATED" {
		t.Errorf("disconnected session still authenticated: %v", replies)
	}
}

func TestReauthenticationRebindsExplicitly(t *testing.T) {
	f := newFixture(t)
	soulA, keyA := f.newSoul(t, "first")
	soulB, keyB := f.newSoul(t, "second")
	f.authenticate(t, "s", soulA, keyA)

	replies := f.handle(t, "s", "SOUL "+soulB.String())
	nonce, _ := hex.DecodeString(strings.TrimPrefix(replies[0], "CHALLENGE "))
	payload, _ := signature.ChallengeSigningBytes(soulB, nonce)
	proof := signature.Sign(keyB, payload)

	replies = f.handle(t, "s", "SOUL "+soulB.String()+" "+proof.Encode())
	want := "AUTH_OK " + soulB.String() + " REBOUND " + soulA.String()
	if len(replies) != 1 || replies[0] != want {
		t.Errorf("rotation replied %v, want %q", replies, want)
	}
}
