// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package soulauth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/moltchat-foundation/moltchat/lib/clock"
	"github.com/moltchat-foundation/moltchat/lib/identity"
	"github.com/moltchat-foundation/moltchat/lib/ref"
	"github.com/moltchat-foundation/moltchat/lib/signature"
)

// Protocol-visible failure classes. The dispatcher maps each to its
// wire reply code; none of them is fatal to the session or process.
var (
	// ErrUnknownSoul: the claimed identity is not in the registry.
	ErrUnknownSoul = errors.New("soulauth: unknown soul")

	// ErrAuthFailed: the proof did not verify. The session remains
	// anonymous and the challenge is discarded.
	ErrAuthFailed = errors.New("soulauth: proof did not verify")

	// ErrChallengeExpired: the challenge expired, was already
	// consumed, or was never issued. The session must restart with
	// Begin.
	ErrChallengeExpired = errors.New("soulauth: challenge expired")
)

// nonceSize is the challenge nonce length in bytes.
const nonceSize = 32

// Challenge is a nonce issued to a session for a claimed soul.
// Challenges live only in memory and die with the session or the
// process; a restarted daemon requires re-authentication.
type Challenge struct {
	Soul      ref.SoulID
	Nonce     []byte
	ExpiresAt time.Time
}

// Result reports a successful authentication. Rebound is true when
// the session was already authenticated and this exchange replaced
// the binding (identity rotation) — the replacement is explicit, not
// silent.
type Result struct {
	Soul     ref.SoulID
	Rebound  bool
	Previous ref.SoulID
}

// Config holds the parameters for creating an Authenticator.
type Config struct {
	// Registry resolves claimed souls to verification keys. Required.
	Registry *identity.Registry

	// Clock drives challenge expiry. Required.
	Clock clock.Clock

	// ChallengeTTL is how long an issued challenge remains valid.
	// Defaults to 30 seconds.
	ChallengeTTL time.Duration

	// SweepInterval is how often the expiry sweep runs. Defaults to
	// ChallengeTTL.
	SweepInterval time.Duration

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Authenticator binds sessions to verified souls. Safe for concurrent
// use by arbitrarily many session-handling goroutines.
type Authenticator struct {
	registry      *identity.Registry
	clock         clock.Clock
	challengeTTL  time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	mu sync.Mutex
	// challenges holds the at-most-one outstanding challenge per
	// session. Issuing a new challenge replaces the prior entry.
	challenges map[string]Challenge
	// bound maps session ID to the authenticated soul.
	bound map[string]ref.SoulID
	// sessionCount tracks how many live sessions are bound to each
	// soul, for IsAuthenticated.
	sessionCount map[ref.SoulID]int
}

// New creates an Authenticator.
func New(cfg Config) (*Authenticator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("soulauth: Registry is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("soulauth: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ttl := cfg.ChallengeTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = ttl
	}
	return &Authenticator{
		registry:      cfg.Registry,
		clock:         cfg.Clock,
		challengeTTL:  ttl,
		sweepInterval: sweep,
		logger:        logger,
		challenges:    make(map[string]Challenge),
		bound:         make(map[string]ref.SoulID),
		sessionCount:  make(map[ref.SoulID]int),
	}, nil
}

// Begin issues a fresh challenge for the claimed soul. Fails with
// ErrUnknownSoul if the soul is not registered. Any prior outstanding
// challenge for the session is invalidated. Begin while already
// authenticated is permitted: a successful Respond then rotates the
// session's identity.
func (a *Authenticator) Begin(sessionID string, soul ref.SoulID) (Challenge, error) {
	if _, exists := a.registry.Lookup(soul); !exists {
		return Challenge{}, fmt.Errorf("%w: %s", ErrUnknownSoul, soul.Short())
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, fmt.Errorf("soulauth: generating nonce: %w", err)
	}

	challenge := Challenge{
		Soul:      soul,
		Nonce:     nonce,
		ExpiresAt: a.clock.Now().Add(a.challengeTTL),
	}

	a.mu.Lock()
	a.challenges[sessionID] = challenge
	a.mu.Unlock()

	a.logger.Debug("challenge issued", "session", sessionID, "soul", soul.Short())
	return challenge, nil
}

// Respond verifies the proof against the session's outstanding
// challenge and, on success, binds the soul to the session. The
// challenge is consumed on success and discarded on failure either
// way — a second Respond against the same challenge fails with
// ErrChallengeExpired.
func (a *Authenticator) Respond(sessionID string, soul ref.SoulID, proof signature.Signature) (Result, error) {
	a.mu.Lock()
	challenge, exists := a.challenges[sessionID]
	if exists {
		delete(a.challenges, sessionID)
	}
	a.mu.Unlock()

	if !exists {
		return Result{}, ErrChallengeExpired
	}
	if a.clock.Now().After(challenge.ExpiresAt) {
		return Result{}, ErrChallengeExpired
	}
	if soul != challenge.Soul {
		// Responding for a different soul than the challenge was
		// issued for is a proof failure, not a new Begin.
		return Result{}, fmt.Errorf("%w: challenge was issued for %s", ErrAuthFailed, challenge.Soul.Short())
	}

	registered, exists := a.registry.Lookup(soul)
	if !exists {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownSoul, soul.Short())
	}

	signingBytes, err := signature.ChallengeSigningBytes(challenge.Soul, challenge.Nonce)
	if err != nil {
		return Result{}, err
	}
	if !signature.Verify(registered.PublicKey, signingBytes, proof) {
		a.logger.Info("authentication failed", "session", sessionID, "soul", soul.Short())
		return Result{}, ErrAuthFailed
	}

	a.mu.Lock()
	previous, wasBound := a.bound[sessionID]
	if wasBound {
		a.decrementLocked(previous)
	}
	a.bound[sessionID] = soul
	a.sessionCount[soul]++
	a.mu.Unlock()

	result := Result{Soul: soul, Rebound: wasBound, Previous: previous}
	if wasBound {
		a.logger.Info("session rebound", "session", sessionID,
			"soul", soul.Short(), "previous", previous.Short())
	} else {
		a.logger.Info("session authenticated", "session", sessionID, "soul", soul.Short())
	}
	return result, nil
}

// Identity returns the soul bound to a session, if any.
func (a *Authenticator) Identity(sessionID string) (ref.SoulID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	soul, bound := a.bound[sessionID]
	return soul, bound
}

// IsAuthenticated reports whether any live session is currently bound
// to the soul. The reputation ledger consults this at event admission.
func (a *Authenticator) IsAuthenticated(soul ref.SoulID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionCount[soul] > 0
}

// Forget discards all authenticator state for a session: the
// outstanding challenge, if any, and the identity binding. Called on
// session disconnect.
func (a *Authenticator) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.challenges, sessionID)
	if soul, bound := a.bound[sessionID]; bound {
		delete(a.bound, sessionID)
		a.decrementLocked(soul)
	}
}

// Annotation returns the display prefix the transport attaches to the
// session's relayed messages: "[Soul:<id>] [Paradigm:<tag>]
// [Mode:<mode>]". Empty metadata segments are omitted. Returns the
// empty string for anonymous sessions. The annotation is display
// metadata only — it carries no trust.
func (a *Authenticator) Annotation(sessionID string) string {
	soul, bound := a.Identity(sessionID)
	if !bound {
		return ""
	}
	registered, exists := a.registry.Lookup(soul)
	if !exists {
		return ""
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("[Soul:%s]", soul))
	if registered.Paradigm != "" {
		parts = append(parts, fmt.Sprintf("[Paradigm:%s]", registered.Paradigm))
	}
	if registered.Mode != "" {
		parts = append(parts, fmt.Sprintf("[Mode:%s]", registered.Mode))
	}
	return strings.Join(parts, " ")
}

// Run drives the challenge expiry sweep until ctx is cancelled.
// Expiry is a timer-driven transition: the sweep removes challenges
// whose deadline has passed so they cannot be answered later.
func (a *Authenticator) Run(ctx context.Context) {
	ticker := a.clock.NewTicker(a.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

// sweep discards every expired challenge.
func (a *Authenticator) sweep() {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	for sessionID, challenge := range a.challenges {
		if now.After(challenge.ExpiresAt) {
			delete(a.challenges, sessionID)
			a.logger.Debug("challenge expired", "session", sessionID, "soul", challenge.Soul.Short())
		}
	}
}

// decrementLocked reduces a soul's live-session count, removing the
// entry at zero. Caller holds a.mu.
func (a *Authenticator) decrementLocked(soul ref.SoulID) {
	if count := a.sessionCount[soul]; count <= 1 {
		delete(a.sessionCount, soul)
	} else {
		a.sessionCount[soul] = count - 1
	}
}
