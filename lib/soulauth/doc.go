// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package soulauth runs the per-session challenge/response state
// machine that upgrades an anonymous connection to a verified soul.
//
// The exchange spans two inbound messages: Begin issues a random
// nonce for the claimed soul, and Respond verifies an Ed25519 proof
// over the challenge record. A challenge is a short-lived explicit
// state object keyed by session — at most one outstanding per
// session, consumed exactly once on success, discarded on failure,
// and expired by a clock-driven sweep rather than checks woven into
// unrelated code paths.
//
// Nothing here blocks while a challenge is outstanding; the
// authenticator is plain shared state under a mutex, driven by
// whichever session-handling goroutine delivers the next message.
package soulauth
