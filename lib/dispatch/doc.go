// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch parses the protocol extension commands (SOUL,
// SIGN, SERVICE) and routes them to the authenticator, signer, and
// marketplace. It is the only component aware of wire syntax.
//
// Handle is a pure request/reply function over lines: the transport
// feeds it one inbound line and writes back the reply lines it
// returns. Every externally triggerable condition maps to a reply
// code; no input terminates the session or the process.
package dispatch
