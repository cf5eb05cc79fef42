// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject Fake() and drive time explicitly with
// Advance.
//
// Every component with TTL or deadline behavior (challenge expiry in
// soulauth, listing expiry and trade deadlines in market) takes a
// Clock instead of calling the time package directly, so that expiry
// tests are deterministic and instant.
package clock
