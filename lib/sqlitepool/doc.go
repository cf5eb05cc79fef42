// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a SQLite connection pool with the
// repository-standard pragmas (WAL journal, NORMAL synchronous, busy
// timeout). The identity registry, reputation ledger, and marketplace
// store all persist through a shared pool.
package sqlitepool
