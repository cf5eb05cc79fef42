// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/moltchat-foundation/moltchat/lib/clock"
	"github.com/moltchat-foundation/moltchat/lib/ref"
	"github.com/moltchat-foundation/moltchat/lib/sqlitepool"
)

const registrySchema = `
CREATE TABLE IF NOT EXISTS souls (
	soul_id    TEXT PRIMARY KEY,
	public_key TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	paradigm   TEXT NOT NULL DEFAULT '',
	mode       TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
`

// RegistryConfig holds the parameters for opening a registry.
type RegistryConfig struct {
	// Pool is the SQLite connection pool the registry persists
	// through. Required.
	Pool *sqlitepool.Pool

	// Clock provides registration timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Registry is the durable store of known souls. All reads are served
// from an in-memory cache loaded at open; Register writes through to
// SQLite before updating the cache.
//
// Registry is safe for concurrent use.
type Registry struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.RWMutex
	souls map[ref.SoulID]Identity
}

// OpenRegistry creates the souls table if needed and loads every
// registered identity into memory.
func OpenRegistry(ctx context.Context, cfg RegistryConfig) (*Registry, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("identity: Pool is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("identity: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	registry := &Registry{
		pool:   cfg.Pool,
		clock:  cfg.Clock,
		logger: logger,
		souls:  make(map[ref.SoulID]Identity),
	}

	conn, err := cfg.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	defer cfg.Pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, registrySchema, nil); err != nil {
		return nil, fmt.Errorf("identity: creating schema: %w", err)
	}
	if err := registry.loadAll(conn); err != nil {
		return nil, fmt.Errorf("identity: loading souls: %w", err)
	}

	logger.Info("identity registry opened", "souls", len(registry.souls))
	return registry, nil
}

// Register derives the soul ID from publicKey and inserts the
// identity. Registration is idempotent for the same key: if the soul
// already exists the stored identity is returned unchanged — metadata
// supplied on a re-register does NOT overwrite the original, since
// identities are immutable once registered.
func (r *Registry) Register(ctx context.Context, publicKey ed25519.PublicKey, name, paradigm, mode string) (Identity, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return Identity{}, fmt.Errorf("identity: public key has %d bytes, want %d", len(publicKey), ed25519.PublicKeySize)
	}

	soulID := DeriveSoulID(publicKey)

	r.mu.RLock()
	existing, exists := r.souls[soulID]
	r.mu.RUnlock()
	if exists {
		return existing, nil
	}

	registered := Identity{
		SoulID:    soulID,
		PublicKey: append(ed25519.PublicKey(nil), publicKey...),
		Name:      name,
		Paradigm:  paradigm,
		Mode:      mode,
		CreatedAt: r.clock.Now().UTC(),
	}

	conn, err := r.pool.Take(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: %w", err)
	}
	defer r.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO souls (soul_id, public_key, name, paradigm, mode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			soulID.String(),
			hex.EncodeToString(registered.PublicKey),
			registered.Name,
			registered.Paradigm,
			registered.Mode,
			registered.CreatedAt.Format(time.RFC3339Nano),
		}},
	)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: inserting soul %s: %w", soulID.Short(), err)
	}

	r.mu.Lock()
	// Re-check under the write lock: a concurrent Register for the
	// same key may have won the race. The stored identity wins.
	if existing, exists := r.souls[soulID]; exists {
		r.mu.Unlock()
		return existing, nil
	}
	r.souls[soulID] = registered
	r.mu.Unlock()

	r.logger.Info("soul registered", "soul", soulID.Short(), "name", name)
	return registered, nil
}

// Lookup returns the identity for a soul ID. The second return value
// is false if the soul is not registered.
func (r *Registry) Lookup(soulID ref.SoulID) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, exists := r.souls[soulID]
	return id, exists
}

// List returns all registered identities, sorted by soul ID for
// stable output.
func (r *Registry) List() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Identity, 0, len(r.souls))
	for _, id := range r.souls {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SoulID.String() < result[j].SoulID.String()
	})
	return result
}

// Len returns the number of registered souls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.souls)
}

// loadAll populates the cache from the souls table.
func (r *Registry) loadAll(conn *sqlite.Conn) error {
	return sqlitex.Execute(conn,
		`SELECT soul_id, public_key, name, paradigm, mode, created_at FROM souls`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				soulID, err := ref.ParseSoulID(stmt.ColumnText(0))
				if err != nil {
					return fmt.Errorf("row has invalid soul ID: %w", err)
				}
				keyBytes, err := hex.DecodeString(stmt.ColumnText(1))
				if err != nil {
					return fmt.Errorf("soul %s has invalid public key hex: %w", soulID.Short(), err)
				}
				if len(keyBytes) != ed25519.PublicKeySize {
					return fmt.Errorf("soul %s has %d-byte public key, want %d", soulID.Short(), len(keyBytes), ed25519.PublicKeySize)
				}
				createdAt, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(5))
				if err != nil {
					return fmt.Errorf("soul %s has invalid created_at: %w", soulID.Short(), err)
				}
				r.souls[soulID] = Identity{
					SoulID:    soulID,
					PublicKey: ed25519.PublicKey(keyBytes),
					Name:      stmt.ColumnText(2),
					Paradigm:  stmt.ColumnText(3),
					Mode:      stmt.ColumnText(4),
					CreatedAt: createdAt,
				}
				return nil
			},
		},
	)
}
