// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/moltchat-foundation/moltchat/lib/ref"
	"github.com/moltchat-foundation/moltchat/lib/signature"
)

// Keystore holds the signing keys of locally hosted souls, laid out
// as <root>/<soul_id>/soul-signing-key. The daemon's SIGN command
// signs through it for souls whose keys it hosts; souls connecting
// from elsewhere keep their keys to themselves and the keystore
// simply has no entry for them.
//
// Keys are loaded lazily and cached. Keystore is safe for concurrent
// use.
type Keystore struct {
	root string

	mu   sync.Mutex
	keys map[ref.SoulID]ed25519.PrivateKey
}

// OpenKeystore opens (creating if needed) the keystore root.
func OpenKeystore(root string) (*Keystore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("identity: creating keystore root: %w", err)
	}
	return &Keystore{
		root: root,
		keys: make(map[ref.SoulID]ed25519.PrivateKey),
	}, nil
}

// Put stores a keypair under the soul ID derived from its public key
// and returns that ID.
func (k *Keystore) Put(public ed25519.PublicKey, private ed25519.PrivateKey) (ref.SoulID, error) {
	soul := DeriveSoulID(public)
	dir := filepath.Join(k.root, soul.String())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return ref.SoulID{}, fmt.Errorf("identity: creating key directory: %w", err)
	}
	if err := SaveKeypair(dir, public, private); err != nil {
		return ref.SoulID{}, fmt.Errorf("identity: %w", err)
	}

	k.mu.Lock()
	k.keys[soul] = private
	k.mu.Unlock()
	return soul, nil
}

// Sign signs payload with the soul's hosted key. Returns an error if
// the keystore does not hold a key for the soul.
func (k *Keystore) Sign(soul ref.SoulID, payload []byte) (signature.Signature, error) {
	private, err := k.load(soul)
	if err != nil {
		return nil, err
	}
	return signature.Sign(private, payload), nil
}

// Holds reports whether the keystore has a key for the soul.
func (k *Keystore) Holds(soul ref.SoulID) bool {
	_, err := k.load(soul)
	return err == nil
}

// load returns the soul's private key, reading it from disk on first
// use.
func (k *Keystore) load(soul ref.SoulID) (ed25519.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if private, cached := k.keys[soul]; cached {
		return private, nil
	}

	public, private, err := LoadKeypair(filepath.Join(k.root, soul.String()))
	if err != nil {
		return nil, fmt.Errorf("identity: no hosted key for soul %s: %w", soul.Short(), err)
	}
	// The directory name must match the key it holds.
	if DeriveSoulID(public) != soul {
		return nil, fmt.Errorf("identity: keystore entry %s holds a key for a different soul", soul.Short())
	}
	k.keys[soul] = private
	return private, nil
}
