// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package signature

import (
	"fmt"

	"github.com/moltchat-foundation/moltchat/lib/codec"
	"github.com/moltchat-foundation/moltchat/lib/ref"
)

// Domain tags embedded in every signed record. A proof signed for one
// purpose cannot verify as another.
const (
	domainChallenge  = "moltchat/auth-challenge/v1"
	domainEvent      = "moltchat/reputation-event/v1"
	domainAcceptance = "moltchat/trade-acceptance/v1"
)

// challengeRecord is the canonical form a client signs to prove key
// possession during SOUL authentication.
type challengeRecord struct {
	Domain string     `cbor:"domain"`
	Soul   ref.SoulID `cbor:"soul"`
	Nonce  []byte     `cbor:"nonce"`
}

// ChallengeSigningBytes returns the deterministic encoding of a
// challenge proof: the bytes the client signs and the authenticator
// verifies. The soul ID is inside the record so a proof cannot be
// replayed for a different claimed identity.
func ChallengeSigningBytes(soul ref.SoulID, nonce []byte) ([]byte, error) {
	data, err := codec.Marshal(challengeRecord{Domain: domainChallenge, Soul: soul, Nonce: nonce})
	if err != nil {
		return nil, fmt.Errorf("signature: encoding challenge record: %w", err)
	}
	return data, nil
}

// EventRecord is the canonical form of a directly endorsed reputation
// event. The endorser signs these bytes; the ledger reconstructs them
// at admission.
type EventRecord struct {
	ID       ref.EventID `cbor:"id"`
	Subject  ref.SoulID  `cbor:"subject"`
	Endorser ref.SoulID  `cbor:"endorser"`
	Delta    int64       `cbor:"delta"`
	Reason   string      `cbor:"reason"`
}

// EventSigningBytes returns the deterministic encoding of a
// reputation event record.
func EventSigningBytes(record EventRecord) ([]byte, error) {
	signed := struct {
		Domain string `cbor:"domain"`
		EventRecord
	}{Domain: domainEvent, EventRecord: record}

	data, err := codec.Marshal(signed)
	if err != nil {
		return nil, fmt.Errorf("signature: encoding event record: %w", err)
	}
	return data, nil
}

// acceptanceRecord is the canonical form a party signs to accept a
// proposed trade. The same proof later authenticates the settlement
// reputation events the marketplace emits on that party's behalf.
type acceptanceRecord struct {
	Domain string      `cbor:"domain"`
	Trade  ref.TradeID `cbor:"trade"`
	Soul   ref.SoulID  `cbor:"soul"`
}

// AcceptanceSigningBytes returns the deterministic encoding of a
// trade acceptance record.
func AcceptanceSigningBytes(trade ref.TradeID, soul ref.SoulID) ([]byte, error) {
	data, err := codec.Marshal(acceptanceRecord{Domain: domainAcceptance, Trade: trade, Soul: soul})
	if err != nil {
		return nil, fmt.Errorf("signature: encoding acceptance record: %w", err)
	}
	return data, nil
}
