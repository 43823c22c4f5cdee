// Copyright 2025 Certen Protocol
//
// Package wire defines the on-disk and on-the-wire byte encodings shared
// between the gateway, the settlement circuit, and the chain contract.
package wire

import (
	"encoding/binary"
	"fmt"
)

// PublicKeySize is the length in bytes of an Ed25519 verifying key, used
// throughout this package as the client identity.
const PublicKeySize = 32

// SignatureSize is the length in bytes of a detached Ed25519 signature.
const SignatureSize = 64

// ClaimSize is the packed byte length of a Claim: pk(32) || start_seq(4) ||
// rounds(4) || tokens_consumed(8).
const ClaimSize = PublicKeySize + 4 + 4 + 8

// PublicKey identifies a client by its Ed25519 verifying key.
type PublicKey [PublicKeySize]byte

// Claim is one settlement proof's statement about a single client: it
// consumed `Rounds` rounds of service starting at `StartSeq`, totalling
// `TokensConsumed` tokens.
type Claim struct {
	PK             PublicKey
	StartSeq       uint32
	Rounds         uint32
	TokensConsumed uint64
}

// MarshalBinary packs the claim into its fixed 48-byte big-endian layout.
func (c Claim) MarshalBinary() []byte {
	out := make([]byte, ClaimSize)
	copy(out[:PublicKeySize], c.PK[:])
	binary.BigEndian.PutUint32(out[32:36], c.StartSeq)
	binary.BigEndian.PutUint32(out[36:40], c.Rounds)
	binary.BigEndian.PutUint64(out[40:48], c.TokensConsumed)
	return out
}

// UnmarshalClaim decodes a single 48-byte claim record.
func UnmarshalClaim(buf []byte) (Claim, error) {
	if len(buf) != ClaimSize {
		return Claim{}, fmt.Errorf("wire: claim record must be %d bytes, got %d", ClaimSize, len(buf))
	}
	var c Claim
	copy(c.PK[:], buf[:PublicKeySize])
	c.StartSeq = binary.BigEndian.Uint32(buf[32:36])
	c.Rounds = binary.BigEndian.Uint32(buf[36:40])
	c.TokensConsumed = binary.BigEndian.Uint64(buf[40:48])
	return c, nil
}

// SplitClaims decodes a flat journal of concatenated claim records,
// advancing a cursor one ClaimSize slice at a time.
func SplitClaims(journal []byte) ([]Claim, error) {
	if len(journal)%ClaimSize != 0 {
		return nil, fmt.Errorf("wire: claim journal length %d is not a multiple of %d", len(journal), ClaimSize)
	}
	n := len(journal) / ClaimSize
	claims := make([]Claim, 0, n)
	for i := 0; i < n; i++ {
		rec := journal[ClaimSize*i : ClaimSize*(i+1)]
		c, err := UnmarshalClaim(rec)
		if err != nil {
			return nil, fmt.Errorf("wire: claim %d: %w", i, err)
		}
		claims = append(claims, c)
	}
	return claims, nil
}
