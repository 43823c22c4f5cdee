// Copyright 2025 Certen Protocol

package wire

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Signature is a detached Ed25519 signature. It is a named type (rather
// than plain []byte) so it can carry its own JSON encoding: the bridge
// wire protocol renders a Rust Vec<u8>/[u8;N] as a JSON array of byte
// values, not encoding/json's default base64 string for []byte.
type Signature []byte

// MarshalJSON renders the signature as a JSON array of byte values,
// matching the bridge's serde encoding.
func (s Signature) MarshalJSON() ([]byte, error) {
	return marshalByteArray(s)
}

// UnmarshalJSON parses a JSON array of byte values into the signature.
func (s *Signature) UnmarshalJSON(data []byte) error {
	b, err := unmarshalByteArray(data)
	if err != nil {
		return fmt.Errorf("wire: signature: %w", err)
	}
	*s = Signature(b)
	return nil
}

// marshalByteArray renders b as a JSON array of byte values ([1,2,3,...])
// instead of encoding/json's default base64-string rendering of []byte
// (which it applies to any slice whose element kind is Uint8, not just
// the literal []byte type), matching how serde encodes [u8;N] and
// Vec<u8> fields.
func marshalByteArray(b []byte) ([]byte, error) {
	nums := make([]int, len(b))
	for i, v := range b {
		nums[i] = int(v)
	}
	return json.Marshal(nums)
}

// unmarshalByteArray parses a JSON array of byte values.
func unmarshalByteArray(data []byte) ([]byte, error) {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return nil, fmt.Errorf("must be a JSON array of byte values: %w", err)
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("byte value %d at index %d out of range", n, i)
		}
		out[i] = byte(n)
	}
	return out, nil
}

// RequestMsg is the signed body of a completion request: only the
// sequence number the client expects to consume next.
type RequestMsg struct {
	Seq uint32 `json:"seq"`
}

// MarshalBinary packs RequestMsg into its 4-byte big-endian wire form.
func (m RequestMsg) MarshalBinary() []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, m.Seq)
	return out
}

// ConfirmMsg is the signed body of a usage confirmation: the sequence
// number being confirmed plus the input and response token counts the
// client observed.
type ConfirmMsg struct {
	Seq         uint32 `json:"seq"`
	InputTokens uint32 `json:"input_tokens"`
	RespTokens  uint32 `json:"resp_tokens"`
}

// MarshalBinary packs ConfirmMsg into its 12-byte big-endian wire form.
func (m ConfirmMsg) MarshalBinary() []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint32(out[0:4], m.Seq)
	binary.BigEndian.PutUint32(out[4:8], m.InputTokens)
	binary.BigEndian.PutUint32(out[8:12], m.RespTokens)
	return out
}

// Request pairs a RequestMsg with its detached Ed25519 signature.
type Request struct {
	Msg       RequestMsg `json:"msg"`
	Signature Signature  `json:"signature"`
}

// Confirm pairs a ConfirmMsg with its detached Ed25519 signature.
type Confirm struct {
	Msg       ConfirmMsg `json:"msg"`
	Signature Signature  `json:"signature"`
}

// Round is a completed request/confirm pair, the unit the settlement
// circuit re-verifies and aggregates into a Claim.
type Round struct {
	Request Request
	Confirm Confirm
}

// Input is the full witness handed to the settlement circuit: every
// confirmed round awaiting settlement, grouped by client.
type Input struct {
	Rounds map[PublicKey][]Round
}

// SignRequest produces a detached signature over msg using sk, the
// client-side counterpart to VerifyRequest.
func SignRequest(sk ed25519.PrivateKey, msg RequestMsg) Signature {
	return ed25519.Sign(sk, msg.MarshalBinary())
}

// SignConfirm produces a detached signature over msg using sk.
func SignConfirm(sk ed25519.PrivateKey, msg ConfirmMsg) Signature {
	return ed25519.Sign(sk, msg.MarshalBinary())
}

// VerifyRequest checks req's signature against pk.
func VerifyRequest(pk PublicKey, req Request) error {
	if len(req.Signature) != SignatureSize {
		return fmt.Errorf("wire: request signature must be %d bytes, got %d", SignatureSize, len(req.Signature))
	}
	if !ed25519.Verify(pk[:], req.Msg.MarshalBinary(), req.Signature) {
		return fmt.Errorf("wire: request signature invalid for seq %d", req.Msg.Seq)
	}
	return nil
}

// VerifyConfirm checks confirm's signature against pk.
func VerifyConfirm(pk PublicKey, confirm Confirm) error {
	if len(confirm.Signature) != SignatureSize {
		return fmt.Errorf("wire: confirm signature must be %d bytes, got %d", SignatureSize, len(confirm.Signature))
	}
	if !ed25519.Verify(pk[:], confirm.Msg.MarshalBinary(), confirm.Signature) {
		return fmt.Errorf("wire: confirm signature invalid for seq %d", confirm.Msg.Seq)
	}
	return nil
}
