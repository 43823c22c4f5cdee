// Copyright 2025 Certen Protocol

package wire

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CompletionsReq is the JSON body of POST /v1/completions. RawReq is
// forwarded to the backend unmodified; the gateway only inspects pk and
// request.
type CompletionsReq struct {
	PK      PublicKey       `json:"pk"`
	RawReq  json.RawMessage `json:"raw_req"`
	Request Request         `json:"request"`
}

// CompletionsResp is the JSON body returned by POST /v1/completions.
type CompletionsResp struct {
	RawResponse json.RawMessage `json:"raw_response"`
}

// ConfirmReq is the JSON body of POST /v1/completions/confirm.
type ConfirmReq struct {
	PK      PublicKey `json:"pk"`
	Confirm Confirm   `json:"confirm"`
}

// MarshalJSON renders a PublicKey as a JSON array of byte values,
// matching the bridge's serde encoding of a Rust [u8; 32]. The hex form
// (see Hex/UnmarshalHex) is used only for the seq lookup path parameter,
// which the bridge renders as a plain string, not a JSON body field.
func (pk PublicKey) MarshalJSON() ([]byte, error) {
	return marshalByteArray(pk[:])
}

// UnmarshalJSON parses a PublicKey from a JSON array of byte values.
func (pk *PublicKey) UnmarshalJSON(data []byte) error {
	b, err := unmarshalByteArray(data)
	if err != nil {
		return fmt.Errorf("wire: public key: %w", err)
	}
	if len(b) != PublicKeySize {
		return fmt.Errorf("wire: public key must be %d bytes, got %d", PublicKeySize, len(b))
	}
	copy(pk[:], b)
	return nil
}

// UnmarshalHex decodes a hex-encoded public key into pk.
func (pk *PublicKey) UnmarshalHex(s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("wire: invalid public key hex %q: %w", s, err)
	}
	if len(b) != PublicKeySize {
		return fmt.Errorf("wire: public key must be %d bytes, got %d", PublicKeySize, len(b))
	}
	copy(pk[:], b)
	return nil
}

// Hex returns the lowercase hex encoding of pk.
func (pk PublicKey) Hex() string {
	return hex.EncodeToString(pk[:])
}
