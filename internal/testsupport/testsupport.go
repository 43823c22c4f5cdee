// Copyright 2025 Certen Protocol
//
// Package testsupport builds signed wire values for tests, standing in
// for the client bridge (out of scope per spec §1) so package tests can
// exercise the gateway's request/confirm protocol without it.
package testsupport

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/certenIO/deopenchat-gateway/pkg/wire"
)

// Client is a minimal signer standing in for a real client bridge.
type Client struct {
	PK wire.PublicKey
	sk ed25519.PrivateKey
}

// NewClient generates a fresh Ed25519 keypair for a test client.
func NewClient() (*Client, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("testsupport: generate key: %w", err)
	}
	var pk wire.PublicKey
	copy(pk[:], pub)
	return &Client{PK: pk, sk: priv}, nil
}

// CompletionsReq builds a signed CompletionsReq for seq, carrying rawReq
// as the pass-through backend payload.
func (c *Client) CompletionsReq(seq uint32, rawReq json.RawMessage) wire.CompletionsReq {
	msg := wire.RequestMsg{Seq: seq}
	return wire.CompletionsReq{
		PK:     c.PK,
		RawReq: rawReq,
		Request: wire.Request{
			Msg:       msg,
			Signature: wire.SignRequest(c.sk, msg),
		},
	}
}

// ConfirmReq builds a signed ConfirmReq for seq.
func (c *Client) ConfirmReq(seq uint32, inputTokens, respTokens uint32) wire.ConfirmReq {
	msg := wire.ConfirmMsg{Seq: seq, InputTokens: inputTokens, RespTokens: respTokens}
	return wire.ConfirmReq{
		PK: c.PK,
		Confirm: wire.Confirm{
			Msg:       msg,
			Signature: wire.SignConfirm(c.sk, msg),
		},
	}
}

// UsageResponse builds a minimal OpenAI-compatible completion response
// JSON body carrying the given usage counts, the shape pkg/gateway's
// confirm handler parses back out to police under-reporting.
func UsageResponse(promptTokens, completionTokens uint32) json.RawMessage {
	body, _ := json.Marshal(map[string]interface{}{
		"id":      "cmpl-test",
		"object":  "text_completion",
		"choices": []interface{}{},
		"usage": map[string]uint32{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	})
	return body
}
