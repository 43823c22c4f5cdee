// Copyright 2025 Certen Protocol
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CompletionBackend forwards the client's raw completion request to the
// upstream inference service and returns its raw response, unopened.
// The gateway never interprets the request payload; of the response it
// reads only the usage record (see extractUsage), when a round is
// confirmed.
type CompletionBackend interface {
	Completions(ctx context.Context, rawReq json.RawMessage) (json.RawMessage, error)
}

// usageEnvelope is the subset of an OpenAI-compatible completion response
// the gateway trusts for billing: the backend's own self-reported token
// counts, which the client's confirmation must not understate.
type usageEnvelope struct {
	Usage *struct {
		PromptTokens     uint32 `json:"prompt_tokens"`
		CompletionTokens uint32 `json:"completion_tokens"`
	} `json:"usage"`
}

// extractUsage pulls the backend-reported token usage out of a raw
// completion response. A response with no usage field is itself an
// UpstreamFailure: the gateway has nothing to bill the round against.
func extractUsage(raw json.RawMessage) (promptTokens, completionTokens uint32, err error) {
	var env usageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, 0, fmt.Errorf("%w: parse backend response: %v", ErrBackend, err)
	}
	if env.Usage == nil {
		return 0, 0, fmt.Errorf("%w: backend response missing usage", ErrBackend)
	}
	return env.Usage.PromptTokens, env.Usage.CompletionTokens, nil
}

// HTTPBackend is a CompletionBackend that forwards to an upstream HTTP
// service exposing a single POST endpoint.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBackend creates a backend pointed at baseURL + "/completions".
func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Completions implements CompletionBackend.
func (b *HTTPBackend) Completions(ctx context.Context, rawReq json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/completions", bytes.NewReader(rawReq))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrBackend, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrBackend, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: backend returned %d: %s", ErrBackend, resp.StatusCode, string(body))
	}
	return json.RawMessage(body), nil
}
