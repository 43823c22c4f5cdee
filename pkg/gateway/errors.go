// Copyright 2025 Certen Protocol
package gateway

import "errors"

// Sentinel errors for gateway request handling. Every handler failure is
// written back to the client with the error's message as a plain-text
// body, with status 500, except a request with the wrong HTTP method,
// which is answered with 405.
var (
	ErrBadRequest        = errors.New("gateway: malformed request body")
	ErrInvalidSig        = errors.New("gateway: invalid signature")
	ErrUnknownClient     = errors.New("gateway: unknown client")
	ErrBackend           = errors.New("gateway: backend request failed")
	ErrResourceExhausted = errors.New("gateway: remaining token allowance is zero")
	ErrUnderReport       = errors.New("gateway: confirmed token counts understate backend usage")
)
