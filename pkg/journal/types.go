// Copyright 2025 Certen Protocol
//
// Package journal provides the gateway's durable per-client round state: a
// content-addressed status table and a history table, each keyed by public
// key, backed by a per-key async RW lock registry.
package journal

import "github.com/certenIO/deopenchat-gateway/pkg/wire"

// RoundState is one point in a client's per-round state machine:
// Requested -> WaitingConfirm -> Completed.
type RoundState int

const (
	// RoundRequested means the client's RequestMsg has been accepted and
	// recorded, but no backend response exists yet.
	RoundRequested RoundState = iota
	// RoundWaitingConfirm means the backend responded and the round is
	// recorded in history, awaiting the client's ConfirmMsg.
	RoundWaitingConfirm
	// RoundCompleted means the round has been confirmed (or, for rounds at
	// or below CommitSeq, already settled on chain).
	RoundCompleted
)

func (s RoundState) String() string {
	switch s {
	case RoundRequested:
		return "requested"
	case RoundWaitingConfirm:
		return "waiting_confirm"
	case RoundCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// PeerStatus is the single status record the journal keeps per client.
type PeerStatus struct {
	Seq       uint32     `json:"seq"`
	CommitSeq uint32     `json:"commit_seq"`
	State     RoundState `json:"state"`
	UpdatedAt int64      `json:"updated_at"` // unix seconds, used by Reap
}

// RoundData is the history record the journal keeps for each round in
// (CommitSeq, Seq] that has passed Requested.
type RoundData struct {
	Seq        uint32               `json:"seq"`
	Req        wire.CompletionsReq  `json:"req"`
	Resp       wire.CompletionsResp `json:"resp"`
	ConfirmReq *wire.ConfirmReq     `json:"confirm_req,omitempty"`
}
