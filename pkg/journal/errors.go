// Copyright 2025 Certen Protocol
//
// Package journal provides sentinel errors for journal operations.

package journal

import "errors"

// Sentinel errors for journal operations.
var (
	// ErrNotFound is returned when no status record exists for a key, and
	// (wrapped) by LoadRound when no history record exists for a round.
	ErrNotFound = errors.New("journal: status not found")

	// ErrBadState is returned when an operation's preconditions on the
	// current RoundState are not met.
	ErrBadState = errors.New("journal: unexpected round state")

	// ErrBadSeq is returned when a sequence number does not match what
	// the state machine expects next.
	ErrBadSeq = errors.New("journal: unexpected sequence number")

	// ErrNoLock is returned by commit when a claim refers to a key this
	// journal has never seen a lock for.
	ErrNoLock = errors.New("journal: no lock registered for key")
)
