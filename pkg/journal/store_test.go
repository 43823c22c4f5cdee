// Copyright 2025 Certen Protocol
package journal

import (
	"errors"
	"testing"
	"time"

	"github.com/certenIO/deopenchat-gateway/pkg/wire"
)

func testPK(b byte) wire.PublicKey {
	var pk wire.PublicKey
	pk[0] = b
	return pk
}

func completionsReq(pk wire.PublicKey, seq uint32) wire.CompletionsReq {
	return wire.CompletionsReq{
		PK:      pk,
		Request: wire.Request{Msg: wire.RequestMsg{Seq: seq}, Signature: make([]byte, wire.SignatureSize)},
	}
}

func confirmReq(pk wire.PublicKey, seq, in, resp uint32) wire.ConfirmReq {
	return wire.ConfirmReq{
		PK:      pk,
		Confirm: wire.Confirm{Msg: wire.ConfirmMsg{Seq: seq, InputTokens: in, RespTokens: resp}, Signature: make([]byte, wire.SignatureSize)},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestReqFirstRequestMustBeSeqOne(t *testing.T) {
	s := newTestStore(t)
	pk := testPK(1)

	if err := s.Req(completionsReq(pk, 2)); !errors.Is(err, ErrBadSeq) {
		t.Fatalf("expected ErrBadSeq, got %v", err)
	}
	if err := s.Req(completionsReq(pk, 1)); err != nil {
		t.Fatalf("expected seq 1 to be accepted, got %v", err)
	}

	status, err := s.LoadStatus(pk)
	if err != nil {
		t.Fatalf("LoadStatus: %v", err)
	}
	if status.Seq != 1 || status.CommitSeq != 0 || status.State != RoundRequested {
		t.Fatalf("unexpected status after first request: %+v", status)
	}
}

func TestFullRoundLifecycle(t *testing.T) {
	s := newTestStore(t)
	pk := testPK(2)

	if err := s.Req(completionsReq(pk, 1)); err != nil {
		t.Fatalf("Req: %v", err)
	}
	if err := s.Resp(completionsReq(pk, 1), wire.CompletionsResp{}); err != nil {
		t.Fatalf("Resp: %v", err)
	}

	status, _ := s.LoadStatus(pk)
	if status.State != RoundWaitingConfirm {
		t.Fatalf("expected WaitingConfirm, got %s", status.State)
	}

	if err := s.ConfirmRound(confirmReq(pk, 1, 10, 20)); err != nil {
		t.Fatalf("ConfirmRound: %v", err)
	}

	status, _ = s.LoadStatus(pk)
	if status.State != RoundCompleted {
		t.Fatalf("expected Completed, got %s", status.State)
	}
}

func TestOutOfOrderRequestRejected(t *testing.T) {
	s := newTestStore(t)
	pk := testPK(3)

	mustComplete := func(seq uint32) {
		t.Helper()
		if err := s.Req(completionsReq(pk, seq)); err != nil {
			t.Fatalf("Req(%d): %v", seq, err)
		}
		if err := s.Resp(completionsReq(pk, seq), wire.CompletionsResp{}); err != nil {
			t.Fatalf("Resp(%d): %v", seq, err)
		}
		if err := s.ConfirmRound(confirmReq(pk, seq, 1, 1)); err != nil {
			t.Fatalf("ConfirmRound(%d): %v", seq, err)
		}
	}
	mustComplete(1)

	// Skipping straight to seq 3 must be rejected (scenario 3 in spec §8).
	if err := s.Req(completionsReq(pk, 3)); !errors.Is(err, ErrBadSeq) {
		t.Fatalf("expected ErrBadSeq for out-of-order request, got %v", err)
	}

	status, _ := s.LoadStatus(pk)
	if status.Seq != 1 || status.State != RoundCompleted {
		t.Fatalf("status must be unchanged after rejected request, got %+v", status)
	}
}

func TestRespRejectsWrongState(t *testing.T) {
	s := newTestStore(t)
	pk := testPK(4)

	if err := s.Resp(completionsReq(pk, 1), wire.CompletionsResp{}); err == nil {
		t.Fatal("expected error recording a response with no prior request")
	}
}

func TestConfirmRejectsWrongSeq(t *testing.T) {
	s := newTestStore(t)
	pk := testPK(5)

	if err := s.Req(completionsReq(pk, 1)); err != nil {
		t.Fatalf("Req: %v", err)
	}
	if err := s.Resp(completionsReq(pk, 1), wire.CompletionsResp{}); err != nil {
		t.Fatalf("Resp: %v", err)
	}
	if err := s.ConfirmRound(confirmReq(pk, 2, 1, 1)); !errors.Is(err, ErrBadSeq) {
		t.Fatalf("expected ErrBadSeq, got %v", err)
	}
}

func TestLoadAllHistoryReturnsOnlyConfirmedUnsettledRounds(t *testing.T) {
	s := newTestStore(t)
	pk := testPK(6)

	// Round 1: fully confirmed, eligible for settlement.
	if err := s.Req(completionsReq(pk, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Resp(completionsReq(pk, 1), wire.CompletionsResp{}); err != nil {
		t.Fatal(err)
	}
	if err := s.ConfirmRound(confirmReq(pk, 1, 10, 20)); err != nil {
		t.Fatal(err)
	}

	// Round 2: requested and responded but not yet confirmed - must be
	// excluded from the settlement snapshot.
	if err := s.Req(completionsReq(pk, 2)); err != nil {
		t.Fatal(err)
	}
	if err := s.Resp(completionsReq(pk, 2), wire.CompletionsResp{}); err != nil {
		t.Fatal(err)
	}

	history, err := s.LoadAllHistory()
	if err != nil {
		t.Fatalf("LoadAllHistory: %v", err)
	}
	rounds, ok := history[pk]
	if !ok {
		t.Fatal("expected history entry for pk")
	}
	if len(rounds) != 1 || rounds[0].Seq != 1 {
		t.Fatalf("expected exactly round 1, got %+v", rounds)
	}
}

func TestCommitAdvancesWatermarkAndDeletesHistory(t *testing.T) {
	s := newTestStore(t)
	pk := testPK(7)

	for seq := uint32(1); seq <= 3; seq++ {
		if err := s.Req(completionsReq(pk, seq)); err != nil {
			t.Fatal(err)
		}
		if err := s.Resp(completionsReq(pk, seq), wire.CompletionsResp{}); err != nil {
			t.Fatal(err)
		}
		if err := s.ConfirmRound(confirmReq(pk, seq, 1, 1)); err != nil {
			t.Fatal(err)
		}
	}

	claim := wire.Claim{PK: pk, StartSeq: 1, Rounds: 3, TokensConsumed: 6}
	if err := s.Commit([]wire.Claim{claim}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	status, err := s.LoadStatus(pk)
	if err != nil {
		t.Fatalf("LoadStatus: %v", err)
	}
	if status.CommitSeq != 3 {
		t.Fatalf("expected commit_seq 3, got %d", status.CommitSeq)
	}

	for seq := uint32(1); seq <= 3; seq++ {
		if _, err := s.LoadRound(pk, seq); err == nil {
			t.Fatalf("expected round %d to be deleted after commit", seq)
		}
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	pk := testPK(8)

	if err := s.Req(completionsReq(pk, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Resp(completionsReq(pk, 1), wire.CompletionsResp{}); err != nil {
		t.Fatal(err)
	}
	if err := s.ConfirmRound(confirmReq(pk, 1, 1, 1)); err != nil {
		t.Fatal(err)
	}

	claim := wire.Claim{PK: pk, StartSeq: 1, Rounds: 1, TokensConsumed: 2}
	if err := s.Commit([]wire.Claim{claim}); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	statusAfterFirst, _ := s.LoadStatus(pk)

	// Re-applying the same claim (e.g. after a crash between on-chain
	// acceptance and Commit returning) must succeed as a no-op, not error.
	if err := s.Commit([]wire.Claim{claim}); err != nil {
		t.Fatalf("second commit should be idempotent, got error: %v", err)
	}
	statusAfterSecond, _ := s.LoadStatus(pk)
	if statusAfterFirst != statusAfterSecond {
		t.Fatalf("status changed on idempotent re-commit: %+v vs %+v", statusAfterFirst, statusAfterSecond)
	}
}

func TestCommitRejectsNonContiguousClaim(t *testing.T) {
	s := newTestStore(t)
	pk := testPK(9)

	if err := s.Req(completionsReq(pk, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Resp(completionsReq(pk, 1), wire.CompletionsResp{}); err != nil {
		t.Fatal(err)
	}
	if err := s.ConfirmRound(confirmReq(pk, 1, 1, 1)); err != nil {
		t.Fatal(err)
	}

	// start_seq 2 skips over uncommitted round 1.
	claim := wire.Claim{PK: pk, StartSeq: 2, Rounds: 1, TokensConsumed: 2}
	if err := s.Commit([]wire.Claim{claim}); !errors.Is(err, ErrBadSeq) {
		t.Fatalf("expected ErrBadSeq, got %v", err)
	}
}

func TestCommitRejectsUnknownKey(t *testing.T) {
	s := newTestStore(t)
	claim := wire.Claim{PK: testPK(99), StartSeq: 1, Rounds: 1, TokensConsumed: 1}
	if err := s.Commit([]wire.Claim{claim}); !errors.Is(err, ErrNoLock) {
		t.Fatalf("expected ErrNoLock, got %v", err)
	}
}

func TestReapRevertsStuckRequestedRound(t *testing.T) {
	s := newTestStore(t)
	pk := testPK(10)

	if err := s.Req(completionsReq(pk, 1)); err != nil {
		t.Fatal(err)
	}

	reaped, err := s.Reap(0) // zero max age: everything currently Requested is stale
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if len(reaped) != 1 || reaped[0] != pk {
		t.Fatalf("expected pk to be reaped, got %+v", reaped)
	}

	status, _ := s.LoadStatus(pk)
	if status.State != RoundCompleted || status.Seq != status.CommitSeq {
		t.Fatalf("expected reaped status to revert to Completed at commit_seq, got %+v", status)
	}

	// The client can now retry seq 1 from a clean state.
	if err := s.Req(completionsReq(pk, 1)); err != nil {
		t.Fatalf("expected retry of seq 1 after reap to succeed, got %v", err)
	}
}

func TestReapPreservesConfirmedUnsettledRounds(t *testing.T) {
	s := newTestStore(t)
	pk := testPK(13)

	// Round 1 completes the full lifecycle and is confirmed, but not yet
	// settled.
	if err := s.Req(completionsReq(pk, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Resp(completionsReq(pk, 1), wire.CompletionsResp{}); err != nil {
		t.Fatal(err)
	}
	if err := s.ConfirmRound(confirmReq(pk, 1, 10, 20)); err != nil {
		t.Fatal(err)
	}

	// Round 2 gets stuck in Requested (e.g. the backend never responded).
	if err := s.Req(completionsReq(pk, 2)); err != nil {
		t.Fatal(err)
	}

	reaped, err := s.Reap(0)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if len(reaped) != 1 || reaped[0] != pk {
		t.Fatalf("expected pk to be reaped, got %+v", reaped)
	}

	status, err := s.LoadStatus(pk)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != RoundCompleted || status.Seq != 1 || status.CommitSeq != 0 {
		t.Fatalf("expected only the unconfirmed in-flight seq to be released, got %+v", status)
	}

	// Round 1's confirmed history must still be on disk - the reap must
	// never discard already-confirmed, unsettled rounds.
	if _, err := s.LoadRound(pk, 1); err != nil {
		t.Fatalf("expected confirmed round 1 to survive reap, got %v", err)
	}

	// The client can retry seq 2 from a clean state, which reopens round
	// 1's settlement eligibility (LoadAllHistory always holds back the
	// client's current seq, per §4.3, since it may still be in flight).
	if err := s.Req(completionsReq(pk, 2)); err != nil {
		t.Fatalf("expected retry of seq 2 after reap to succeed, got %v", err)
	}
	history, err := s.LoadAllHistory()
	if err != nil {
		t.Fatal(err)
	}
	if len(history[pk]) != 1 || history[pk][0].Seq != 1 {
		t.Fatalf("expected round 1 to become settlement-eligible again, got %+v", history[pk])
	}
}

func TestReapLeavesFreshRequestedRoundAlone(t *testing.T) {
	s := newTestStore(t)
	pk := testPK(11)

	if err := s.Req(completionsReq(pk, 1)); err != nil {
		t.Fatal(err)
	}
	reaped, err := s.Reap(time.Hour)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if len(reaped) != 0 {
		t.Fatalf("expected no reap within the grace period, got %+v", reaped)
	}
}

func TestLoadStatusProbesDiskBeforeNotFound(t *testing.T) {
	dir := t.TempDir()
	pk := testPK(12)

	s1, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s1.Req(completionsReq(pk, 1)); err != nil {
		t.Fatal(err)
	}

	// A fresh Store over the same directory has never locked pk, so its
	// in-memory registry knows nothing about it - LoadStatus must still
	// find the on-disk record rather than reporting ErrNotFound.
	s2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	status, err := s2.LoadStatus(pk)
	if err != nil {
		t.Fatalf("expected disk-backed status to be found, got %v", err)
	}
	if status.Seq != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestLoadStatusUnknownKeyNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadStatus(testPK(200)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
