// Copyright 2025 Certen Protocol
//
// Store is the durable, content-addressed status/history journal behind
// the gateway's per-client round state machine. Each key maps to exactly
// one file; writes go through write-temp-then-rename so a crash never
// leaves a record half-written.

package journal

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/certenIO/deopenchat-gateway/pkg/wire"
)

// Store provides high-level access to per-client round state, backed by
// two content-addressed subtrees under a cache directory: status/ (one
// PeerStatus record per client) and history/ (one RoundData record per
// unconfirmed or unsettled round).
//
// CONCURRENCY: every operation that touches a given client's records
// takes that client's named lock first (see lockFor), so concurrent
// requests for different clients never block each other, while
// concurrent requests for the same client serialize exactly as the
// state machine requires.
type Store struct {
	statusDir  string
	historyDir string

	mu    sync.Mutex
	locks map[wire.PublicKey]*sync.RWMutex
}

// NewStore creates a Store rooted at cacheDir, creating the status/ and
// history/ subdirectories if they do not already exist.
func NewStore(cacheDir string) (*Store, error) {
	s := &Store{
		statusDir:  filepath.Join(cacheDir, "status"),
		historyDir: filepath.Join(cacheDir, "history"),
		locks:      make(map[wire.PublicKey]*sync.RWMutex),
	}
	if err := os.MkdirAll(s.statusDir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create status dir: %w", err)
	}
	if err := os.MkdirAll(s.historyDir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create history dir: %w", err)
	}
	return s, nil
}

func (s *Store) lockFor(pk wire.PublicKey) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.locks[pk]
	if !ok {
		lk = &sync.RWMutex{}
		s.locks[pk] = lk
	}
	return lk
}

// knownKeys returns a snapshot of every key this store has ever locked,
// i.e. every client it has served in this process's lifetime.
func (s *Store) knownKeys() []wire.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]wire.PublicKey, 0, len(s.locks))
	for k := range s.locks {
		keys = append(keys, k)
	}
	return keys
}

func statusPath(dir string, pk wire.PublicKey) string {
	return filepath.Join(dir, pk.Hex())
}

func historyPath(dir string, pk wire.PublicKey, seq uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%d", pk.Hex(), seq))
}

// writeRecord serializes v to JSON and writes it atomically, trailing a
// CRC32 footer so a torn write is detected on the next read rather than
// silently accepted.
func writeRecord(path string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}
	sum := crc32.ChecksumIEEE(body)
	buf := make([]byte, len(body)+4)
	copy(buf, body)
	buf[len(body)+0] = byte(sum >> 24)
	buf[len(body)+1] = byte(sum >> 16)
	buf[len(body)+2] = byte(sum >> 8)
	buf[len(body)+3] = byte(sum)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("journal: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("journal: rename temp file: %w", err)
	}
	return nil
}

// readRecord loads and validates a record written by writeRecord.
func readRecord(path string, v interface{}) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(buf) < 4 {
		return fmt.Errorf("journal: record %s too short", path)
	}
	body, footer := buf[:len(buf)-4], buf[len(buf)-4:]
	want := crc32.ChecksumIEEE(body)
	got := uint32(footer[0])<<24 | uint32(footer[1])<<16 | uint32(footer[2])<<8 | uint32(footer[3])
	if want != got {
		return fmt.Errorf("journal: record %s failed checksum", path)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("journal: unmarshal record %s: %w", path, err)
	}
	return nil
}

func removeRecord(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Req records a newly accepted completions request. On a client's first
// ever request the sequence must be 1; otherwise the prior status must
// be Completed and the sequence must be exactly one past the prior seq.
func (s *Store) Req(req wire.CompletionsReq) error {
	lk := s.lockFor(req.PK)
	lk.Lock()
	defer lk.Unlock()

	path := statusPath(s.statusDir, req.PK)
	var curr PeerStatus
	err := readRecord(path, &curr)
	switch {
	case os.IsNotExist(err):
		if req.Request.Msg.Seq != 1 {
			return fmt.Errorf("journal: first request for new client must have seq 1, got %d: %w", req.Request.Msg.Seq, ErrBadSeq)
		}
		next := PeerStatus{Seq: 1, CommitSeq: 0, State: RoundRequested, UpdatedAt: now()}
		return writeRecord(path, next)
	case err != nil:
		return fmt.Errorf("journal: load status: %w", err)
	}

	if curr.State != RoundCompleted {
		return fmt.Errorf("journal: client has a round in progress (state=%s): %w", curr.State, ErrBadState)
	}
	if curr.Seq+1 != req.Request.Msg.Seq {
		return fmt.Errorf("journal: expected seq %d, got %d: %w", curr.Seq+1, req.Request.Msg.Seq, ErrBadSeq)
	}

	next := PeerStatus{Seq: req.Request.Msg.Seq, CommitSeq: curr.CommitSeq, State: RoundRequested, UpdatedAt: now()}
	return writeRecord(path, next)
}

// Resp records the backend's response to a request, moving the round's
// state to WaitingConfirm and writing its history record.
func (s *Store) Resp(req wire.CompletionsReq, resp wire.CompletionsResp) error {
	lk := s.lockFor(req.PK)
	lk.Lock()
	defer lk.Unlock()

	path := statusPath(s.statusDir, req.PK)
	var curr PeerStatus
	if err := readRecord(path, &curr); err != nil {
		return fmt.Errorf("journal: load status: %w", err)
	}
	if curr.State != RoundRequested {
		return fmt.Errorf("journal: round not in Requested state (state=%s): %w", curr.State, ErrBadState)
	}
	if curr.Seq != req.Request.Msg.Seq {
		return fmt.Errorf("journal: expected seq %d, got %d: %w", curr.Seq, req.Request.Msg.Seq, ErrBadSeq)
	}

	rd := RoundData{Seq: req.Request.Msg.Seq, Req: req, Resp: resp}
	if err := writeRecord(historyPath(s.historyDir, req.PK, curr.Seq), rd); err != nil {
		return fmt.Errorf("journal: write history: %w", err)
	}

	curr.State = RoundWaitingConfirm
	curr.UpdatedAt = now()
	return writeRecord(path, curr)
}

// ConfirmRound records the client's usage confirmation for the round
// currently awaiting one, completing the state machine for that round.
func (s *Store) ConfirmRound(confirm wire.ConfirmReq) error {
	lk := s.lockFor(confirm.PK)
	lk.Lock()
	defer lk.Unlock()

	path := statusPath(s.statusDir, confirm.PK)
	var curr PeerStatus
	if err := readRecord(path, &curr); err != nil {
		return fmt.Errorf("journal: load status: %w", err)
	}
	if curr.State != RoundWaitingConfirm {
		return fmt.Errorf("journal: round not in WaitingConfirm state (state=%s): %w", curr.State, ErrBadState)
	}
	if curr.Seq != confirm.Confirm.Msg.Seq {
		return fmt.Errorf("journal: expected seq %d, got %d: %w", curr.Seq, confirm.Confirm.Msg.Seq, ErrBadSeq)
	}

	hp := historyPath(s.historyDir, confirm.PK, curr.Seq)
	var rd RoundData
	if err := readRecord(hp, &rd); err != nil {
		return fmt.Errorf("journal: load history: %w", err)
	}
	confirmCopy := confirm
	rd.ConfirmReq = &confirmCopy
	if err := writeRecord(hp, rd); err != nil {
		return fmt.Errorf("journal: write history: %w", err)
	}

	curr.State = RoundCompleted
	curr.UpdatedAt = now()
	return writeRecord(path, curr)
}

// LoadRound returns the history record for a specific client and
// sequence number.
func (s *Store) LoadRound(pk wire.PublicKey, seq uint32) (RoundData, error) {
	lk := s.lockFor(pk)
	lk.RLock()
	defer lk.RUnlock()

	var rd RoundData
	if err := readRecord(historyPath(s.historyDir, pk, seq), &rd); err != nil {
		if os.IsNotExist(err) {
			return RoundData{}, fmt.Errorf("journal: round %d for %s: %w", seq, pk.Hex(), ErrNotFound)
		}
		return RoundData{}, fmt.Errorf("journal: load round: %w", err)
	}
	return rd, nil
}

// LoadStatus returns the current status for pk. Unlike the lock
// registry alone, it always probes disk directly, so a key this process
// has never locked (e.g. after a restart) is still found if a status
// file for it exists.
func (s *Store) LoadStatus(pk wire.PublicKey) (PeerStatus, error) {
	lk := s.lockFor(pk)
	lk.RLock()
	defer lk.RUnlock()

	var status PeerStatus
	if err := readRecord(statusPath(s.statusDir, pk), &status); err != nil {
		if os.IsNotExist(err) {
			return PeerStatus{}, ErrNotFound
		}
		return PeerStatus{}, fmt.Errorf("journal: load status: %w", err)
	}
	return status, nil
}

// LoadAllHistory returns, for every client this store has ever served,
// the confirmed rounds still awaiting settlement: those with sequence
// numbers in (CommitSeq, Seq) that have a ConfirmReq attached. Seq itself
// is excluded because it is the client's current in-flight round, which
// may still be Requested or WaitingConfirm and so is not yet eligible
// for settlement.
func (s *Store) LoadAllHistory() (map[wire.PublicKey][]RoundData, error) {
	out := make(map[wire.PublicKey][]RoundData)

	for _, pk := range s.knownKeys() {
		lk := s.lockFor(pk)
		lk.RLock()
		status, err := func() (PeerStatus, error) {
			var st PeerStatus
			if e := readRecord(statusPath(s.statusDir, pk), &st); e != nil {
				return PeerStatus{}, e
			}
			return st, nil
		}()
		if err != nil {
			lk.RUnlock()
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("journal: load status for %s: %w", pk.Hex(), err)
		}

		var rounds []RoundData
		for seq := status.CommitSeq + 1; seq < status.Seq; seq++ {
			var rd RoundData
			if e := readRecord(historyPath(s.historyDir, pk, seq), &rd); e != nil {
				if os.IsNotExist(e) {
					continue
				}
				lk.RUnlock()
				return nil, fmt.Errorf("journal: load round %d for %s: %w", seq, pk.Hex(), e)
			}
			if rd.ConfirmReq != nil {
				rounds = append(rounds, rd)
			}
		}
		lk.RUnlock()

		if len(rounds) > 0 {
			out[pk] = rounds
		}
	}

	return out, nil
}

// Commit applies settlement claims: for each claim it advances the
// client's CommitSeq by claim.Rounds and removes the now-settled history
// records. Every claim must refer to a key this store has a lock for
// (i.e. a client it has actually served).
func (s *Store) Commit(claims []wire.Claim) error {
	for _, claim := range claims {
		if err := s.commitOne(claim); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) commitOne(claim wire.Claim) error {
	s.mu.Lock()
	lk, ok := s.locks[claim.PK]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("journal: claim for %s: %w", claim.PK.Hex(), ErrNoLock)
	}

	lk.Lock()
	defer lk.Unlock()

	path := statusPath(s.statusDir, claim.PK)
	var status PeerStatus
	if err := readRecord(path, &status); err != nil {
		return fmt.Errorf("journal: load status for commit: %w", err)
	}
	if claim.StartSeq <= status.CommitSeq {
		// Already committed by a prior attempt at this same claim (e.g. a
		// crash between on-chain acceptance and Commit returning). Treat
		// as success rather than re-erroring, per the required commit
		// idempotence property.
		return nil
	}
	if status.CommitSeq+1 != claim.StartSeq {
		return fmt.Errorf("journal: claim start_seq %d does not follow commit_seq %d: %w", claim.StartSeq, status.CommitSeq, ErrBadSeq)
	}
	if status.Seq < status.CommitSeq+claim.Rounds {
		return fmt.Errorf("journal: claim covers %d rounds past commit_seq %d but status.seq is only %d: %w", claim.Rounds, status.CommitSeq, status.Seq, ErrBadSeq)
	}

	status.CommitSeq += claim.Rounds
	status.UpdatedAt = now()
	if err := writeRecord(path, status); err != nil {
		return fmt.Errorf("journal: write status on commit: %w", err)
	}

	for seq := claim.StartSeq; seq < claim.StartSeq+claim.Rounds; seq++ {
		if err := removeRecord(historyPath(s.historyDir, claim.PK, seq)); err != nil {
			return fmt.Errorf("journal: remove settled round %d: %w", seq, err)
		}
	}
	return nil
}

// Reap sweeps every known client whose status has been stuck in
// Requested for longer than maxAge, with no matching Resp ever recorded,
// and releases only the reserved, never-written in-flight sequence so the
// client can retry it. Already-confirmed rounds sitting below it in
// history remain untouched and eligible for settlement. It returns the
// keys it reaped.
func (s *Store) Reap(maxAge time.Duration) ([]wire.PublicKey, error) {
	var reaped []wire.PublicKey
	cutoff := time.Now().Add(-maxAge).Unix()

	for _, pk := range s.knownKeys() {
		lk := s.lockFor(pk)
		lk.Lock()
		path := statusPath(s.statusDir, pk)
		var status PeerStatus
		if err := readRecord(path, &status); err != nil {
			lk.Unlock()
			if os.IsNotExist(err) {
				continue
			}
			return reaped, fmt.Errorf("journal: load status for reap: %w", err)
		}

		if status.State == RoundRequested && status.UpdatedAt <= cutoff {
			if status.Seq > status.CommitSeq {
				status.Seq--
			}
			status.State = RoundCompleted
			status.UpdatedAt = now()
			if err := writeRecord(path, status); err != nil {
				lk.Unlock()
				return reaped, fmt.Errorf("journal: write status on reap: %w", err)
			}
			reaped = append(reaped, pk)
		}
		lk.Unlock()
	}
	return reaped, nil
}

// now is a thin seam over time.Now so tests can stub it if ever needed.
var now = func() int64 { return time.Now().Unix() }
