// Copyright 2025 Certen Protocol
//
// Settlement ZK prover - generates Groth16 proofs for settlement claim
// batches and re-derives those claims deterministically from confirmed
// rounds, mirroring the guest program's contract: every signature is
// re-verified natively, and the journal the proof attests to is rebuilt
// from scratch rather than trusted from the caller.
package circuit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	groth16bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"

	"github.com/certenIO/deopenchat-gateway/pkg/wire"
)

// Prover compiles the SettlementCircuit once and generates Groth16
// proofs for successive settlement ticks.
type Prover struct {
	mu sync.RWMutex

	cs  constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
	img string

	initialized bool
}

// NewProver creates an uninitialized Prover. Call Initialize or
// InitializeFromKeys before Prove.
func NewProver() *Prover {
	return &Prover{}
}

var initOnce sync.Once
var defaultProver *Prover

// Default returns a process-wide Prover, compiling the circuit on first
// use, so the (possibly several seconds) trusted setup happens once
// regardless of how many callers need a prover.
func Default() (*Prover, error) {
	var err error
	initOnce.Do(func() {
		defaultProver = NewProver()
		err = defaultProver.Initialize()
	})
	if err != nil {
		return nil, err
	}
	return defaultProver, nil
}

// Initialize compiles the circuit and runs a local Groth16 trusted
// setup. Fine for development; production deployments should use
// InitializeFromKeys with keys generated once via cmd/provesetup and
// distributed out of band.
func (p *Prover) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	var circ SettlementCircuit
	cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circ)
	if err != nil {
		return fmt.Errorf("circuit: compile: %w", err)
	}

	pk, vk, err := groth16.Setup(cs)
	if err != nil {
		return fmt.Errorf("circuit: groth16 setup: %w", err)
	}

	p.cs, p.pk, p.vk = cs, pk, vk
	p.img = computeImageID(cs)
	p.initialized = true
	return nil
}

// InitializeFromKeys loads a previously generated constraint system and
// proving/verification key pair, as written by cmd/provesetup.
func (p *Prover) InitializeFromKeys(csPath, pkPath, vkPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	csFile, err := os.Open(csPath)
	if err != nil {
		return fmt.Errorf("circuit: open constraint system: %w", err)
	}
	defer csFile.Close()
	cs := groth16.NewCS(ecc.BN254)
	if _, err := cs.ReadFrom(csFile); err != nil {
		return fmt.Errorf("circuit: read constraint system: %w", err)
	}

	pkFile, err := os.Open(pkPath)
	if err != nil {
		return fmt.Errorf("circuit: open proving key: %w", err)
	}
	defer pkFile.Close()
	pk := groth16.NewProvingKey(ecc.BN254)
	if _, err := pk.ReadFrom(pkFile); err != nil {
		return fmt.Errorf("circuit: read proving key: %w", err)
	}

	vkFile, err := os.Open(vkPath)
	if err != nil {
		return fmt.Errorf("circuit: open verification key: %w", err)
	}
	defer vkFile.Close()
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(vkFile); err != nil {
		return fmt.Errorf("circuit: read verification key: %w", err)
	}

	p.cs, p.pk, p.vk = cs, pk, vk
	p.img = computeImageID(cs)
	p.initialized = true
	return nil
}

// SaveKeys persists the compiled constraint system and key pair to disk.
func (p *Prover) SaveKeys(csPath, pkPath, vkPath string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.initialized {
		return errors.New("circuit: prover not initialized")
	}

	csFile, err := os.Create(csPath)
	if err != nil {
		return fmt.Errorf("circuit: create constraint system file: %w", err)
	}
	defer csFile.Close()
	if _, err := p.cs.WriteTo(csFile); err != nil {
		return fmt.Errorf("circuit: write constraint system: %w", err)
	}

	pkFile, err := os.Create(pkPath)
	if err != nil {
		return fmt.Errorf("circuit: create proving key file: %w", err)
	}
	defer pkFile.Close()
	if _, err := p.pk.WriteTo(pkFile); err != nil {
		return fmt.Errorf("circuit: write proving key: %w", err)
	}

	vkFile, err := os.Create(vkPath)
	if err != nil {
		return fmt.Errorf("circuit: create verification key file: %w", err)
	}
	defer vkFile.Close()
	if _, err := p.vk.WriteTo(vkFile); err != nil {
		return fmt.Errorf("circuit: write verification key: %w", err)
	}

	return nil
}

// ImageID identifies this prover's compiled circuit. The gateway refuses
// to run settlement if this does not match the chain contract's
// recorded image id, so a mismatched circuit version can never settle a
// claim the contract wasn't built to verify.
func (p *Prover) ImageID() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.initialized {
		return "", errors.New("circuit: prover not initialized")
	}
	return p.img, nil
}

func computeImageID(cs constraint.ConstraintSystem) string {
	h := sha256.New()
	_, _ = cs.WriteTo(h)
	return hex.EncodeToString(h.Sum(nil))
}

// BuildClaimsFromInput re-derives settlement claims from a set of
// confirmed rounds. Every round's request and confirm signatures are
// verified natively against the client's public key before it
// contributes to a claim; unverifiable rounds are dropped rather than
// failing the whole batch, since a single malformed round should not
// block settlement for every other client.
func BuildClaimsFromInput(input wire.Input) ([]wire.Claim, error) {
	pks := make([]wire.PublicKey, 0, len(input.Rounds))
	for pk := range input.Rounds {
		pks = append(pks, pk)
	}
	sort.Slice(pks, func(i, j int) bool {
		return pks[i].Hex() < pks[j].Hex()
	})

	claims := make([]wire.Claim, 0, len(pks))
	for _, pk := range pks {
		rounds := input.Rounds[pk]
		sort.Slice(rounds, func(i, j int) bool { return rounds[i].Request.Msg.Seq < rounds[j].Request.Msg.Seq })

		var startSeq uint32
		var count uint32
		var tokens uint64
		for _, r := range rounds {
			if err := wire.VerifyRequest(pk, r.Request); err != nil {
				continue
			}
			if err := wire.VerifyConfirm(pk, r.Confirm); err != nil {
				continue
			}
			if count == 0 {
				startSeq = r.Request.Msg.Seq
			} else if r.Request.Msg.Seq != startSeq+count {
				// Non-contiguous: stop this claim here, the remaining
				// rounds settle on a future tick.
				break
			}
			count++
			tokens += uint64(r.Confirm.Msg.InputTokens) + uint64(r.Confirm.Msg.RespTokens)
		}

		if count == 0 {
			continue
		}
		claims = append(claims, wire.Claim{
			PK:             pk,
			StartSeq:       startSeq,
			Rounds:         count,
			TokensConsumed: tokens,
		})
	}
	return claims, nil
}

// Prove generates a Groth16 proof that claims is arithmetically
// consistent with the per-round token deltas in rounds, returning the
// flat 48-byte-per-claim journal and the serialized proof (seal) ready
// for submission to the chain contract alongside ImageID.
func (p *Prover) Prove(claims []wire.Claim, rounds map[wire.PublicKey][]wire.Round) ([]byte, []byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.initialized {
		return nil, nil, errors.New("circuit: prover not initialized")
	}
	if len(claims) > MaxClaimsPerBatch {
		return nil, nil, fmt.Errorf("circuit: batch of %d claims exceeds capacity %d", len(claims), MaxClaimsPerBatch)
	}

	var assignment SettlementCircuit
	journal := make([]byte, 0, len(claims)*wire.ClaimSize)

	for i, claim := range claims {
		journal = append(journal, claim.MarshalBinary()...)

		assignment.Active[i] = 1
		low, high := pkLimbs(claim.PK)
		assignment.Claims[i].PKCommitment = new(big.Int).Add(low, new(big.Int).Mul(high, big.NewInt(7)))
		assignment.Claims[i].PKLow = low
		assignment.Claims[i].PKHigh = high
		assignment.Claims[i].StartSeq = claim.StartSeq
		assignment.Claims[i].Rounds = claim.Rounds
		assignment.Claims[i].TokensConsumed = claim.TokensConsumed

		if claim.Rounds > MaxRoundsPerClaim {
			return nil, nil, fmt.Errorf("circuit: claim for %s spans %d rounds, exceeds capacity %d", claim.PK.Hex(), claim.Rounds, MaxRoundsPerClaim)
		}
		bySeq := roundsBySeq(rounds[claim.PK])
		for j := uint32(0); j < claim.Rounds; j++ {
			r, ok := bySeq[claim.StartSeq+j]
			if !ok {
				return nil, nil, fmt.Errorf("circuit: claim for %s missing round seq %d", claim.PK.Hex(), claim.StartSeq+j)
			}
			assignment.Claims[i].RoundLive[j] = 1
			assignment.Claims[i].RoundToken[j] = uint64(r.Confirm.Msg.InputTokens) + uint64(r.Confirm.Msg.RespTokens)
		}
		for j := claim.Rounds; j < MaxRoundsPerClaim; j++ {
			assignment.Claims[i].RoundLive[j] = 0
			assignment.Claims[i].RoundToken[j] = 0
		}
	}
	for i := len(claims); i < MaxClaimsPerBatch; i++ {
		assignment.Active[i] = 0
		assignment.Claims[i].PKCommitment = 0
		assignment.Claims[i].PKLow = 0
		assignment.Claims[i].PKHigh = 0
		assignment.Claims[i].StartSeq = 0
		assignment.Claims[i].Rounds = 0
		assignment.Claims[i].TokensConsumed = 0
		for j := 0; j < MaxRoundsPerClaim; j++ {
			assignment.Claims[i].RoundLive[j] = 0
			assignment.Claims[i].RoundToken[j] = 0
		}
	}

	witnessData, err := frontend.NewWitness(&assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, nil, fmt.Errorf("circuit: build witness: %w", err)
	}

	proof, err := groth16.Prove(p.cs, p.pk, witnessData)
	if err != nil {
		return nil, nil, fmt.Errorf("circuit: prove: %w", err)
	}

	seal, err := serializeProof(proof)
	if err != nil {
		return nil, nil, fmt.Errorf("circuit: serialize proof: %w", err)
	}

	return journal, seal, nil
}

// roundsBySeq indexes a client's rounds by their request sequence number.
// BuildClaimsFromInput can drop a round with a bad signature before a
// later contiguous run becomes the claim (e.g. seq 1 bad, seq 2-4 valid
// -> StartSeq=2, Rounds=3), so a claim's rounds are never assumed to sit
// at physical slice positions [0, Rounds) - each is looked up by its
// actual seq instead.
func roundsBySeq(rs []wire.Round) map[uint32]wire.Round {
	out := make(map[uint32]wire.Round, len(rs))
	for _, r := range rs {
		out[r.Request.Msg.Seq] = r
	}
	return out
}

func pkLimbs(pk wire.PublicKey) (*big.Int, *big.Int) {
	low := new(big.Int).SetBytes(pk[16:])
	high := new(big.Int).SetBytes(pk[:16])
	return low, high
}

func serializeProof(proof groth16.Proof) ([]byte, error) {
	bn254Proof, ok := proof.(*groth16bn254.Proof)
	if !ok {
		return nil, errors.New("circuit: proof is not BN254 type")
	}
	var buf []byte
	w := &sliceWriter{buf: &buf}
	if _, err := bn254Proof.WriteTo(w); err != nil {
		return nil, err
	}
	return buf, nil
}

// sliceWriter adapts a byte slice to io.Writer for gnark's WriterTo.
type sliceWriter struct {
	buf *[]byte
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
