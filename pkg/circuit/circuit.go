// Copyright 2025 Certen Protocol
//
// Settlement ZK circuit definition.
//
// This circuit proves that a batch of settlement claims is arithmetically
// consistent with a set of per-round token deltas: for each active claim,
// the public key limbs fold into PKCommitment, the live round slots form
// a prefix, their count equals Rounds, and their token deltas sum to
// TokensConsumed. StartSeq is a public input that no constraint refers
// to, and the circuit holds no sequence numbers: sequence contiguity is
// checked outside the circuit, by BuildClaimsFromInput and by Prove's
// per-seq round lookup (see prover.go). Ed25519 signatures are likewise
// verified natively by BuildClaimsFromInput, not inside the circuit;
// proving full Ed25519 verification inside a BN254 arithmetic circuit is
// prohibitively expensive (it requires emulated non-native field
// arithmetic for the twisted Edwards curve).
//
// Uses gnark for ZK-SNARK circuit definition (Groth16 proving system).
package circuit

import (
	"github.com/consensys/gnark/frontend"
)

// MaxClaimsPerBatch bounds how many distinct clients a single settlement
// proof can cover. settlement.Loop truncates a larger batch to this size;
// the remaining clients settle on a later tick.
const MaxClaimsPerBatch = 8

// MaxRoundsPerClaim bounds how many confirmed rounds a single claim can
// aggregate in one proof.
const MaxRoundsPerClaim = 32

// roundMixer is the fixed linear-combination coefficient used to fold
// the two public key limbs into PKCommitment (Prove uses the same 7).
var roundMixer = frontend.Variable(7)

// ClaimCircuit is one client's contribution to a SettlementCircuit.
type ClaimCircuit struct {
	// Public inputs.
	PKCommitment   frontend.Variable `gnark:",public"`
	StartSeq       frontend.Variable `gnark:",public"`
	Rounds         frontend.Variable `gnark:",public"`
	TokensConsumed frontend.Variable `gnark:",public"`

	// Private inputs: the client's two-limb public key (folded into
	// PKCommitment) and, per round slot, the token delta and a flag for
	// whether the slot is part of this claim.
	PKLow      frontend.Variable
	PKHigh     frontend.Variable
	RoundToken [MaxRoundsPerClaim]frontend.Variable
	RoundLive  [MaxRoundsPerClaim]frontend.Variable
}

// SettlementCircuit proves a fixed-size batch of ClaimCircuit entries.
// Unused claim slots are zeroed and excluded via Active.
type SettlementCircuit struct {
	Claims [MaxClaimsPerBatch]ClaimCircuit
	Active [MaxClaimsPerBatch]frontend.Variable `gnark:",public"`
}

// Define implements the circuit constraints.
func (c *SettlementCircuit) Define(api frontend.API) error {
	for i := 0; i < MaxClaimsPerBatch; i++ {
		api.AssertIsBoolean(c.Active[i])
		claim := &c.Claims[i]

		computedPK := api.Add(claim.PKLow, api.Mul(claim.PKHigh, roundMixer))
		pkOK := api.IsZero(api.Sub(computedPK, claim.PKCommitment))
		api.AssertIsEqual(api.Select(c.Active[i], pkOK, 1), 1)

		total := frontend.Variable(0)
		liveCount := frontend.Variable(0)
		sawInactive := frontend.Variable(0)
		for j := 0; j < MaxRoundsPerClaim; j++ {
			api.AssertIsBoolean(claim.RoundLive[j])

			// Once a slot is inactive, every later slot in this claim
			// must also be inactive: liveness is a prefix.
			notLive := api.Sub(1, claim.RoundLive[j])
			api.AssertIsEqual(api.Mul(sawInactive, claim.RoundLive[j]), 0)
			sawInactive = api.Select(notLive, 1, sawInactive)

			total = api.Add(total, api.Mul(claim.RoundLive[j], claim.RoundToken[j]))
			liveCount = api.Add(liveCount, claim.RoundLive[j])
		}

		totalOK := api.IsZero(api.Sub(total, claim.TokensConsumed))
		api.AssertIsEqual(api.Select(c.Active[i], totalOK, 1), 1)

		countOK := api.IsZero(api.Sub(liveCount, claim.Rounds))
		api.AssertIsEqual(api.Select(c.Active[i], countOK, 1), 1)
	}
	return nil
}
