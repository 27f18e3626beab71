package submitter

import (
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
)

const (
	// DefaultComputeUnits is the limit used when no measured value is available.
	DefaultComputeUnits uint32 = 400_000 + 25_000

	// PriorityFeeTarget is the total prioritization fee, in micro-lamports,
	// spread over the compute unit limit.
	PriorityFeeTarget uint64 = 10_000 * 1_000_000
)

// ComputeBudget is the pair of budget values prepended to a transaction.
type ComputeBudget struct {
	Units         uint32
	MicroLamports uint64
}

// NewComputeBudget derives the unit price from a limit so the total
// prioritization fee stays at PriorityFeeTarget. A zero limit selects
// DefaultComputeUnits.
func NewComputeBudget(units uint32) ComputeBudget {
	if units == 0 {
		units = DefaultComputeUnits
	}
	return ComputeBudget{
		Units:         units,
		MicroLamports: ComputeUnitPrice(units),
	}
}

// ComputeUnitPrice returns ceil(PriorityFeeTarget / units).
func ComputeUnitPrice(units uint32) uint64 {
	if units == 0 {
		units = DefaultComputeUnits
	}
	u := uint64(units)
	return (PriorityFeeTarget + u - 1) / u
}

// unitsFromSimulation picks the limit for the final transaction. Missing or
// zero measurements fall back to the default.
func unitsFromSimulation(sim Simulation) uint32 {
	if sim.UnitsConsumed == nil || *sim.UnitsConsumed == 0 {
		return DefaultComputeUnits
	}
	if *sim.UnitsConsumed > computebudget.MAX_COMPUTE_UNIT_LIMIT {
		return computebudget.MAX_COMPUTE_UNIT_LIMIT
	}
	return uint32(*sim.UnitsConsumed)
}

// Instructions returns the two compute budget instructions, limit first.
func (b ComputeBudget) Instructions() []solana.Instruction {
	return []solana.Instruction{
		computebudget.NewSetComputeUnitLimitInstruction(b.Units).Build(),
		computebudget.NewSetComputeUnitPriceInstruction(b.MicroLamports).Build(),
	}
}

// buildTransaction lays out [limit, price] ++ operations for feePayer.
func buildTransaction(operations []solana.Instruction, feePayer solana.PublicKey, blockhash solana.Hash, budget ComputeBudget) (*solana.Transaction, error) {
	instructions := make([]solana.Instruction, 0, len(operations)+2)
	instructions = append(instructions, budget.Instructions()...)
	instructions = append(instructions, operations...)

	return solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(feePayer))
}
