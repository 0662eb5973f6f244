package protocol

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/taikoxyz/raiko-go/pool"
)

// ShastaProofCarryData is the per-block proof's carry-data in the shape
// the chain-validity check consumes, mirroring pool.ProofCarryData but
// named for this package's own documentation clarity.
type ShastaProofCarryData = pool.ProofCarryData

// ValidateShastaProofCarryDataVec implements spec.md §4.5's
// validate_shasta_proof_carry_data_vec: for each adjacent pair, proposal_id
// is contiguous, proposal-hash links, checkpoints link, and chain_id /
// verifier / actual_prover are constant across the whole vector. Empty or
// single-element inputs are invalid (spec.md: "Empty ... inputs are
// invalid").
func ValidateShastaProofCarryDataVec(xs []ShastaProofCarryData) bool {
	if len(xs) < 2 {
		return false
	}
	for i := 0; i+1 < len(xs); i++ {
		prev, next := xs[i], xs[i+1]

		if prev.ProposalID+1 != next.ProposalID {
			return false
		}
		if prev.ProposalHash != next.ParentProposalHash {
			return false
		}
		if prev.ChainID != next.ChainID {
			return false
		}
		if prev.Verifier != next.Verifier {
			return false
		}
		if prev.CheckpointBlockHash != next.ParentBlockHash {
			return false
		}
		if prev.ActualProver != next.ActualProver {
			return false
		}
	}
	return true
}

// AggregateCommitmentInput is commitment_fields from spec.md §4.5.
type AggregateCommitmentInput struct {
	FirstProposalID             uint64
	FirstProposalParentBlockHash common.Hash
	LastProposalHash            common.Hash
	ActualProver                common.Address
	EndBlockNumber               uint64
	EndStateRoot                common.Hash
	Transitions                 []Transition
	ChainID                     uint64
	Verifier                    common.Address
	SGXInstance                 common.Address
}

// AggregateCommitment computes
// keccak(commitment_fields || chain_id || verifier || sgx_instance).
func AggregateCommitment(in AggregateCommitmentInput) (common.Hash, error) {
	transitionTupleType, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "parentHash", Type: "bytes32"},
		{Name: "blockHash", Type: "bytes32"},
		{Name: "stateRoot", Type: "bytes32"},
		{Name: "graffiti", Type: "bytes32"},
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("protocol: build transition tuple type: %w", err)
	}

	type transitionTuple struct {
		ParentHash common.Hash
		BlockHash  common.Hash
		StateRoot  common.Hash
		Graffiti   common.Hash
	}
	tuples := make([]transitionTuple, len(in.Transitions))
	for i, t := range in.Transitions {
		tuples[i] = transitionTuple{ParentHash: t.ParentHash, BlockHash: t.BlockHash, StateRoot: t.StateRoot, Graffiti: t.Graffiti}
	}

	packed, err := abi.Arguments{
		{Type: mustType("uint64")},
		{Type: mustType("bytes32")},
		{Type: mustType("bytes32")},
		{Type: mustType("address")},
		{Type: mustType("uint64")},
		{Type: mustType("bytes32")},
		{Type: transitionTupleType},
		{Type: mustType("uint64")},
		{Type: mustType("address")},
		{Type: mustType("address")},
	}.Pack(
		in.FirstProposalID, in.FirstProposalParentBlockHash, in.LastProposalHash, in.ActualProver,
		in.EndBlockNumber, in.EndStateRoot, tuples,
		in.ChainID, in.Verifier, in.SGXInstance,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("protocol: pack aggregate commitment: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}
