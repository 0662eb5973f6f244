package protocol

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func chain(chainID uint64, verifier, prover common.Address, proposalIDs []uint64, hashes []common.Hash) []ShastaProofCarryData {
	out := make([]ShastaProofCarryData, len(proposalIDs))
	for i, id := range proposalIDs {
		var parentHash, parentBlockHash common.Hash
		if i > 0 {
			parentHash = hashes[i-1]
			parentBlockHash = hashes[i-1]
		}
		out[i] = ShastaProofCarryData{
			ProposalID:          id,
			ProposalHash:        hashes[i],
			ParentProposalHash:  parentHash,
			ParentBlockHash:     parentBlockHash,
			CheckpointBlockHash: hashes[i],
			ChainID:             chainID,
			Verifier:            verifier,
			ActualProver:        prover,
		}
	}
	return out
}

func h(b byte) common.Hash {
	var out common.Hash
	out[31] = b
	return out
}

func TestValidateShastaProofCarryDataVecValidChain(t *testing.T) {
	chainID := uint64(1)
	verifier := common.HexToAddress("0x1")
	prover := common.HexToAddress("0x2")
	xs := chain(chainID, verifier, prover, []uint64{10, 11, 12}, []common.Hash{h(1), h(2), h(3)})

	if !ValidateShastaProofCarryDataVec(xs) {
		t.Fatalf("expected valid chain to validate")
	}
}

func TestValidateShastaProofCarryDataVecRejectsBrokenProposalHashLink(t *testing.T) {
	chainID := uint64(1)
	verifier := common.HexToAddress("0x1")
	prover := common.HexToAddress("0x2")
	xs := chain(chainID, verifier, prover, []uint64{10, 11}, []common.Hash{h(1), h(2)})
	// Break the link: next.parent_proposal_hash != prev.proposal_hash
	xs[1].ParentProposalHash = h(99)

	if ValidateShastaProofCarryDataVec(xs) {
		t.Fatalf("expected broken proposal-hash link to invalidate the chain")
	}
}

func TestValidateShastaProofCarryDataVecRejectsNonContiguousProposalID(t *testing.T) {
	chainID := uint64(1)
	verifier := common.HexToAddress("0x1")
	prover := common.HexToAddress("0x2")
	xs := chain(chainID, verifier, prover, []uint64{10, 12}, []common.Hash{h(1), h(2)})

	if ValidateShastaProofCarryDataVec(xs) {
		t.Fatalf("expected non-contiguous proposal id to invalidate the chain")
	}
}

func TestValidateShastaProofCarryDataVecRejectsEmpty(t *testing.T) {
	if ValidateShastaProofCarryDataVec(nil) {
		t.Fatalf("expected empty input to be invalid")
	}
}

func TestValidateShastaProofCarryDataVecRejectsSingleElement(t *testing.T) {
	xs := chain(1, common.HexToAddress("0x1"), common.HexToAddress("0x2"), []uint64{10}, []common.Hash{h(1)})
	if ValidateShastaProofCarryDataVec(xs) {
		t.Fatalf("expected single-element input to be invalid")
	}
}

func TestValidateShastaProofCarryDataVecRejectsMixedProver(t *testing.T) {
	chainID := uint64(1)
	verifier := common.HexToAddress("0x1")
	xs := chain(chainID, verifier, common.HexToAddress("0x2"), []uint64{10, 11}, []common.Hash{h(1), h(2)})
	xs[1].ActualProver = common.HexToAddress("0x3")

	if ValidateShastaProofCarryDataVec(xs) {
		t.Fatalf("expected mismatched actual_prover to invalidate the chain")
	}
}

func TestAggregateCommitmentDeterministic(t *testing.T) {
	in := AggregateCommitmentInput{
		FirstProposalID:              1,
		FirstProposalParentBlockHash: h(1),
		LastProposalHash:             h(2),
		ActualProver:                 common.HexToAddress("0x1"),
		EndBlockNumber:               100,
		EndStateRoot:                 h(3),
		Transitions: []Transition{
			{ParentHash: h(1), BlockHash: h(2), StateRoot: h(3)},
		},
		ChainID:  167000,
		Verifier: common.HexToAddress("0x2"),
	}

	c1, err := AggregateCommitment(in)
	if err != nil {
		t.Fatalf("AggregateCommitment: %v", err)
	}
	c2, err := AggregateCommitment(in)
	if err != nil {
		t.Fatalf("AggregateCommitment: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("expected deterministic commitment")
	}

	in.EndBlockNumber = 101
	c3, err := AggregateCommitment(in)
	if err != nil {
		t.Fatalf("AggregateCommitment: %v", err)
	}
	if c3 == c1 {
		t.Fatalf("expected different end block number to change the commitment")
	}
}
