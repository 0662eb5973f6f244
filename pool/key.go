// Package pool implements the request pool: the typed key space, the
// write-once entity store, the status FSM, deduplication, and TTL-based
// expiry described in spec.md §4.6.
package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Kind tags which RequestKey variant is in play.
type Kind string

const (
	KindGuestInput         Kind = "guest_input"
	KindSingleProof        Kind = "single_proof"
	KindBatchGuestInput    Kind = "batch_guest_input"
	KindBatchProof         Kind = "batch_proof"
	KindAggregation        Kind = "aggregation"
	KindShastaAggregation  Kind = "shasta_aggregation"
	KindShastaGuestInput   Kind = "shasta_guest_input"
	KindShastaProof        Kind = "shasta_proof"
)

// ProofType identifies which backend family a SingleProof/BatchProof/
// Aggregation request targets.
type ProofType string

const (
	ProofTypeRisc0    ProofType = "risc0"
	ProofTypeSP1      ProofType = "sp1"
	ProofTypeSGX      ProofType = "sgx"
	ProofTypeZisk     ProofType = "zisk"
	ProofTypePico     ProofType = "pico"
	ProofTypeBoundless ProofType = "boundless"
)

// RequestKey uniquely identifies a task across the pool. Only the fields
// relevant to Kind are populated; callers should use the constructor
// functions below rather than building a RequestKey by hand, so an
// incomplete variant can never be mistaken for a different one.
type RequestKey struct {
	Kind Kind `json:"kind"`

	ChainID uint64 `json:"chain_id,omitempty"`

	// GuestInput / SingleProof
	BlockNumber uint64      `json:"block_number,omitempty"`
	BlockHash   common.Hash `json:"block_hash,omitempty"`

	// BatchGuestInput / BatchProof
	BatchID           uint64 `json:"batch_id,omitempty"`
	L1InclusionHeight uint64 `json:"l1_inclusion_height,omitempty"`

	// SingleProof / BatchProof / Aggregation / ShastaAggregation / ShastaProof
	ProofType ProofType `json:"proof_type,omitempty"`

	// SingleProof / BatchProof / ShastaProof
	ProverAddress common.Address `json:"prover_address,omitempty"`
	ImageID       string         `json:"image_id,omitempty"`

	// Aggregation / ShastaAggregation
	BlockNumbers []uint64 `json:"block_numbers,omitempty"`

	// ShastaGuestInput / ShastaProof
	ProposalID  uint64 `json:"proposal_id,omitempty"`
	L1Network   string `json:"l1_network,omitempty"`
	L2Network   string `json:"l2_network,omitempty"`
}

// GuestInputKey builds a GuestInput RequestKey.
func GuestInputKey(chainID, blockNumber uint64, blockHash common.Hash) RequestKey {
	return RequestKey{Kind: KindGuestInput, ChainID: chainID, BlockNumber: blockNumber, BlockHash: blockHash}
}

// SingleProofKey builds a SingleProof RequestKey.
func SingleProofKey(chainID, blockNumber uint64, blockHash common.Hash, pt ProofType, prover common.Address, imageID string) RequestKey {
	return RequestKey{
		Kind: KindSingleProof, ChainID: chainID, BlockNumber: blockNumber, BlockHash: blockHash,
		ProofType: pt, ProverAddress: prover, ImageID: imageID,
	}
}

// BatchGuestInputKey builds a BatchGuestInput RequestKey.
func BatchGuestInputKey(chainID, batchID, l1InclusionHeight uint64) RequestKey {
	return RequestKey{Kind: KindBatchGuestInput, ChainID: chainID, BatchID: batchID, L1InclusionHeight: l1InclusionHeight}
}

// BatchProofKey builds a BatchProof RequestKey.
func BatchProofKey(chainID, batchID, l1InclusionHeight uint64, pt ProofType, prover common.Address, imageID string) RequestKey {
	return RequestKey{
		Kind: KindBatchProof, ChainID: chainID, BatchID: batchID, L1InclusionHeight: l1InclusionHeight,
		ProofType: pt, ProverAddress: prover, ImageID: imageID,
	}
}

// AggregationKey builds an Aggregation RequestKey. A sorted copy of
// blockNumbers keeps the key canonical regardless of caller ordering; the
// caller's slice is not modified.
func AggregationKey(pt ProofType, blockNumbers []uint64, imageID string) RequestKey {
	sorted := append([]uint64(nil), blockNumbers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return RequestKey{Kind: KindAggregation, ProofType: pt, BlockNumbers: sorted, ImageID: imageID}
}

// ShastaAggregationKey builds a ShastaAggregation RequestKey.
func ShastaAggregationKey(pt ProofType, blockNumbers []uint64, imageID string) RequestKey {
	sorted := append([]uint64(nil), blockNumbers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return RequestKey{Kind: KindShastaAggregation, ProofType: pt, BlockNumbers: sorted, ImageID: imageID}
}

// ShastaGuestInputKey builds a ShastaGuestInput RequestKey.
func ShastaGuestInputKey(proposalID uint64, l1Network, l2Network string) RequestKey {
	return RequestKey{Kind: KindShastaGuestInput, ProposalID: proposalID, L1Network: l1Network, L2Network: l2Network}
}

// ShastaProofKey builds a ShastaProof RequestKey.
func ShastaProofKey(proposalID uint64, l1Network, l2Network string, prover common.Address, imageID string) RequestKey {
	return RequestKey{
		Kind: KindShastaProof, ProposalID: proposalID, L1Network: l1Network, L2Network: l2Network,
		ProverAddress: prover, ImageID: imageID,
	}
}

// String returns the canonical, deterministic storage key: a hash of the
// JSON-marshaled struct. JSON field order is stable (struct field order),
// so two RequestKeys with identical field values always produce the same
// string, which is the invariant both pool backends rely on for dedup.
func (k RequestKey) String() string {
	b, err := json.Marshal(k)
	if err != nil {
		// RequestKey contains no unmarshalable types; a failure here is a
		// programming error, not a runtime condition to recover from.
		panic(fmt.Sprintf("pool: marshal request key: %v", err))
	}
	sum := sha256.Sum256(b)
	return string(k.Kind) + ":" + hex.EncodeToString(sum[:])
}
