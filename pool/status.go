package pool

import "time"

// State is one of the five FSM states a task can occupy.
type State string

const (
	Registered     State = "registered"
	WorkInProgress State = "work_in_progress"
	Success        State = "success"
	Failed         State = "failed"
	Cancelled      State = "cancelled"
)

// Terminal reports whether State is one from which the FSM does not
// transition except by explicit re-submission.
func (s State) Terminal() bool {
	return s == Success || s == Failed || s == Cancelled
}

// Status is the current FSM value for a key, carrying the data associated
// with Success/Failed outcomes.
type Status struct {
	State State `json:"state"`
	// Proof is set only when State == Success.
	Proof *Proof `json:"proof,omitempty"`
	// Reason is set only when State == Failed; always human-readable per
	// spec.md §7 ("Terminal Failed states always carry a human-readable
	// reason").
	Reason string `json:"reason,omitempty"`
}

// Proof is the settlement-ready output of a successful proving job.
type Proof struct {
	Proof     []byte          `json:"proof"`
	Input     common32        `json:"input"`
	Quote     string          `json:"quote,omitempty"`
	UUID      string          `json:"uuid,omitempty"`
	KZGProof  []byte          `json:"kzg_proof,omitempty"`
	ExtraData *ProofCarryData `json:"extra_data,omitempty"`
}

// common32 is a 32-byte digest; defined locally to avoid importing
// core/types just for this field's type.
type common32 = [32]byte

// ProofCarryData is the opaque side-channel threaded from a per-block proof
// into the aggregation that consumes it. Per spec.md §9 it is a write-once
// annotation: once set on a Proof it is never mutated, only read.
type ProofCarryData struct {
	ProposalID          uint64   `json:"proposal_id"`
	ProposalHash        [32]byte `json:"proposal_hash"`
	ParentProposalHash  [32]byte `json:"parent_proposal_hash"`
	ParentBlockHash     [32]byte `json:"parent_block_hash"`
	ChainID             uint64   `json:"chain_id"`
	Verifier            [20]byte `json:"verifier"`
	ActualProver        [20]byte `json:"actual_prover"`
	CheckpointBlockHash [32]byte `json:"checkpoint_block_hash"`
}

// StatusWithContext pairs a status with the UTC timestamp it was recorded
// at.
type StatusWithContext struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func newStatusWithContext(s Status) StatusWithContext {
	return StatusWithContext{Status: s, Timestamp: time.Now().UTC()}
}

// RequestEntity is the immutable input-parameters record matching a
// RequestKey. A given instance only populates the fields its Kind uses:
// SingleProof/BatchProof use BlockNumbers/L1Network/L2Network/Graffiti/
// Prover/BlobProofType/ProverArgs; Aggregation/ShastaAggregation instead
// carry the already-produced per-block Proofs (and, for Shasta, the
// CarryData chain those proofs annotate) to combine.
type RequestEntity struct {
	BlockNumbers  []uint64          `json:"block_numbers,omitempty"`
	L1Network     string            `json:"l1_network,omitempty"`
	L2Network     string            `json:"l2_network,omitempty"`
	Graffiti      string            `json:"graffiti,omitempty"`
	Prover        string            `json:"prover,omitempty"`
	BlobProofType string            `json:"blob_proof_type,omitempty"`
	ProverArgs    map[string]string `json:"prover_args,omitempty"`

	// Aggregation / ShastaAggregation
	Proofs    []Proof          `json:"proofs,omitempty"`
	CarryData []ProofCarryData `json:"carry_data,omitempty"`
}
