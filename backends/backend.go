// Package backends implements the uniform ProverBackend contract described
// in spec.md §5 over three heterogeneous transports: a local SGX
// subprocess, a remote HTTP proving agent (RISC0/Zisk/Brevis), and the
// Boundless on-chain proof market.
package backends

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/taikoxyz/raiko-go/chainspec"
	"github.com/taikoxyz/raiko-go/guestinput"
	"github.com/taikoxyz/raiko-go/pool"
	"github.com/taikoxyz/raiko-go/protocol"
)

// BatchRunRequest is what ProverBackend.BatchRun consumes: one or more
// GuestInputs plus the proof type and prover-specific arguments carried on
// the originating RequestKey/RequestEntity.
type BatchRunRequest struct {
	Key        pool.RequestKey
	Inputs     []*guestinput.GuestInput
	ProverArgs map[string]string
	Graffiti   string
}

// BatchRunResult is a completed single/batch proof.
type BatchRunResult struct {
	Proof    pool.Proof
	CarryData *pool.ProofCarryData
}

// AggregateRequest bundles the per-block proofs an aggregation job combines.
type AggregateRequest struct {
	Key    pool.RequestKey
	Proofs []pool.Proof
}

// ShastaAggregateRequest additionally carries the proof-carry-data chain an
// aggregation must validate before combining (spec.md §4.5).
type ShastaAggregateRequest struct {
	Key    pool.RequestKey
	Proofs []pool.Proof
	Carry  []pool.ProofCarryData
}

// ProverBackend is the contract every backend family implements, letting
// the orchestrator treat local SGX, remote HTTP agents, and the Boundless
// market identically (spec.md §5).
type ProverBackend interface {
	// ProofType identifies which pool.ProofType this backend instance
	// serves; the orchestrator uses it to route jobs.
	ProofType() pool.ProofType

	// BatchRun executes (or submits and awaits) a single/batch proof job.
	BatchRun(ctx context.Context, req BatchRunRequest) (BatchRunResult, error)

	// Aggregate combines per-block proofs into one aggregate proof.
	Aggregate(ctx context.Context, req AggregateRequest) (BatchRunResult, error)

	// ShastaAggregate additionally validates the proof-carry-data chain
	// before combining (spec.md §4.5's adjacent-pair linking).
	ShastaAggregate(ctx context.Context, req ShastaAggregateRequest) (BatchRunResult, error)

	// Cancel best-effort cancels an in-flight job for key. Backends whose
	// transport has no cancel primitive (e.g. a synchronous local
	// subprocess already past its point of no return) may no-op.
	Cancel(ctx context.Context, key pool.RequestKey) error
}

// publicInputHashFor computes the public-input hash a SingleProof/BatchProof
// job's backend output must match (spec.md §4.5), from the BlockMetadata
// preflight already resolved onto the GuestInput. It only covers the
// single-block case: a batch of more than one input has no single
// Transition to hash against, and Shasta additionally needs the
// proposal-hash chain from ProofCarryData rather than a bare GuestInput, so
// both are left for the caller to leave Proof.Input unset.
func publicInputHashFor(key pool.RequestKey, inputs []*guestinput.GuestInput, proverArgs map[string]string, graffiti string) (common.Hash, bool) {
	if len(inputs) != 1 || inputs[0].Fork == chainspec.Shasta {
		return common.Hash{}, false
	}
	gi := inputs[0]
	inst := protocol.Instance{
		ChainID:     key.ChainID,
		Verifier:    common.HexToAddress(proverArgs["verifier"]),
		Prover:      key.ProverAddress,
		SGXInstance: common.HexToAddress(proverArgs["sgx_instance"]),
		Meta:        gi.Taiko.Meta,
	}
	transition := protocol.Transition{
		ParentHash: gi.ParentHeader.Hash(),
		BlockHash:  gi.Block.Hash(),
		StateRoot:  gi.Block.Header().Root,
		Graffiti:   graffitiHash(graffiti),
	}
	hash, err := protocol.PublicInputHash(gi.Fork, inst, transition)
	if err != nil {
		return common.Hash{}, false
	}
	return hash, true
}

// graffitiHash turns the free-form graffiti string carried on a request
// into the bytes32 protocol.Transition.Graffiti expects: a hex string (with
// or without 0x) is right-aligned into the digest the way a short address
// or selector would be; anything else is keccak-hashed.
func graffitiHash(s string) common.Hash {
	if s == "" {
		return common.Hash{}
	}
	hexStr := s
	if !strings.HasPrefix(hexStr, "0x") && !strings.HasPrefix(hexStr, "0X") {
		hexStr = "0x" + hexStr
	}
	if b, err := hexutil.Decode(hexStr); err == nil && len(b) <= 32 {
		var h common.Hash
		copy(h[32-len(b):], b)
		return h
	}
	return crypto.Keccak256Hash([]byte(s))
}
