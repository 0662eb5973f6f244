package protocol

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/taikoxyz/raiko-go/chainspec"
)

// Transition is the minimal commitment to "this L2 block extended its
// parent to this state."
type Transition struct {
	ParentHash common.Hash
	BlockHash  common.Hash
	StateRoot  common.Hash
	Graffiti   common.Hash // zero for forks that don't commit graffiti
}

// PacayaTransition drops Graffiti, per spec.md §4.5's per-fork field table.
type PacayaTransition struct {
	ParentHash common.Hash
	BlockHash  common.Hash
	StateRoot  common.Hash
}

// Checkpoint is the Shasta {blockNumber, blockHash, stateRoot} triple.
type Checkpoint struct {
	BlockNumber uint64
	BlockHash   common.Hash
	StateRoot   common.Hash
}

// BlockMetadata is the fork-specific struct whose keccak(ABI(...)) is
// meta_hash — the primary "did we prove the right block" gate: it must
// match the propose-event payload's encoding byte-for-byte.
type BlockMetadata struct {
	L1Hash      common.Hash
	Difficulty  common.Hash
	BlobHash    common.Hash
	ExtraData   common.Hash
	Coinbase    common.Address
	BlockID     uint64
	GasLimit    uint32
	Timestamp   uint64
	L1Height    uint64
}

// packedMetaFields is the ABI argument list used to encode BlockMetadata;
// shared across forks since the spec only varies field presence elsewhere.
var packedMetaFields = abi.Arguments{
	{Type: mustType("bytes32")}, // l1Hash
	{Type: mustType("bytes32")}, // difficulty
	{Type: mustType("bytes32")}, // blobHash
	{Type: mustType("bytes32")}, // extraData
	{Type: mustType("address")}, // coinbase
	{Type: mustType("uint64")},  // blockId
	{Type: mustType("uint32")},  // gasLimit
	{Type: mustType("uint64")},  // timestamp
	{Type: mustType("uint64")},  // l1Height
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("protocol: bad abi type %q: %v", t, err))
	}
	return typ
}

// MetaHash computes keccak(abi_encode(BlockMetadata)).
func MetaHash(m BlockMetadata) (common.Hash, error) {
	packed, err := packedMetaFields.Pack(
		m.L1Hash, m.Difficulty, m.BlobHash, m.ExtraData, m.Coinbase,
		m.BlockID, m.GasLimit, m.Timestamp, m.L1Height,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("protocol: abi-encode block metadata: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// Instance bundles the per-block facts ProtocolInstance needs to compute
// the public-input hash.
type Instance struct {
	ChainID    uint64
	Verifier   common.Address
	Prover     common.Address
	SGXInstance common.Address // zero for non-SGX tiers
	Meta       BlockMetadata
}

// PublicInputHash computes the public-input hash for the given fork,
// per the table in spec.md §4.5.
func PublicInputHash(fork chainspec.Fork, inst Instance, transition Transition) (common.Hash, error) {
	metaHash, err := MetaHash(inst.Meta)
	if err != nil {
		return common.Hash{}, err
	}

	switch fork {
	case chainspec.Hekla, chainspec.Ontake:
		packed, err := abi.Arguments{
			{Type: mustType("string")},
			{Type: mustType("uint64")},
			{Type: mustType("address")},
			{Type: mustType("bytes32")}, // parentHash
			{Type: mustType("bytes32")}, // blockHash
			{Type: mustType("bytes32")}, // stateRoot
			{Type: mustType("bytes32")}, // graffiti
			{Type: mustType("address")}, // sgxInstance
			{Type: mustType("address")}, // prover
			{Type: mustType("bytes32")}, // metaHash
		}.Pack(
			"VERIFY_PROOF", inst.ChainID, inst.Verifier,
			transition.ParentHash, transition.BlockHash, transition.StateRoot, transition.Graffiti,
			inst.SGXInstance, inst.Prover, metaHash,
		)
		if err != nil {
			return common.Hash{}, fmt.Errorf("protocol: pack hekla/ontake public input: %w", err)
		}
		return crypto.Keccak256Hash(packed), nil

	case chainspec.Pacaya:
		packed, err := abi.Arguments{
			{Type: mustType("string")},
			{Type: mustType("uint64")},
			{Type: mustType("address")},
			{Type: mustType("bytes32")}, // parentHash
			{Type: mustType("bytes32")}, // blockHash
			{Type: mustType("bytes32")}, // stateRoot
			{Type: mustType("address")}, // sgxInstance
			{Type: mustType("bytes32")}, // metaHash
		}.Pack(
			"VERIFY_PROOF", inst.ChainID, inst.Verifier,
			transition.ParentHash, transition.BlockHash, transition.StateRoot,
			inst.SGXInstance, metaHash,
		)
		if err != nil {
			return common.Hash{}, fmt.Errorf("protocol: pack pacaya public input: %w", err)
		}
		return crypto.Keccak256Hash(packed), nil

	default:
		return common.Hash{}, fmt.Errorf("protocol: fork %s does not use PublicInputHash, use ShastaPublicInputHash", fork)
	}
}

// ShastaTransitionInput is the transition_input struct fed to
// hash_shasta_subproof_input.
type ShastaTransitionInput struct {
	ProposalID         uint64
	ProposalHash       common.Hash
	ParentProposalHash common.Hash
	ParentBlockHash    common.Hash
	ActualProver       common.Address
	Transition         Transition
	Checkpoint         Checkpoint
}

// ShastaPublicInputHash computes hash_shasta_subproof_input({chain_id,
// verifier, transition_input}).
func ShastaPublicInputHash(chainID uint64, verifier common.Address, input ShastaTransitionInput) (common.Hash, error) {
	packed, err := abi.Arguments{
		{Type: mustType("uint64")},
		{Type: mustType("address")},
		{Type: mustType("uint64")},  // proposalId
		{Type: mustType("bytes32")}, // proposalHash
		{Type: mustType("bytes32")}, // parentProposalHash
		{Type: mustType("bytes32")}, // parentBlockHash
		{Type: mustType("address")}, // actualProver
		{Type: mustType("bytes32")}, // transition.parentHash
		{Type: mustType("bytes32")}, // transition.blockHash
		{Type: mustType("bytes32")}, // transition.stateRoot
		{Type: mustType("uint64")},  // checkpoint.blockNumber
		{Type: mustType("bytes32")}, // checkpoint.blockHash
		{Type: mustType("bytes32")}, // checkpoint.stateRoot
	}.Pack(
		chainID, verifier,
		input.ProposalID, input.ProposalHash, input.ParentProposalHash, input.ParentBlockHash, input.ActualProver,
		input.Transition.ParentHash, input.Transition.BlockHash, input.Transition.StateRoot,
		input.Checkpoint.BlockNumber, input.Checkpoint.BlockHash, input.Checkpoint.StateRoot,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("protocol: pack shasta subproof input: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}
