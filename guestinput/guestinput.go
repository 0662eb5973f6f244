// Package guestinput defines GuestInput, the deterministic re-execution
// payload described in spec.md §3, and the Taiko fork-specific sidecar that
// binds it to L1 state.
package guestinput

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/taikoxyz/raiko-go/chainspec"
	"github.com/taikoxyz/raiko-go/protocol"
)

// TrieNode is one raw RLP-encoded Merkle-Patricia trie node, pruned to only
// the nodes touched by execution.
type TrieNode []byte

// AccountStorage is the pruned storage sub-trie for one account.
type AccountStorage struct {
	Address common.Address
	Nodes   []TrieNode
}

// TaikoSidecar is the fork-specific data binding a GuestInput to a
// specific L1 proposal (spec.md §3).
type TaikoSidecar struct {
	L1AnchorHeader       *types.Header
	BlobUsed             bool
	TxListBytes          []byte // populated when !BlobUsed (raw calldata tx-list)
	BlobCommitment       []byte
	BlobProof            []byte
	BlobVersionedHash    common.Hash
	ProtocolEventPayload []byte // ABI-encoded BlockProposed/BatchProposed payload
	ProverIdentity       common.Address
	LastAnchorBlockNumber uint64

	// Meta is the fork's BlockMetadata as resolved during preflight,
	// carried through so a backend can compute protocol.PublicInputHash
	// without re-deriving it from the propose event itself
	// (protocol.ShastaPublicInputHash takes no BlockMetadata).
	Meta protocol.BlockMetadata

	// Shasta-only
	CheckpointBlockNumber uint64
	CheckpointBlockHash   common.Hash
	CheckpointStateRoot   common.Hash
	IsForceInclusion      bool
	IsFirstBlockInProposal bool
}

// GuestInput is the deterministic payload sufficient for an untrusted guest
// program to re-execute a block and verify post-state.
type GuestInput struct {
	Fork chainspec.Fork

	Block *types.Block

	ParentHeader    *types.Header
	AncestorHeaders []*types.Header // length <= chainspec.MaxAncestorHeaders, oldest last

	ParentStateTrieNodes []TrieNode
	ParentStorage        []AccountStorage

	Contracts map[common.Hash][]byte // keccak(code) -> code

	Taiko TaikoSidecar
}

// ChainContinuityValid checks the invariant that AncestorHeaders form an
// unbroken parent-hash chain, each within the last MaxAncestorHeaders
// blocks of Block.
func (gi *GuestInput) ChainContinuityValid() bool {
	if len(gi.AncestorHeaders) > chainspec.MaxAncestorHeaders {
		return false
	}
	if len(gi.AncestorHeaders) == 0 {
		return true
	}
	// AncestorHeaders[0] must be the parent of Block.
	if gi.AncestorHeaders[0].Hash() != gi.Block.ParentHash() {
		return false
	}
	for i := 0; i+1 < len(gi.AncestorHeaders); i++ {
		if gi.AncestorHeaders[i+1].Hash() != gi.AncestorHeaders[i].ParentHash {
			return false
		}
	}
	return true
}
