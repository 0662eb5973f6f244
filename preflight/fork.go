package preflight

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/taikoxyz/raiko-go/chainspec"
)

// mustType panics on a bad ABI type string; every call site here uses a
// fixed literal, so a failure is a programming error caught at init.
func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("preflight: bad abi type %q: %v", t, err))
	}
	return typ
}

func toHash(b [32]byte) common.Hash { return common.Hash(b) }

// AnchorData is what the anchor transaction (always tx index 0) decodes
// to, per spec.md §6: "Fields consumed: l1BlockId, l1StateRoot, plus
// (Pacaya) signalSlots, (Shasta) checkpoint{blockNumber, blockHash,
// stateRoot}." L1Hash is carried directly by Hekla/Ontake's anchor
// calldata; Pacaya/Shasta's anchorV3/anchorV4 drop it, so it is left zero
// here and resolved by the caller from the L1 block at L1BlockID instead.
type AnchorData struct {
	L1BlockID   uint64
	L1Hash      common.Hash
	L1StateRoot common.Hash
	SignalSlots [][32]byte // Pacaya only

	// Shasta only
	HasCheckpoint    bool
	CheckpointNumber uint64
	CheckpointHash   common.Hash
	CheckpointState  common.Hash
}

// ProposeEvent is the decoded propose-block/batch event payload, normalized
// across the BlockProposed / BlockProposedV2 / BatchProposed variants.
type ProposeEvent struct {
	BlockOrBatchID uint64
	BlobUsed       bool
	BlobHash       common.Hash
	TxListCalldata []byte // populated when !BlobUsed
	L1InclusionTime uint64
	RawPayload      []byte // the ABI-encoded payload, for BlockMetadata matching
}

// AnchorDecoder decodes the fork-specific anchor transaction calldata.
type AnchorDecoder interface {
	DecodeAnchor(tx *types.Transaction) (AnchorData, error)
}

// EventDecoder finds and decodes the propose-block/batch event matching a
// given L2 block/batch number, scanning logs already filtered by
// (address, block_hash, topic0).
type EventDecoder interface {
	// EventSignature is the keccak256 of the event signature string used
	// to build the (address, block_hash, topic0) filter.
	EventSignature() common.Hash
	// DecodeEvent unpacks one matching log into a ProposeEvent, returning
	// ok=false if this particular log's blockId/batchId does not match
	// wanted.
	DecodeEvent(log types.Log, wanted uint64) (event ProposeEvent, ok bool, err error)
}

// MetadataBuilder derives the fork's BlockMetadata-equivalent fields from
// a finalized header plus the matched propose event, for the meta_hash
// gate in package protocol. l1Hash/l1Height are not this interface's
// concern: they come straight off AnchorData (or, for Pacaya/Shasta whose
// anchor calldata carries no l1Hash, off the real L1 block the caller
// fetches), the same for every fork.
type MetadataBuilder interface {
	BuildMetadata(header *types.Header, event ProposeEvent) (difficulty, blobHash, extraData common.Hash, coinbase common.Address, gasLimit uint32, err error)
}

// GasLimitRule adds the fork's anchor-transaction gas budget to the
// header's gas-limit, or returns it unadjusted (Shasta), per spec.md §4.4
// step 2.
type GasLimitRule interface {
	AdjustGasLimit(headerGasLimit uint64) uint64
}

// ExtraSideData carries fork-specific side-data the pure executor must
// accept alongside the block itself (spec.md §4.4 step 2, Shasta case).
type ExtraSideData struct {
	LastAnchorBlockNumber  uint64
	IsForceInclusion       bool
	IsFirstBlockInProposal bool
}

// Strategy bundles everything that varies per fork, matching the "tagged
// variant with per-variant strategy objects" design note in spec.md §9 —
// no inheritance, just a struct of interchangeable parts.
type Strategy struct {
	Fork            chainspec.Fork
	AnchorDecoder   AnchorDecoder
	EventDecoder    EventDecoder
	MetadataBuilder MetadataBuilder
	GasLimitRule    GasLimitRule
	ExtraSideData   func(anchor AnchorData) ExtraSideData
}

// preForkGasLimitRule is shared by Hekla/Ontake/Pacaya: add the constant
// anchor gas-limit budget.
type preForkGasLimitRule struct{}

func (preForkGasLimitRule) AdjustGasLimit(headerGasLimit uint64) uint64 {
	return headerGasLimit + chainspec.AnchorGasLimit
}

// shastaGasLimitRule uses the block's own gas-limit unadjusted.
type shastaGasLimitRule struct{}

func (shastaGasLimitRule) AdjustGasLimit(headerGasLimit uint64) uint64 { return headerGasLimit }

// StrategyFor selects a Strategy by fork tag. Callers obtain the fork tag
// from chainspec.ChainSpec.ForkAt evaluated at the block's (number,
// timestamp), per the canonical decision in DESIGN.md.
func StrategyFor(fork chainspec.Fork) (*Strategy, error) {
	switch fork {
	case chainspec.Hekla:
		return &Strategy{Fork: fork, AnchorDecoder: heklaAnchorDecoder{}, EventDecoder: heklaEventDecoder{}, MetadataBuilder: heklaMetadataBuilder{}, GasLimitRule: preForkGasLimitRule{}}, nil
	case chainspec.Ontake:
		return &Strategy{Fork: fork, AnchorDecoder: ontakeAnchorDecoder{}, EventDecoder: ontakeEventDecoder{}, MetadataBuilder: ontakeMetadataBuilder{}, GasLimitRule: preForkGasLimitRule{}}, nil
	case chainspec.Pacaya:
		return &Strategy{Fork: fork, AnchorDecoder: pacayaAnchorDecoder{}, EventDecoder: pacayaEventDecoder{}, MetadataBuilder: pacayaMetadataBuilder{}, GasLimitRule: preForkGasLimitRule{}}, nil
	case chainspec.Shasta:
		return &Strategy{
			Fork: fork, AnchorDecoder: shastaAnchorDecoder{}, EventDecoder: shastaEventDecoder{}, MetadataBuilder: shastaMetadataBuilder{}, GasLimitRule: shastaGasLimitRule{},
			ExtraSideData: func(a AnchorData) ExtraSideData {
				return ExtraSideData{
					LastAnchorBlockNumber: a.L1BlockID,
					IsForceInclusion:      false, // ProposeEvent carries no force-inclusion flag and no caller sets one
				}
			},
		}, nil
	default:
		return nil, fmt.Errorf("preflight: unknown fork %d", fork)
	}
}

// anchorSelector dispatches selector-based decode: every fork's anchor tx
// is identified by a 4-byte selector at the start of calldata (spec.md §6).
func anchorSelector(tx *types.Transaction) ([4]byte, []byte, error) {
	data := tx.Data()
	if len(data) < 4 {
		return [4]byte{}, nil, fmt.Errorf("preflight: anchor transaction calldata too short (%d bytes)", len(data))
	}
	var sel [4]byte
	copy(sel[:], data[:4])
	return sel, data[4:], nil
}
