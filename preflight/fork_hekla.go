package preflight

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// anchorSelectorHekla/Ontake/Pacaya/Shasta are the 4-byte selectors of each
// fork's `anchor(...)` function, computed as keccak256(signature)[:4] over
// the fork's argument list (Hekla and Ontake share the same one).
var (
	anchorSelectorHekla  = selectorOf("anchor(bytes32,bytes32,uint64,uint64)")
	anchorSelectorOntake = selectorOf("anchor(bytes32,bytes32,uint64,uint64)")
	anchorSelectorPacaya = selectorOf("anchorV3(uint64,bytes32,uint32,bytes32[])")
	anchorSelectorShasta = selectorOf("anchorV4(uint64,bytes32,uint64,bytes32,bytes32)")
)

// anchorArgsPreFork decodes anchor(bytes32 l1Hash, bytes32 l1StateRoot,
// uint64 l1BlockId, uint64 parentGasUsed), shared by Hekla and Ontake.
var anchorArgsPreFork = abi.Arguments{
	{Type: mustType("bytes32")},
	{Type: mustType("bytes32")},
	{Type: mustType("uint64")},
	{Type: mustType("uint64")},
}

func decodeAnchorPreFork(payload []byte) (AnchorData, error) {
	vals, err := anchorArgsPreFork.Unpack(payload)
	if err != nil {
		return AnchorData{}, fmt.Errorf("preflight: unpack anchor calldata: %w", err)
	}
	return AnchorData{
		L1Hash:      toHash(vals[0].([32]byte)),
		L1StateRoot: toHash(vals[1].([32]byte)),
		L1BlockID:   vals[2].(uint64),
	}, nil
}

func selectorOf(sig string) [4]byte {
	var out [4]byte
	copy(out[:], crypto.Keccak256([]byte(sig))[:4])
	return out
}

// blobUsedFlagArgs decodes a single leading bool out of a propose event's
// non-indexed data, the encoding Ontake/Pacaya/Shasta's BlobUsed flag uses.
var blobUsedFlagArgs = abi.Arguments{{Type: mustType("bool")}}

func decodeBlobUsedFlag(data []byte) bool {
	if len(data) < 32 {
		return false
	}
	vals, err := blobUsedFlagArgs.Unpack(data[:32])
	if err != nil {
		return false
	}
	used, _ := vals[0].(bool)
	return used
}

// blockProposedEventSig/blockProposedV2EventSig/batchProposedEventSig are
// keccak256 of each fork's propose
// event signature string (spec.md §6).
var (
	blockProposedEventSig   = crypto.Keccak256Hash([]byte("BlockProposed(uint256,address,bytes32,bytes32,uint256,uint256,bytes32,bytes32,bytes32)"))
	blockProposedV2EventSig = crypto.Keccak256Hash([]byte("BlockProposedV2(uint256,address,bytes32)"))
	batchProposedEventSig   = crypto.Keccak256Hash([]byte("BatchProposed(address,bytes32,bytes32)"))
)

type heklaAnchorDecoder struct{}

func (heklaAnchorDecoder) DecodeAnchor(tx *types.Transaction) (AnchorData, error) {
	sel, payload, err := anchorSelector(tx)
	if err != nil {
		return AnchorData{}, err
	}
	if sel != anchorSelectorHekla {
		return AnchorData{}, fmt.Errorf("preflight: hekla anchor selector mismatch: got %x", sel)
	}
	return decodeAnchorPreFork(payload)
}

type heklaEventDecoder struct{}

func (heklaEventDecoder) EventSignature() common.Hash { return blockProposedEventSig }

func (heklaEventDecoder) DecodeEvent(log types.Log, wanted uint64) (ProposeEvent, bool, error) {
	if len(log.Topics) < 2 {
		return ProposeEvent{}, false, fmt.Errorf("preflight: BlockProposed log missing indexed blockId topic")
	}
	blockID := log.Topics[1].Big().Uint64()
	if blockID != wanted {
		return ProposeEvent{}, false, nil
	}
	return ProposeEvent{BlockOrBatchID: blockID, RawPayload: log.Data}, true, nil
}

type heklaMetadataBuilder struct{}

func (heklaMetadataBuilder) BuildMetadata(header *types.Header, event ProposeEvent) (difficulty, blobHash, extraData common.Hash, coinbase common.Address, gasLimit uint32, err error) {
	return common.BigToHash(header.Difficulty), event.BlobHash, common.BytesToHash(header.Extra), header.Coinbase, uint32(header.GasLimit), nil
}
