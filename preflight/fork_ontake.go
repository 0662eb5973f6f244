package preflight

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type ontakeAnchorDecoder struct{}

func (ontakeAnchorDecoder) DecodeAnchor(tx *types.Transaction) (AnchorData, error) {
	sel, payload, err := anchorSelector(tx)
	if err != nil {
		return AnchorData{}, err
	}
	if sel != anchorSelectorOntake {
		return AnchorData{}, fmt.Errorf("preflight: ontake anchor selector mismatch: got %x", sel)
	}
	return decodeAnchorPreFork(payload)
}

type ontakeEventDecoder struct{}

func (ontakeEventDecoder) EventSignature() common.Hash { return blockProposedV2EventSig }

func (ontakeEventDecoder) DecodeEvent(log types.Log, wanted uint64) (ProposeEvent, bool, error) {
	if len(log.Topics) < 2 {
		return ProposeEvent{}, false, fmt.Errorf("preflight: BlockProposedV2 log missing indexed blockId topic")
	}
	blockID := log.Topics[1].Big().Uint64()
	if blockID != wanted {
		return ProposeEvent{}, false, nil
	}
	// Ontake's calldata-vs-blob derivation: BlockProposedV2 carries a
	// CalldataTxList companion when !blob_used; presence is signaled by a
	// leading bool in the event's non-indexed data, with the real tx-list
	// bytes resolved by DeriveTxList using the matching proposeBlock
	// calldata.
	blobUsed := decodeBlobUsedFlag(log.Data)
	return ProposeEvent{BlockOrBatchID: blockID, RawPayload: log.Data, BlobUsed: blobUsed}, true, nil
}

type ontakeMetadataBuilder struct{}

func (ontakeMetadataBuilder) BuildMetadata(header *types.Header, event ProposeEvent) (difficulty, blobHash, extraData common.Hash, coinbase common.Address, gasLimit uint32, err error) {
	return common.BigToHash(header.Difficulty), event.BlobHash, common.BytesToHash(header.Extra), header.Coinbase, uint32(header.GasLimit), nil
}

// proposeBlockTxListArgs decodes proposeBlock(bytes txList, ...)'s leading
// dynamic-bytes argument.
var proposeBlockTxListArgs = abi.Arguments{{Type: mustType("bytes")}}

// DecodeProposeBlockCalldata decodes proposeBlock(txList, ...) calldata
// directly, for the !blob_used path (spec.md §4.3 step 2).
func DecodeProposeBlockCalldata(calldata []byte) ([]byte, error) {
	if len(calldata) < 4 {
		return nil, fmt.Errorf("preflight: proposeBlock calldata too short")
	}
	vals, err := proposeBlockTxListArgs.Unpack(calldata[4:])
	if err != nil {
		return nil, fmt.Errorf("preflight: unpack proposeBlock tx-list: %w", err)
	}
	return vals[0].([]byte), nil
}
