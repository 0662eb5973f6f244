package preflight

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// anchorArgsPacaya decodes anchorV3(uint64 l1BlockId, bytes32 l1StateRoot,
// uint32 parentGasUsed, bytes32[] signalSlots). There is no l1Hash
// argument in this fork's anchor; it is resolved by the caller instead.
var anchorArgsPacaya = abi.Arguments{
	{Type: mustType("uint64")},
	{Type: mustType("bytes32")},
	{Type: mustType("uint32")},
	{Type: mustType("bytes32[]")},
}

type pacayaAnchorDecoder struct{}

func (pacayaAnchorDecoder) DecodeAnchor(tx *types.Transaction) (AnchorData, error) {
	sel, payload, err := anchorSelector(tx)
	if err != nil {
		return AnchorData{}, err
	}
	if sel != anchorSelectorPacaya {
		return AnchorData{}, fmt.Errorf("preflight: pacaya anchor selector mismatch: got %x", sel)
	}
	vals, err := anchorArgsPacaya.Unpack(payload)
	if err != nil {
		return AnchorData{}, fmt.Errorf("preflight: unpack pacaya anchor calldata: %w", err)
	}
	return AnchorData{
		L1BlockID:   vals[0].(uint64),
		L1StateRoot: toHash(vals[1].([32]byte)),
		SignalSlots: vals[3].([][32]byte),
	}, nil
}

type pacayaEventDecoder struct{}

func (pacayaEventDecoder) EventSignature() common.Hash { return batchProposedEventSig }

func (pacayaEventDecoder) DecodeEvent(log types.Log, wanted uint64) (ProposeEvent, bool, error) {
	if len(log.Topics) < 2 {
		return ProposeEvent{}, false, fmt.Errorf("preflight: BatchProposed log missing indexed batchId topic")
	}
	batchID := log.Topics[1].Big().Uint64()
	if batchID != wanted {
		return ProposeEvent{}, false, nil
	}
	blobUsed := decodeBlobUsedFlag(log.Data)
	return ProposeEvent{BlockOrBatchID: batchID, RawPayload: log.Data, BlobUsed: blobUsed}, true, nil
}

type pacayaMetadataBuilder struct{}

func (pacayaMetadataBuilder) BuildMetadata(header *types.Header, event ProposeEvent) (difficulty, blobHash, extraData common.Hash, coinbase common.Address, gasLimit uint32, err error) {
	return common.BigToHash(header.Difficulty), event.BlobHash, common.BytesToHash(header.Extra), header.Coinbase, uint32(header.GasLimit), nil
}
