package preflight

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto/kzg4844"

	"github.com/taikoxyz/raiko-go/errs"
	"github.com/taikoxyz/raiko-go/guestinput"
	"github.com/taikoxyz/raiko-go/protocol"
	"github.com/taikoxyz/raiko-go/rpcprovider"
)

// prepareTaikoChainInput implements spec.md §4.3 step 2: decode the anchor
// transaction, locate and decode the matching propose event on L1, resolve
// the tx-list bytes (blob or calldata), and populate input.Taiko.
func (p *Preflight) prepareTaikoChainInput(ctx context.Context, strategy *Strategy, input *guestinput.GuestInput) (ExtraSideData, error) {
	txs := input.Block.Transactions()
	if len(txs) == 0 {
		return ExtraSideData{}, fmt.Errorf("%w: block %d has no anchor transaction", errs.ErrPreflightFailure, input.Block.NumberU64())
	}
	anchorTx := txs[0]

	anchor, err := strategy.AnchorDecoder.DecodeAnchor(anchorTx)
	if err != nil {
		return ExtraSideData{}, fmt.Errorf("%w: decode anchor transaction: %v", errs.ErrPreflightFailure, err)
	}

	event, err := p.findProposeEvent(ctx, strategy, anchor.L1BlockID, input.Block.NumberU64())
	if err != nil {
		return ExtraSideData{}, err
	}

	difficulty, blobHash, extraData, coinbase, gasLimit, err := strategy.MetadataBuilder.BuildMetadata(input.Block.Header(), event)
	if err != nil {
		return ExtraSideData{}, fmt.Errorf("%w: build block metadata: %v", errs.ErrPreflightFailure, err)
	}

	l1Hash, err := p.resolveL1Hash(ctx, anchor.L1Hash, anchor.L1BlockID)
	if err != nil {
		return ExtraSideData{}, err
	}

	input.Taiko.BlobUsed = event.BlobUsed
	input.Taiko.ProtocolEventPayload = event.RawPayload
	input.Taiko.ProverIdentity = coinbase
	input.Taiko.LastAnchorBlockNumber = anchor.L1BlockID
	input.Taiko.Meta = protocol.BlockMetadata{
		L1Hash:     l1Hash,
		Difficulty: difficulty,
		BlobHash:   blobHash,
		ExtraData:  extraData,
		Coinbase:   coinbase,
		BlockID:    input.Block.NumberU64(),
		GasLimit:   gasLimit,
		Timestamp:  input.Block.Time(),
		L1Height:   anchor.L1BlockID,
	}

	if event.BlobUsed {
		txList, commitment, proof, err := p.resolveBlobTxList(ctx, anchor.L1BlockID, blobHash)
		if err != nil {
			return ExtraSideData{}, err
		}
		input.Taiko.TxListBytes = txList
		input.Taiko.BlobCommitment = commitment[:]
		input.Taiko.BlobProof = proof[:]
		input.Taiko.BlobVersionedHash = blobHash
	} else {
		input.Taiko.TxListBytes = event.TxListCalldata
		if len(input.Taiko.TxListBytes) == 0 {
			input.Taiko.TxListBytes = event.RawPayload
		}
	}

	if anchor.HasCheckpoint {
		input.Taiko.CheckpointBlockNumber = anchor.CheckpointNumber
		input.Taiko.CheckpointBlockHash = anchor.CheckpointHash
		input.Taiko.CheckpointStateRoot = anchor.CheckpointState
	}

	sideData := ExtraSideData{LastAnchorBlockNumber: anchor.L1BlockID}
	if strategy.ExtraSideData != nil {
		sideData = strategy.ExtraSideData(anchor)
	}
	return sideData, nil
}

// resolveL1Hash returns the anchor's own l1Hash argument when the fork's
// anchor calldata carries one (Hekla/Ontake); Pacaya/Shasta's anchorV3/
// anchorV4 don't, so it fetches the real L1 block at l1BlockID instead.
func (p *Preflight) resolveL1Hash(ctx context.Context, anchorL1Hash common.Hash, l1BlockID uint64) (common.Hash, error) {
	if anchorL1Hash != (common.Hash{}) {
		return anchorL1Hash, nil
	}
	blocks, err := p.data.GetBlocks(ctx, []rpcprovider.BlockRequest{{Number: l1BlockID, WithTxBodies: false}})
	if err != nil || len(blocks) != 1 || blocks[0] == nil {
		return common.Hash{}, fmt.Errorf("%w: fetch L1 block %d for metadata l1Hash: %v", errs.ErrProviderTransient, l1BlockID, err)
	}
	return blocks[0].Hash(), nil
}

// findProposeEvent scans the L1 block at l1BlockID for the propose event
// matching the given L2 block/batch number, per spec.md §4.3 step 1.
func (p *Preflight) findProposeEvent(ctx context.Context, strategy *Strategy, l1BlockID, wanted uint64) (ProposeEvent, error) {
	sig := strategy.EventDecoder.EventSignature()
	filter := rpcprovider.LogFilter{
		FromBlock: &l1BlockID,
		ToBlock:   &l1BlockID,
		Addresses: []common.Address{p.taiko.L1ContractAddress},
		Topics:    [][]common.Hash{{sig}},
	}
	logs, err := p.data.GetLogs(ctx, filter)
	if err != nil {
		return ProposeEvent{}, fmt.Errorf("%w: fetch propose events at L1 block %d: %v", errs.ErrProviderTransient, l1BlockID, err)
	}
	for _, lg := range logs {
		event, ok, err := strategy.EventDecoder.DecodeEvent(lg, wanted)
		if err != nil {
			return ProposeEvent{}, fmt.Errorf("%w: decode propose event: %v", errs.ErrPreflightFailure, err)
		}
		if ok {
			return event, nil
		}
	}
	return ProposeEvent{}, fmt.Errorf("%w: no propose event for block %d found at L1 block %d", errs.ErrPreflightFailure, wanted, l1BlockID)
}

// resolveBlobTxList fetches the blob sidecar, verifies it against
// expectedVersionedHash, and decompresses the tx-list payload out of it.
func (p *Preflight) resolveBlobTxList(ctx context.Context, l1BlockID uint64, expectedVersionedHash common.Hash) ([]byte, kzg4844.Commitment, kzg4844.Proof, error) {
	l1Blocks, err := p.data.GetBlocks(ctx, []rpcprovider.BlockRequest{{Number: l1BlockID, WithTxBodies: false}})
	if err != nil || len(l1Blocks) != 1 || l1Blocks[0] == nil {
		return nil, kzg4844.Commitment{}, kzg4844.Proof{}, fmt.Errorf("%w: fetch L1 block %d for slot derivation: %v", errs.ErrProviderTransient, l1BlockID, err)
	}
	slot := (l1Blocks[0].Time() - p.taiko.GenesisTime) / p.taiko.SecondsPerSlot

	sidecar, err := p.blob.GetBlobSidecar(ctx, slot, expectedVersionedHash)
	if err != nil {
		return nil, kzg4844.Commitment{}, kzg4844.Proof{}, fmt.Errorf("%w: %v", errs.ErrPreflightFailure, err)
	}

	if err := protocol.VerifyBlob(protocol.KzgVersionedHash, &sidecar.Blob, expectedVersionedHash, &sidecar.KZGCommitment, &sidecar.KZGProof); err != nil {
		return nil, kzg4844.Commitment{}, kzg4844.Proof{}, err
	}

	txList, err := decompressBlob(sidecar.Blob)
	if err != nil {
		return nil, kzg4844.Commitment{}, kzg4844.Proof{}, fmt.Errorf("%w: decompress blob tx-list: %v", errs.ErrPreflightFailure, err)
	}
	return txList, sidecar.KZGCommitment, sidecar.KZGProof, nil
}

// decompressBlob reverses the blob's field-element packing (each 32-byte
// BLS12-381 field element carries 31 usable bytes, high byte zeroed) and
// zlib-inflates the result into the raw RLP tx-list.
func decompressBlob(blob kzg4844.Blob) ([]byte, error) {
	packed := make([]byte, 0, len(blob))
	for i := 0; i+32 <= len(blob); i += 32 {
		packed = append(packed, blob[i+1:i+32]...)
	}
	r, err := zlib.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("open zlib reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	return out, nil
}
