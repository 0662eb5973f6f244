package blockbuilder

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/taikoxyz/raiko-go/guestinput"
	"github.com/taikoxyz/raiko-go/providerdb"
)

func TestValidateHeaderConsensusFieldsAcceptsValidSuccessor(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(10), Time: 1000, GasLimit: 30_000_000, Extra: []byte{}}
	header := &types.Header{Number: big.NewInt(11), Time: 1012, GasLimit: 30_000_000, GasUsed: 21_000, ParentHash: parent.Hash(), Extra: []byte{}}

	if err := ValidateHeaderConsensusFields(header, parent); err != nil {
		t.Fatalf("expected valid successor header to pass, got %v", err)
	}
}

func TestValidateHeaderConsensusFieldsRejectsNonSequentialNumber(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(10), Time: 1000, GasLimit: 30_000_000, Extra: []byte{}}
	header := &types.Header{Number: big.NewInt(12), Time: 1012, GasLimit: 30_000_000, ParentHash: parent.Hash(), Extra: []byte{}}

	if err := ValidateHeaderConsensusFields(header, parent); err == nil {
		t.Fatalf("expected non-sequential block number to be rejected")
	}
}

func TestValidateHeaderConsensusFieldsRejectsStaleTimestamp(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(10), Time: 1000, GasLimit: 30_000_000, Extra: []byte{}}
	header := &types.Header{Number: big.NewInt(11), Time: 1000, GasLimit: 30_000_000, ParentHash: parent.Hash(), Extra: []byte{}}

	if err := ValidateHeaderConsensusFields(header, parent); err == nil {
		t.Fatalf("expected non-advancing timestamp to be rejected")
	}
}

func TestValidateHeaderConsensusFieldsRejectsGasUsedOverLimit(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(10), Time: 1000, GasLimit: 30_000_000, Extra: []byte{}}
	header := &types.Header{Number: big.NewInt(11), Time: 1012, GasLimit: 30_000_000, GasUsed: 30_000_001, ParentHash: parent.Hash(), Extra: []byte{}}

	if err := ValidateHeaderConsensusFields(header, parent); err == nil {
		t.Fatalf("expected over-limit gas used to be rejected")
	}
}

func TestRecomputeStateRootUnchangedWhenNothingTouched(t *testing.T) {
	db := providerdb.New(10, nil)

	parent := &types.Header{Number: big.NewInt(10), Root: types.EmptyRootHash, Extra: []byte{}}
	block := types.NewBlockWithHeader(&types.Header{Number: big.NewInt(11), Root: types.EmptyRootHash, ParentHash: parent.Hash(), Extra: []byte{}})

	input := &guestinput.GuestInput{Block: block, ParentHeader: parent}

	root, err := RecomputeStateRoot(parent.Root, input, db)
	if err != nil {
		t.Fatalf("RecomputeStateRoot: %v", err)
	}
	if root != types.EmptyRootHash {
		t.Fatalf("expected untouched state root to remain empty-root, got %s", root)
	}
}

func TestFinalizeBlockRejectsStateRootMismatch(t *testing.T) {
	db := providerdb.New(10, nil)

	parent := &types.Header{Number: big.NewInt(10), Time: 1000, GasLimit: 30_000_000, Root: types.EmptyRootHash, Extra: []byte{}}
	badRoot := common.HexToHash("0xdeadbeef")
	header := &types.Header{Number: big.NewInt(11), Time: 1012, GasLimit: 30_000_000, ParentHash: parent.Hash(), Root: badRoot, Extra: []byte{}}
	block := types.NewBlockWithHeader(header)

	input := &guestinput.GuestInput{Block: block, ParentHeader: parent}

	err := FinalizeBlock(types.NewLondonSigner(big.NewInt(1)), input, db)
	if err == nil {
		t.Fatalf("expected state root mismatch to be rejected")
	}
}
