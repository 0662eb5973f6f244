package protocol

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/taikoxyz/raiko-go/chainspec"
)

func testMeta() BlockMetadata {
	return BlockMetadata{
		L1Hash:     h(1),
		Difficulty: h(2),
		BlobHash:   h(3),
		ExtraData:  h(4),
		Coinbase:   common.HexToAddress("0x5"),
		BlockID:    100,
		GasLimit:   30_000_000,
		Timestamp:  1_700_000_000,
		L1Height:   200,
	}
}

func TestMetaHashDeterministic(t *testing.T) {
	m := testMeta()
	h1, err := MetaHash(m)
	if err != nil {
		t.Fatalf("MetaHash: %v", err)
	}
	h2, err := MetaHash(m)
	if err != nil {
		t.Fatalf("MetaHash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected MetaHash to be deterministic")
	}

	m.BlockID = 101
	h3, err := MetaHash(m)
	if err != nil {
		t.Fatalf("MetaHash: %v", err)
	}
	if h3 == h1 {
		t.Fatalf("expected different block id to change meta hash")
	}
}

func TestPublicInputHashDiffersAcrossForks(t *testing.T) {
	inst := Instance{
		ChainID:  167000,
		Verifier: common.HexToAddress("0x1"),
		Prover:   common.HexToAddress("0x2"),
		Meta:     testMeta(),
	}
	transition := Transition{ParentHash: h(1), BlockHash: h(2), StateRoot: h(3)}

	heklaHash, err := PublicInputHash(chainspec.Hekla, inst, transition)
	if err != nil {
		t.Fatalf("PublicInputHash(Hekla): %v", err)
	}
	pacayaHash, err := PublicInputHash(chainspec.Pacaya, inst, transition)
	if err != nil {
		t.Fatalf("PublicInputHash(Pacaya): %v", err)
	}
	if heklaHash == pacayaHash {
		t.Fatalf("expected differently-shaped fork encodings to hash differently")
	}

	if _, err := PublicInputHash(chainspec.Shasta, inst, transition); err == nil {
		t.Fatalf("expected Shasta to be rejected by PublicInputHash")
	}
}

func TestShastaPublicInputHashDeterministic(t *testing.T) {
	input := ShastaTransitionInput{
		ProposalID:         5,
		ProposalHash:       h(1),
		ParentProposalHash: h(2),
		ParentBlockHash:    h(3),
		ActualProver:       common.HexToAddress("0x1"),
		Transition:         Transition{ParentHash: h(3), BlockHash: h(4), StateRoot: h(5)},
		Checkpoint:         Checkpoint{BlockNumber: 10, BlockHash: h(6), StateRoot: h(7)},
	}

	h1, err := ShastaPublicInputHash(167000, common.HexToAddress("0x2"), input)
	if err != nil {
		t.Fatalf("ShastaPublicInputHash: %v", err)
	}
	h2, err := ShastaPublicInputHash(167000, common.HexToAddress("0x2"), input)
	if err != nil {
		t.Fatalf("ShastaPublicInputHash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected deterministic hash")
	}
}
