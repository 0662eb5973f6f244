package guestinput

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// wireContract mirrors one entry of GuestInput.Contracts. rlp/json can't
// both round-trip a map[common.Hash][]byte as compactly as a slice of
// pairs, and a prover dialog needs a stable wire shape more than it needs
// map semantics, so the wire envelope flattens it.
type wireContract struct {
	CodeHash common.Hash `json:"code_hash"`
	Code     []byte      `json:"code"`
}

// WireInput is the JSON envelope a prover backend actually transmits for
// one GuestInput: *types.Block and *types.Header encode as RLP (their
// native go-ethereum wire format) and are carried as opaque bytes inside
// the JSON document, since JSON has no canonical encoding for them and RLP
// is what every go-ethereum consumer downstream already expects to decode.
type WireInput struct {
	Fork                 int            `json:"fork"`
	Block                []byte         `json:"block"`         // rlp(*types.Block)
	ParentHeader         []byte         `json:"parent_header"` // rlp(*types.Header)
	AncestorHeaders      [][]byte       `json:"ancestor_headers"`
	ParentStateTrieNodes []TrieNode     `json:"parent_state_trie_nodes"`
	ParentStorage        []AccountStorage `json:"parent_storage"`
	Contracts            []wireContract `json:"contracts"`
	Taiko                TaikoSidecar   `json:"taiko"`
}

// Encode serializes a GuestInput into the wire envelope a backend dialog
// (SGX stdin line, remote-agent/market HTTP body) actually transmits —
// the state-trie nodes, contracts and tx-list bytes a prover needs to
// reproduce the block, not just its number.
func (gi *GuestInput) Encode() ([]byte, error) {
	blockRLP, err := rlp.EncodeToBytes(gi.Block)
	if err != nil {
		return nil, fmt.Errorf("guestinput: rlp-encode block: %w", err)
	}
	parentRLP, err := rlp.EncodeToBytes(gi.ParentHeader)
	if err != nil {
		return nil, fmt.Errorf("guestinput: rlp-encode parent header: %w", err)
	}
	ancestors := make([][]byte, len(gi.AncestorHeaders))
	for i, h := range gi.AncestorHeaders {
		b, err := rlp.EncodeToBytes(h)
		if err != nil {
			return nil, fmt.Errorf("guestinput: rlp-encode ancestor header %d: %w", i, err)
		}
		ancestors[i] = b
	}
	contracts := make([]wireContract, 0, len(gi.Contracts))
	for hash, code := range gi.Contracts {
		contracts = append(contracts, wireContract{CodeHash: hash, Code: code})
	}

	wire := WireInput{
		Fork:                 int(gi.Fork),
		Block:                blockRLP,
		ParentHeader:         parentRLP,
		AncestorHeaders:      ancestors,
		ParentStateTrieNodes: gi.ParentStateTrieNodes,
		ParentStorage:        gi.ParentStorage,
		Contracts:            contracts,
		Taiko:                gi.Taiko,
	}
	out, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("guestinput: marshal wire input: %w", err)
	}
	return out, nil
}

// EncodeInputs serializes a batch of GuestInputs in order, for a backend
// dispatch that covers more than one block in a single dialog.
func EncodeInputs(inputs []*GuestInput) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(inputs))
	for i, gi := range inputs {
		b, err := gi.Encode()
		if err != nil {
			return nil, fmt.Errorf("guestinput: encode input %d: %w", i, err)
		}
		out[i] = json.RawMessage(b)
	}
	return out, nil
}
