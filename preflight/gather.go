package preflight

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/taikoxyz/raiko-go/chainspec"
	"github.com/taikoxyz/raiko-go/errs"
	"github.com/taikoxyz/raiko-go/guestinput"
	"github.com/taikoxyz/raiko-go/providerdb"
	"github.com/taikoxyz/raiko-go/rpcprovider"
)

// gatherProofsAndTries implements spec.md §4.3 steps 8-9: fetch EIP-1186
// proofs for every account/slot the settled execution read, prune them into
// trie nodes, fetch the ancestor header window BLOCKHASH needs, and collect
// the bytecodes of every contract touched.
func (p *Preflight) gatherProofsAndTries(ctx context.Context, parent *types.Block, db *providerdb.DB, input *guestinput.GuestInput) error {
	readAccounts := db.AllReadAccounts()
	readSlots := db.AllReadSlots()

	bySlots := make(map[common.Address][]common.Hash)
	for key := range readSlots {
		bySlots[key.Address] = append(bySlots[key.Address], key.Slot)
	}

	reqs := make([]rpcprovider.ProofRequest, 0, len(readAccounts))
	for addr := range readAccounts {
		reqs = append(reqs, rpcprovider.ProofRequest{Address: addr, Slots: bySlots[addr]})
	}

	if len(reqs) > 0 {
		proofs, err := p.data.GetProofs(ctx, reqs, parent.NumberU64())
		if err != nil {
			return fmt.Errorf("%w: fetch EIP-1186 proofs: %v", errs.ErrProviderTransient, err)
		}

		var stateNodes []guestinput.TrieNode
		seenStateNodes := make(map[string]struct{})
		for _, proof := range proofs {
			for _, node := range proof.AccountProof {
				b := common.FromHex(node)
				if _, dup := seenStateNodes[string(b)]; dup {
					continue
				}
				seenStateNodes[string(b)] = struct{}{}
				stateNodes = append(stateNodes, guestinput.TrieNode(b))
			}
			if len(proof.StorageProof) > 0 {
				var storageNodes []guestinput.TrieNode
				seen := make(map[string]struct{})
				for _, sp := range proof.StorageProof {
					for _, node := range sp.Proof {
						b := common.FromHex(node)
						if _, dup := seen[string(b)]; dup {
							continue
						}
						seen[string(b)] = struct{}{}
						storageNodes = append(storageNodes, guestinput.TrieNode(b))
					}
				}
				input.ParentStorage = append(input.ParentStorage, guestinput.AccountStorage{Address: proof.Address, Nodes: storageNodes})
			}
		}
		input.ParentStateTrieNodes = append(input.ParentStateTrieNodes, stateNodes...)
	}

	if err := p.gatherAncestorHeaders(ctx, parent, db, input); err != nil {
		return err
	}

	for _, info := range readAccounts {
		if len(info.Code) == 0 {
			continue
		}
		input.Contracts[info.CodeHash] = info.Code
	}

	return nil
}

// gatherAncestorHeaders fetches every ancestor header the BLOCKHASH opcode
// actually touched during execution, bounded by chainspec.MaxAncestorHeaders
// and ordered oldest-last per guestinput.GuestInput's contract.
func (p *Preflight) gatherAncestorHeaders(ctx context.Context, parent *types.Block, db *providerdb.DB, input *guestinput.GuestInput) error {
	window := db.BlockHashWindow()

	wanted := map[uint64]struct{}{parent.NumberU64(): {}}
	for n := range window {
		if n <= parent.NumberU64() {
			wanted[n] = struct{}{}
		}
	}

	numbers := make([]uint64, 0, len(wanted))
	for n := range wanted {
		numbers = append(numbers, n)
	}
	if len(numbers) > chainspec.MaxAncestorHeaders {
		numbers = numbers[:chainspec.MaxAncestorHeaders]
	}

	reqs := make([]rpcprovider.BlockRequest, len(numbers))
	for i, n := range numbers {
		reqs[i] = rpcprovider.BlockRequest{Number: n, WithTxBodies: false}
	}
	blocks, err := p.data.GetBlocks(ctx, reqs)
	if err != nil {
		return fmt.Errorf("%w: fetch ancestor headers: %v", errs.ErrProviderTransient, err)
	}

	headers := make([]*types.Header, 0, len(blocks))
	for _, b := range blocks {
		if b != nil {
			headers = append(headers, b.Header())
		}
	}
	// Sort oldest-last (descending by number), matching GuestInput's contract.
	for i := 0; i < len(headers); i++ {
		for j := i + 1; j < len(headers); j++ {
			if headers[j].Number.Cmp(headers[i].Number) > 0 {
				headers[i], headers[j] = headers[j], headers[i]
			}
		}
	}
	input.AncestorHeaders = headers
	return nil
}
