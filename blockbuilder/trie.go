package blockbuilder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"

	"github.com/taikoxyz/raiko-go/errs"
	"github.com/taikoxyz/raiko-go/guestinput"
	"github.com/taikoxyz/raiko-go/providerdb"
)

// loadTrieFromNodes rebuilds a hash-scheme trie rooted at root out of the
// pruned raw node set a GuestInput carries: every node is keyed in the
// backing store by its own keccak256 hash, exactly as the hashdb scheme
// expects, so the trie package can resolve root -> child without ever
// talking to the network.
func loadTrieFromNodes(root common.Hash, nodes []guestinput.TrieNode) (*trie.Trie, *triedb.Database, error) {
	diskdb := rawdb.NewMemoryDatabase()
	for _, n := range nodes {
		hash := crypto.Keccak256Hash(n)
		if err := diskdb.Put(hash.Bytes(), n); err != nil {
			return nil, nil, fmt.Errorf("blockbuilder: seed trie node store: %w", err)
		}
	}
	tdb := triedb.NewDatabase(diskdb, triedb.HashDefaults)
	tr, err := trie.New(trie.StateTrieID(root), tdb)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open state trie at root %s: %v", errs.ErrExecutionMismatch, root, err)
	}
	return tr, tdb, nil
}

// loadStorageTrie opens the storage sub-trie for one account out of its
// pruned node set.
func loadStorageTrie(stateRoot, addrHash, storageRoot common.Hash, nodes []guestinput.TrieNode, tdb *triedb.Database) (*trie.Trie, error) {
	for _, n := range nodes {
		hash := crypto.Keccak256Hash(n)
		if err := tdb.Disk().Put(hash.Bytes(), n); err != nil {
			return nil, fmt.Errorf("blockbuilder: seed storage trie node store: %w", err)
		}
	}
	tr, err := trie.New(trie.StorageTrieID(stateRoot, addrHash, storageRoot), tdb)
	if err != nil {
		return nil, fmt.Errorf("%w: open storage trie for account %s: %v", errs.ErrExecutionMismatch, addrHash, err)
	}
	return tr, nil
}

// RecomputeStateRoot implements spec.md §4.4's state-root algorithm:
// reconstruct the parent state trie from the pruned node set, then replay
// every account deletion, storage-cleared reset, storage write, and
// updated account record the execution produced, and return the
// resulting root hash.
func RecomputeStateRoot(parentRoot common.Hash, input *guestinput.GuestInput, db *providerdb.DB) (common.Hash, error) {
	stateTrie, tdb, err := loadTrieFromNodes(parentRoot, input.ParentStateTrieNodes)
	if err != nil {
		return common.Hash{}, err
	}

	storageNodesByAddr := make(map[common.Address][]guestinput.TrieNode, len(input.ParentStorage))
	for _, s := range input.ParentStorage {
		storageNodesByAddr[s.Address] = s.Nodes
	}

	touched := db.Touched()
	dirty := db.DirtyStorage()

	dirtyByAddr := make(map[common.Address]map[common.Hash]common.Hash)
	for key, val := range dirty {
		m, ok := dirtyByAddr[key.Address]
		if !ok {
			m = make(map[common.Hash]common.Hash)
			dirtyByAddr[key.Address] = m
		}
		m[key.Slot] = val
	}

	accounts := db.AllReadAccounts()

	for addr, kind := range touched {
		addrHash := crypto.Keccak256Hash(addr.Bytes())

		if kind == providerdb.TouchedDeleted {
			if err := stateTrie.DeleteAccount(addrHash); err != nil {
				return common.Hash{}, fmt.Errorf("%w: delete account %s: %v", errs.ErrExecutionMismatch, addr, err)
			}
			continue
		}

		info, ok := accounts[addr]
		if !ok {
			continue
		}

		var storageRoot common.Hash
		writes := dirtyByAddr[addr]
		existingRoot := types.EmptyRootHash
		if existing, err := stateTrie.GetAccount(addrHash); err == nil && existing != nil {
			existingRoot = existing.Root
		}
		if kind == providerdb.TouchedStorageCleared || len(writes) > 0 {
			root, err := recomputeStorageRoot(addr, kind, existingRoot, writes, storageNodesByAddr[addr], tdb)
			if err != nil {
				return common.Hash{}, err
			}
			storageRoot = root
		} else {
			storageRoot = existingRoot
		}

		account := types.StateAccount{
			Nonce:    info.Nonce,
			Balance:  new(big.Int).Set(info.Balance),
			Root:     storageRoot,
			CodeHash: codeHashBytes(info.CodeHash),
		}
		if err := stateTrie.UpdateAccount(addrHash, &account); err != nil {
			return common.Hash{}, fmt.Errorf("%w: update account %s in trie: %v", errs.ErrExecutionMismatch, addr, err)
		}
	}

	return stateTrie.Hash(), nil
}

// recomputeStorageRoot applies a storage-cleared reset (if any) and every
// dirty write for one account's storage sub-trie, returning its new root.
// existingRoot is the account's storage root before this iteration's writes
// (types.EmptyRootHash for an account that didn't exist yet); accounts that
// are not TouchedStorageCleared must open their sub-trie there, not at the
// empty root, or a partial write silently drops every untouched slot.
func recomputeStorageRoot(addr common.Address, kind providerdb.TouchedKind, existingRoot common.Hash, writes map[common.Hash]common.Hash, nodes []guestinput.TrieNode, tdb *triedb.Database) (common.Hash, error) {
	addrHash := crypto.Keccak256Hash(addr.Bytes())

	var storageTrie *trie.Trie
	var err error
	if kind == providerdb.TouchedStorageCleared {
		storageTrie, err = trie.New(trie.StorageTrieID(common.Hash{}, addrHash, types.EmptyRootHash), tdb)
	} else {
		storageTrie, err = loadStorageTrie(common.Hash{}, addrHash, existingRoot, nodes, tdb)
	}
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: open storage trie for %s: %v", errs.ErrExecutionMismatch, addr, err)
	}

	for slot, value := range writes {
		slotHash := crypto.Keccak256Hash(slot.Bytes())
		if value == (common.Hash{}) {
			if err := storageTrie.DeleteStorage(addr, slotHash.Bytes()); err != nil {
				return common.Hash{}, fmt.Errorf("%w: delete storage slot %s of %s: %v", errs.ErrExecutionMismatch, slot, addr, err)
			}
			continue
		}
		encoded, err := rlp.EncodeToBytes(value.Bytes())
		if err != nil {
			return common.Hash{}, fmt.Errorf("%w: rlp-encode storage value: %v", errs.ErrExecutionMismatch, err)
		}
		if err := storageTrie.UpdateStorage(addr, slotHash.Bytes(), encoded); err != nil {
			return common.Hash{}, fmt.Errorf("%w: update storage slot %s of %s: %v", errs.ErrExecutionMismatch, slot, addr, err)
		}
	}

	return storageTrie.Hash(), nil
}

func codeHashBytes(h common.Hash) []byte {
	if h == (common.Hash{}) {
		return types.EmptyCodeHash.Bytes()
	}
	return h.Bytes()
}
