// Package providerdb implements ProviderDb, the lazy optimistic state
// database described in spec.md §4.2: a three-tier cache (initial/current/
// staging) that records every read it cannot satisfy locally and, in
// optimistic mode, returns an extreme placeholder instead of blocking so
// that optimistic re-execution can discover a block's minimal read-set
// without paying a round-trip per opcode (see spec.md §9).
package providerdb

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// AccountInfo is the minimal account shape the EVM database capability set
// needs: balance, nonce, code, and code hash.
type AccountInfo struct {
	Balance  *big.Int
	Nonce    uint64
	Code     []byte
	CodeHash common.Hash
}

// Fetcher is the synchronous data source ProviderDb falls back to when not
// running in optimistic mode, and that FetchData drains pending reads
// through at an iteration boundary. It is implemented by rpcprovider.
type Fetcher interface {
	GetAccounts(ctx context.Context, addrs []common.Address, atBlock uint64) (map[common.Address]AccountInfo, error)
	GetStorageSlots(ctx context.Context, slots []StorageKey, atBlock uint64) (map[StorageKey]common.Hash, error)
	GetBlockHashes(ctx context.Context, numbers []uint64) (map[uint64]common.Hash, error)
}

// StorageKey identifies one storage slot of one account.
type StorageKey struct {
	Address common.Address
	Slot    common.Hash
}

// TouchedKind tracks the mutation kind the block builder needs to apply
// to the trie at finalization time (spec.md §4.4).
type TouchedKind int

const (
	TouchedNone TouchedKind = iota
	TouchedDeleted
	TouchedStorageCleared
)

// placeholderNonce is u64::MAX in the source design: intentionally extreme
// so that any control flow depending on a real nonce diverges, forcing
// re-execution to notice the miss rather than silently producing a wrong
// trace.
const placeholderNonce = ^uint64(0)

// DB is ProviderDb: three semantic containers plus the pending-read sets
// from spec.md §3.
type DB struct {
	ParentBlock uint64
	fetcher     Fetcher
	optimistic  bool
	log         log.Logger

	initialDB    map[common.Address]AccountInfo
	initialSlots map[StorageKey]common.Hash
	currentDB    map[common.Address]AccountInfo
	currentSlots map[StorageKey]common.Hash
	stagingDB    map[common.Address]AccountInfo
	stagingSlots map[StorageKey]common.Hash

	blockHashes map[uint64]common.Hash

	pendingAccounts   map[common.Address]struct{}
	pendingSlots      map[StorageKey]struct{}
	pendingBlockHashes map[uint64]struct{}

	// touched records, per account, which trie mutation BlockBuilder must
	// apply at finalization.
	touched map[common.Address]TouchedKind
	// dirtyStorage records every (account, slot) write made this
	// execution, in insertion order is not required — BlockBuilder applies
	// them independent of order, matching spec.md §4.4's trie algorithm.
	dirtyStorage map[StorageKey]common.Hash

	// validSoFar is true until the first pending read of the current
	// iteration; once false, staging hits stop being promoted to
	// initialDB (spec.md §4.2 step 3).
	validSoFar bool
}

// New constructs a ProviderDb rooted at parentBlock.
func New(parentBlock uint64, fetcher Fetcher) *DB {
	return &DB{
		ParentBlock:        parentBlock,
		fetcher:            fetcher,
		log:                log.Root().New("component", "providerdb"),
		initialDB:          make(map[common.Address]AccountInfo),
		initialSlots:       make(map[StorageKey]common.Hash),
		currentDB:          make(map[common.Address]AccountInfo),
		currentSlots:       make(map[StorageKey]common.Hash),
		stagingDB:          make(map[common.Address]AccountInfo),
		stagingSlots:       make(map[StorageKey]common.Hash),
		blockHashes:        make(map[uint64]common.Hash),
		pendingAccounts:    make(map[common.Address]struct{}),
		pendingSlots:       make(map[StorageKey]struct{}),
		pendingBlockHashes: make(map[uint64]struct{}),
		touched:            make(map[common.Address]TouchedKind),
		dirtyStorage:       make(map[StorageKey]common.Hash),
		validSoFar:         true,
	}
}

// SetOptimistic toggles optimistic mode for the next iteration, per
// spec.md §4.3 step 7 ("Mark DB optimistic iff iter+1 < max").
func (db *DB) SetOptimistic(v bool) { db.optimistic = v }

// Basic resolves an account read following spec.md §4.2's five-step order.
func (db *DB) Basic(ctx context.Context, addr common.Address) (AccountInfo, error) {
	if info, ok := db.currentDB[addr]; ok {
		return info, nil
	}
	if info, ok := db.initialDB[addr]; ok {
		return info, nil
	}
	if info, ok := db.stagingDB[addr]; ok {
		if db.validSoFar {
			db.initialDB[addr] = info
		}
		return info, nil
	}
	if db.optimistic {
		db.pendingAccounts[addr] = struct{}{}
		db.validSoFar = false
		return AccountInfo{Balance: new(big.Int), Nonce: placeholderNonce}, nil
	}

	infos, err := db.fetcher.GetAccounts(ctx, []common.Address{addr}, db.ParentBlock)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("providerdb: synchronous account fetch: %w", err)
	}
	info := infos[addr]
	db.initialDB[addr] = info
	return info, nil
}

// Storage resolves a storage-slot read following the same five-step order.
func (db *DB) Storage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	key := StorageKey{Address: addr, Slot: slot}

	if v, ok := db.currentSlots[key]; ok {
		return v, nil
	}
	if v, ok := db.initialSlots[key]; ok {
		return v, nil
	}
	if v, ok := db.stagingSlots[key]; ok {
		if db.validSoFar {
			db.initialSlots[key] = v
		}
		return v, nil
	}
	if db.optimistic {
		db.pendingSlots[key] = struct{}{}
		db.validSoFar = false
		return common.Hash{}, nil
	}

	vals, err := db.fetcher.GetStorageSlots(ctx, []StorageKey{key}, db.ParentBlock)
	if err != nil {
		return common.Hash{}, fmt.Errorf("providerdb: synchronous storage fetch: %w", err)
	}
	v := vals[key]
	db.initialSlots[key] = v
	return v, nil
}

// BlockHash resolves BLOCKHASH(number), following the window requirement
// that block_hashes cover [block-256 .. block].
func (db *DB) BlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	if h, ok := db.blockHashes[number]; ok {
		return h, nil
	}
	if db.optimistic {
		db.pendingBlockHashes[number] = struct{}{}
		db.validSoFar = false
		return common.Hash{}, nil
	}

	hashes, err := db.fetcher.GetBlockHashes(ctx, []uint64{number})
	if err != nil {
		return common.Hash{}, fmt.Errorf("providerdb: synchronous block hash fetch: %w", err)
	}
	h := hashes[number]
	db.blockHashes[number] = h
	return h, nil
}

// CodeByHash is unreachable in this design: code is always returned
// alongside account info (spec.md §4.2).
func (db *DB) CodeByHash(common.Hash) ([]byte, error) {
	panic("providerdb: CodeByHash is unreachable — code is returned alongside account info")
}

// Commit records a post-execution mutation into current_db: the sink the
// pure executor writes through.
func (db *DB) Commit(addr common.Address, info AccountInfo, kind TouchedKind) {
	db.currentDB[addr] = info
	if kind != TouchedNone {
		db.touched[addr] = kind
	} else if _, ok := db.touched[addr]; !ok {
		db.touched[addr] = TouchedNone
	}
}

// CommitStorage records a post-execution storage write into current_db.
func (db *DB) CommitStorage(addr common.Address, slot common.Hash, value common.Hash) {
	key := StorageKey{Address: addr, Slot: slot}
	db.currentSlots[key] = value
	db.dirtyStorage[key] = value
	if _, ok := db.touched[addr]; !ok {
		db.touched[addr] = TouchedNone
	}
}

// Touched returns every account the execution touched and what mutation
// BlockBuilder must apply to the trie for it.
func (db *DB) Touched() map[common.Address]TouchedKind {
	out := make(map[common.Address]TouchedKind, len(db.touched))
	for k, v := range db.touched {
		out[k] = v
	}
	return out
}

// DirtyStorage returns every storage write made during execution.
func (db *DB) DirtyStorage() map[StorageKey]common.Hash {
	out := make(map[StorageKey]common.Hash, len(db.dirtyStorage))
	for k, v := range db.dirtyStorage {
		out[k] = v
	}
	return out
}

// FetchData batch-fetches everything in the pending sets into staging_db,
// per spec.md §4.2. It returns true iff no pending work was scheduled this
// iteration — the execution trace is then self-consistent and the caller
// should stop iterating. If the iteration was not valid, current_db is
// reset so the next iteration re-executes from a clean slate against the
// richer cache.
func (db *DB) FetchData(ctx context.Context) (bool, error) {
	valid := db.validSoFar &&
		len(db.pendingAccounts) == 0 &&
		len(db.pendingSlots) == 0 &&
		len(db.pendingBlockHashes) == 0

	if valid {
		db.log.Debug("Iteration satisfied entirely from cache", "block", db.ParentBlock+1)
		db.validSoFar = true
		return true, nil
	}

	if len(db.pendingAccounts) > 0 {
		addrs := make([]common.Address, 0, len(db.pendingAccounts))
		for a := range db.pendingAccounts {
			addrs = append(addrs, a)
		}
		infos, err := db.fetcher.GetAccounts(ctx, addrs, db.ParentBlock)
		if err != nil {
			return false, fmt.Errorf("providerdb: fetch pending accounts: %w", err)
		}
		for a, info := range infos {
			db.stagingDB[a] = info
		}
		db.pendingAccounts = make(map[common.Address]struct{})
	}

	if len(db.pendingSlots) > 0 {
		keys := make([]StorageKey, 0, len(db.pendingSlots))
		for k := range db.pendingSlots {
			keys = append(keys, k)
		}
		vals, err := db.fetcher.GetStorageSlots(ctx, keys, db.ParentBlock)
		if err != nil {
			return false, fmt.Errorf("providerdb: fetch pending slots: %w", err)
		}
		for k, v := range vals {
			db.stagingSlots[k] = v
		}
		db.pendingSlots = make(map[StorageKey]struct{})
	}

	if len(db.pendingBlockHashes) > 0 {
		nums := make([]uint64, 0, len(db.pendingBlockHashes))
		for n := range db.pendingBlockHashes {
			nums = append(nums, n)
		}
		hashes, err := db.fetcher.GetBlockHashes(ctx, nums)
		if err != nil {
			return false, fmt.Errorf("providerdb: fetch pending block hashes: %w", err)
		}
		for n, h := range hashes {
			db.blockHashes[n] = h
		}
		db.pendingBlockHashes = make(map[uint64]struct{})
	}

	// Not valid: reset current_db so the next iteration re-executes clean.
	db.currentDB = make(map[common.Address]AccountInfo)
	db.currentSlots = make(map[StorageKey]common.Hash)
	db.touched = make(map[common.Address]TouchedKind)
	db.dirtyStorage = make(map[StorageKey]common.Hash)
	db.validSoFar = true

	return false, nil
}

// AllReadAccounts returns every account ever read, satisfying the invariant
// that every account read is in initial_db at termination.
func (db *DB) AllReadAccounts() map[common.Address]AccountInfo {
	out := make(map[common.Address]AccountInfo, len(db.initialDB))
	for k, v := range db.initialDB {
		out[k] = v
	}
	return out
}

// AllReadSlots returns every storage slot ever read.
func (db *DB) AllReadSlots() map[StorageKey]common.Hash {
	out := make(map[StorageKey]common.Hash, len(db.initialSlots))
	for k, v := range db.initialSlots {
		out[k] = v
	}
	return out
}

// BlockHashWindow returns the block numbers cached for BLOCKHASH, for
// validating the "last 256 blocks" invariant in tests.
func (db *DB) BlockHashWindow() map[uint64]common.Hash {
	out := make(map[uint64]common.Hash, len(db.blockHashes))
	for k, v := range db.blockHashes {
		out[k] = v
	}
	return out
}
