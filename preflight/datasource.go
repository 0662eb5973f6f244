package preflight

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/taikoxyz/raiko-go/providerdb"
	"github.com/taikoxyz/raiko-go/rpcprovider"
)

// DataSource is the subset of *rpcprovider.Provider preflight depends on.
// *rpcprovider.Provider satisfies this directly; tests substitute a fake.
type DataSource interface {
	GetBlocks(ctx context.Context, reqs []rpcprovider.BlockRequest) ([]*types.Block, error)
	GetLogs(ctx context.Context, filter rpcprovider.LogFilter) ([]types.Log, error)
	GetTransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, error)
	GetProofs(ctx context.Context, reqs []rpcprovider.ProofRequest, atBlock uint64) ([]*rpcprovider.AccountProof, error)
	GetAccounts(ctx context.Context, addrs []common.Address, atBlock uint64) (map[common.Address]rpcprovider.AccountState, error)
	GetStorageSlots(ctx context.Context, reqs []rpcprovider.StorageRequest, atBlock uint64) (map[rpcprovider.StorageRequest]common.Hash, error)
}

// BlobSource is the subset of the blob adapters preflight depends on.
type BlobSource interface {
	GetBlobSidecar(ctx context.Context, slot uint64, expectedVersionedHash common.Hash) (*rpcprovider.BlobSidecar, error)
}

// providerDBFetcher adapts DataSource's address/slot-shaped batching calls
// into providerdb.Fetcher's contract, including BLOCKHASH resolution, which
// DataSource exposes only indirectly through GetBlocks.
type providerDBFetcher struct {
	data DataSource
}

// NewProviderDBFetcher builds the providerdb.Fetcher preflight wires into
// every ProviderDb it constructs.
func NewProviderDBFetcher(data DataSource) providerdb.Fetcher {
	return &providerDBFetcher{data: data}
}

func (f *providerDBFetcher) GetAccounts(ctx context.Context, addrs []common.Address, atBlock uint64) (map[common.Address]providerdb.AccountInfo, error) {
	states, err := f.data.GetAccounts(ctx, addrs, atBlock)
	if err != nil {
		return nil, err
	}
	out := make(map[common.Address]providerdb.AccountInfo, len(states))
	for addr, s := range states {
		balance, err := hexutil.DecodeBig(s.Balance.Value)
		if err != nil {
			return nil, fmt.Errorf("preflight: decode balance for %s: %w", addr, err)
		}
		out[addr] = providerdb.AccountInfo{
			Balance:  balance,
			Nonce:    s.Nonce,
			Code:     s.Code,
			CodeHash: crypto.Keccak256Hash(s.Code),
		}
	}
	return out, nil
}

func (f *providerDBFetcher) GetStorageSlots(ctx context.Context, keys []providerdb.StorageKey, atBlock uint64) (map[providerdb.StorageKey]common.Hash, error) {
	reqs := make([]rpcprovider.StorageRequest, len(keys))
	for i, k := range keys {
		reqs[i] = rpcprovider.StorageRequest{Address: k.Address, Slot: k.Slot}
	}
	vals, err := f.data.GetStorageSlots(ctx, reqs, atBlock)
	if err != nil {
		return nil, err
	}
	out := make(map[providerdb.StorageKey]common.Hash, len(vals))
	for r, v := range vals {
		out[providerdb.StorageKey{Address: r.Address, Slot: r.Slot}] = v
	}
	return out, nil
}

func (f *providerDBFetcher) GetBlockHashes(ctx context.Context, numbers []uint64) (map[uint64]common.Hash, error) {
	reqs := make([]rpcprovider.BlockRequest, len(numbers))
	for i, n := range numbers {
		reqs[i] = rpcprovider.BlockRequest{Number: n, WithTxBodies: false}
	}
	blocks, err := f.data.GetBlocks(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("preflight: fetch block hashes: %w", err)
	}
	out := make(map[uint64]common.Hash, len(blocks))
	for i, b := range blocks {
		if b != nil {
			out[numbers[i]] = b.Hash()
		}
	}
	return out, nil
}
