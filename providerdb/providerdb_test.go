package providerdb

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type fakeFetcher struct {
	accounts map[common.Address]AccountInfo
	slots    map[StorageKey]common.Hash
	hashes   map[uint64]common.Hash
}

func (f *fakeFetcher) GetAccounts(_ context.Context, addrs []common.Address, _ uint64) (map[common.Address]AccountInfo, error) {
	out := make(map[common.Address]AccountInfo)
	for _, a := range addrs {
		out[a] = f.accounts[a]
	}
	return out, nil
}

func (f *fakeFetcher) GetStorageSlots(_ context.Context, keys []StorageKey, _ uint64) (map[StorageKey]common.Hash, error) {
	out := make(map[StorageKey]common.Hash)
	for _, k := range keys {
		out[k] = f.slots[k]
	}
	return out, nil
}

func (f *fakeFetcher) GetBlockHashes(_ context.Context, nums []uint64) (map[uint64]common.Hash, error) {
	out := make(map[uint64]common.Hash)
	for _, n := range nums {
		out[n] = f.hashes[n]
	}
	return out, nil
}

func TestOptimisticMissReturnsExtremePlaceholder(t *testing.T) {
	addr := common.HexToAddress("0xaaaa")
	fetcher := &fakeFetcher{accounts: map[common.Address]AccountInfo{
		addr: {Balance: big.NewInt(42), Nonce: 7},
	}}

	db := New(100, fetcher)
	db.SetOptimistic(true)

	info, err := db.Basic(context.Background(), addr)
	if err != nil {
		t.Fatalf("Basic: %v", err)
	}
	if info.Nonce != placeholderNonce {
		t.Fatalf("expected placeholder nonce %d, got %d", placeholderNonce, info.Nonce)
	}
	if info.Balance.Sign() != 0 {
		t.Fatalf("expected zero placeholder balance, got %v", info.Balance)
	}

	if ok, err := db.FetchData(context.Background()); err != nil || ok {
		t.Fatalf("expected FetchData to report pending work, got ok=%v err=%v", ok, err)
	}

	// Second iteration: the account is now in staging_db and the iteration
	// is valid so far, so the read should promote it into initial_db and
	// return the real value.
	info, err = db.Basic(context.Background(), addr)
	if err != nil {
		t.Fatalf("Basic (2nd pass): %v", err)
	}
	if info.Nonce != 7 {
		t.Fatalf("expected real nonce 7 after promotion, got %d", info.Nonce)
	}

	if ok, err := db.FetchData(context.Background()); err != nil || !ok {
		t.Fatalf("expected FetchData to report trace settled, got ok=%v err=%v", ok, err)
	}

	read := db.AllReadAccounts()
	if _, ok := read[addr]; !ok {
		t.Fatalf("expected account to be present in initial_db at termination")
	}
}

func TestNonOptimisticModeFetchesSynchronously(t *testing.T) {
	addr := common.HexToAddress("0xbbbb")
	fetcher := &fakeFetcher{accounts: map[common.Address]AccountInfo{
		addr: {Balance: big.NewInt(5), Nonce: 1},
	}}

	db := New(1, fetcher)
	info, err := db.Basic(context.Background(), addr)
	if err != nil {
		t.Fatalf("Basic: %v", err)
	}
	if info.Nonce != 1 {
		t.Fatalf("expected synchronous fetch to return real nonce, got %d", info.Nonce)
	}
}

func TestFetchDataResetsCurrentDBOnInvalidIteration(t *testing.T) {
	addr := common.HexToAddress("0xcccc")
	other := common.HexToAddress("0xdddd")
	fetcher := &fakeFetcher{accounts: map[common.Address]AccountInfo{
		other: {Balance: big.NewInt(1), Nonce: 1},
	}}

	db := New(1, fetcher)
	db.Commit(addr, AccountInfo{Nonce: 99}, TouchedNone)
	db.SetOptimistic(true)

	if _, err := db.Basic(context.Background(), other); err != nil {
		t.Fatalf("Basic: %v", err)
	}
	if ok, err := db.FetchData(context.Background()); err != nil || ok {
		t.Fatalf("expected pending work, got ok=%v err=%v", ok, err)
	}

	if _, ok := db.currentDB[addr]; ok {
		t.Fatalf("expected current_db to be reset after an invalid iteration")
	}
}
