package preflight

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/taikoxyz/raiko-go/chainspec"
	"github.com/taikoxyz/raiko-go/guestinput"
	"github.com/taikoxyz/raiko-go/providerdb"
	"github.com/taikoxyz/raiko-go/rpcprovider"
)

var testL1Contract = common.HexToAddress("0x1000000000000000000000000000000000000001")

// fakeDataSource is a minimal in-memory DataSource for preflight tests.
type fakeDataSource struct {
	blocksByNumber map[uint64]*types.Block
	logsAtBlock    map[uint64][]types.Log
	accounts       map[common.Address]rpcprovider.AccountState
}

func (f *fakeDataSource) GetBlocks(ctx context.Context, reqs []rpcprovider.BlockRequest) ([]*types.Block, error) {
	out := make([]*types.Block, len(reqs))
	for i, r := range reqs {
		out[i] = f.blocksByNumber[r.Number]
	}
	return out, nil
}

func (f *fakeDataSource) GetLogs(ctx context.Context, filter rpcprovider.LogFilter) ([]types.Log, error) {
	if filter.FromBlock == nil {
		return nil, nil
	}
	return f.logsAtBlock[*filter.FromBlock], nil
}

func (f *fakeDataSource) GetTransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	return nil, nil
}

func (f *fakeDataSource) GetProofs(ctx context.Context, reqs []rpcprovider.ProofRequest, atBlock uint64) ([]*rpcprovider.AccountProof, error) {
	out := make([]*rpcprovider.AccountProof, len(reqs))
	for i, r := range reqs {
		out[i] = &rpcprovider.AccountProof{
			Address:      r.Address,
			AccountProof: []string{"0xaabbcc"},
		}
	}
	return out, nil
}

func (f *fakeDataSource) GetAccounts(ctx context.Context, addrs []common.Address, atBlock uint64) (map[common.Address]rpcprovider.AccountState, error) {
	out := make(map[common.Address]rpcprovider.AccountState, len(addrs))
	for _, a := range addrs {
		if s, ok := f.accounts[a]; ok {
			out[a] = s
			continue
		}
		out[a] = rpcprovider.AccountState{Balance: &rpcprovider.HexBig{Value: "0x0"}, Nonce: 0, Code: nil}
	}
	return out, nil
}

func (f *fakeDataSource) GetStorageSlots(ctx context.Context, reqs []rpcprovider.StorageRequest, atBlock uint64) (map[rpcprovider.StorageRequest]common.Hash, error) {
	out := make(map[rpcprovider.StorageRequest]common.Hash, len(reqs))
	for _, r := range reqs {
		out[r] = common.Hash{}
	}
	return out, nil
}

// settleImmediatelyExecutor never touches the db, so the first FetchData
// call always reports the iteration settled.
type settleImmediatelyExecutor struct{ calls int }

func (e *settleImmediatelyExecutor) Execute(ctx context.Context, input *guestinput.GuestInput, db *providerdb.DB, sideData ExtraSideData) (ExecResult, error) {
	e.calls++
	return ExecResult{}, nil
}

// oneMissExecutor reads one account on its first call (forcing a pending
// fetch and a second iteration), then settles.
type oneMissExecutor struct {
	addr  common.Address
	calls int
}

func (e *oneMissExecutor) Execute(ctx context.Context, input *guestinput.GuestInput, db *providerdb.DB, sideData ExtraSideData) (ExecResult, error) {
	e.calls++
	if _, err := db.Basic(ctx, e.addr); err != nil {
		return ExecResult{}, err
	}
	return ExecResult{}, nil
}

func heklaAnchorCalldata(l1StateRoot common.Hash, blockID uint64) []byte {
	payload := make([]byte, 32*4)
	copy(payload[32:64], l1StateRoot[:])
	idBytes := payload[64:96]
	for i := 0; i < 8; i++ {
		idBytes[31-i] = byte(blockID >> (8 * i))
	}
	sel := anchorSelectorHekla
	return append(sel[:], payload...)
}

func buildTestBlocks(t *testing.T, anchorCalldata []byte) (*types.Block, *types.Block) {
	t.Helper()
	parentHeader := &types.Header{
		Number:     big.NewInt(99),
		Difficulty: big.NewInt(0),
		GasLimit:   1_000_000,
		Extra:      []byte{},
	}
	parent := types.NewBlockWithHeader(parentHeader)

	header := &types.Header{
		Number:     big.NewInt(100),
		ParentHash: parent.Hash(),
		Time:       1000,
		Difficulty: big.NewInt(0),
		GasLimit:   1_000_000,
		Extra:      []byte{},
	}
	to := common.HexToAddress("0x2000000000000000000000000000000000000002")
	anchorTx := types.NewTx(&types.LegacyTx{
		Nonce: 0, GasPrice: big.NewInt(0), Gas: 21000, To: &to, Value: big.NewInt(0), Data: anchorCalldata,
	})
	block := types.NewBlockWithHeader(header).WithBody([]*types.Transaction{anchorTx}, nil)
	return block, parent
}

func buildTestChainSpec() *chainspec.ChainSpec {
	return &chainspec.ChainSpec{ChainID: big.NewInt(1)}
}

func TestPreflightRunCalldataPathSettlesImmediately(t *testing.T) {
	calldata := heklaAnchorCalldata(common.HexToHash("0xbeef"), 50)
	block, parent := buildTestBlocks(t, calldata)

	logData := make([]byte, 32)
	log := types.Log{
		Address: testL1Contract,
		Topics:  []common.Hash{blockProposedEventSig, common.BigToHash(big.NewInt(100))},
		Data:    logData,
	}

	ds := &fakeDataSource{
		blocksByNumber: map[uint64]*types.Block{100: block, 99: parent, 50: parent},
		logsAtBlock:    map[uint64][]types.Log{50: {log}},
		accounts:       map[common.Address]rpcprovider.AccountState{},
	}

	executor := &settleImmediatelyExecutor{}
	pf, err := New(buildTestChainSpec(), ds, nil, executor, TaikoConfig{L1ContractAddress: testL1Contract, GenesisTime: 0, SecondsPerSlot: 12}, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	input, err := pf.Run(context.Background(), 100)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if input.Taiko.BlobUsed {
		t.Fatalf("expected calldata path, got BlobUsed=true")
	}
	if executor.calls != 1 {
		t.Fatalf("expected exactly one execution when nothing is pending, got %d", executor.calls)
	}
	if input.Block.NumberU64() != 100 {
		t.Fatalf("wrong block number in guest input: %d", input.Block.NumberU64())
	}
}

func TestPreflightRunResolvesOneOptimisticMiss(t *testing.T) {
	calldata := heklaAnchorCalldata(common.HexToHash("0xbeef"), 50)
	block, parent := buildTestBlocks(t, calldata)

	log := types.Log{
		Address: testL1Contract,
		Topics:  []common.Hash{blockProposedEventSig, common.BigToHash(big.NewInt(100))},
		Data:    make([]byte, 32),
	}
	missAddr := common.HexToAddress("0x3000000000000000000000000000000000000003")

	ds := &fakeDataSource{
		blocksByNumber: map[uint64]*types.Block{100: block, 99: parent, 50: parent},
		logsAtBlock:    map[uint64][]types.Log{50: {log}},
		accounts: map[common.Address]rpcprovider.AccountState{
			missAddr: {Balance: &rpcprovider.HexBig{Value: "0x64"}, Nonce: 3, Code: nil},
		},
	}

	executor := &oneMissExecutor{addr: missAddr}
	pf, err := New(buildTestChainSpec(), ds, nil, executor, TaikoConfig{L1ContractAddress: testL1Contract, GenesisTime: 0, SecondsPerSlot: 12}, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = pf.Run(context.Background(), 100)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if executor.calls != 2 {
		t.Fatalf("expected a second iteration to resolve the optimistic miss, got %d calls", executor.calls)
	}
}

func TestBatchPreflightRejectsDiscontinuousChain(t *testing.T) {
	h1 := &types.Header{Number: big.NewInt(1), Extra: []byte{}}
	h2 := &types.Header{Number: big.NewInt(3), ParentHash: common.HexToHash("0xdeadbeef"), Extra: []byte{}}
	b1 := types.NewBlockWithHeader(h1)
	b2 := types.NewBlockWithHeader(h2)

	inputs := []*guestinput.GuestInput{{Block: b1}, {Block: b2}}
	if err := validateLinkContinuity(inputs); err == nil {
		t.Fatalf("expected discontinuity error")
	}
}
