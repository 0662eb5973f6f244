// Package preflight drives optimistic re-execution to completion and
// produces a fully populated GuestInput, per spec.md §4.3.
package preflight

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"

	"github.com/ethereum/go-ethereum/log"

	"github.com/taikoxyz/raiko-go/chainspec"
	"github.com/taikoxyz/raiko-go/errs"
	"github.com/taikoxyz/raiko-go/guestinput"
	"github.com/taikoxyz/raiko-go/providerdb"
	"github.com/taikoxyz/raiko-go/rpcprovider"
)

// TaikoConfig carries the L1 rollup-contract wiring preflight needs to
// locate and decode propose events.
type TaikoConfig struct {
	L1ContractAddress common.Address
	GenesisTime       uint64
	SecondsPerSlot    uint64
}

// Preflight orchestrates data gathering and re-execution for one chain.
type Preflight struct {
	chainSpec *chainspec.ChainSpec
	data      DataSource
	blob      BlobSource
	executor  Executor
	taiko     TaikoConfig
	cache     *lru.Cache // key: parentCacheKey -> *cachedParentState
	log       log.Logger
}

// cachedParentState is the LRU payload keyed by (parent_number,
// parent_hash), per spec.md §4.3 step 4.
type cachedParentState struct {
	ParentStateTrieNodes []guestinput.TrieNode
	ParentStorage        []guestinput.AccountStorage
}

type parentCacheKey struct {
	Number uint64
	Hash   common.Hash
}

// New constructs a Preflight. cacheSize is the LRU's entry capacity.
func New(chainSpec *chainspec.ChainSpec, data DataSource, blob BlobSource, executor Executor, taiko TaikoConfig, cacheSize int) (*Preflight, error) {
	if cacheSize <= 0 {
		cacheSize = 32
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("preflight: construct lru cache: %w", err)
	}
	return &Preflight{
		chainSpec: chainSpec, data: data, blob: blob, executor: executor, taiko: taiko,
		cache: cache, log: log.Root().New("component", "preflight"),
	}, nil
}

// Run executes spec.md §4.3's per-block algorithm and returns a fully
// populated GuestInput.
func (p *Preflight) Run(ctx context.Context, blockNumber uint64) (*guestinput.GuestInput, error) {
	blocks, err := p.data.GetBlocks(ctx, []rpcprovider.BlockRequest{
		{Number: blockNumber, WithTxBodies: true},
		{Number: blockNumber - 1, WithTxBodies: false},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fetch block and parent: %v", errs.ErrProviderTransient, err)
	}
	if len(blocks) != 2 || blocks[0] == nil || blocks[1] == nil {
		return nil, fmt.Errorf("%w: block %d or its parent not found", errs.ErrPreflightFailure, blockNumber)
	}
	block, parent := blocks[0], blocks[1]

	fork := p.chainSpec.ForkAt(block.Number(), block.Time())
	strategy, err := StrategyFor(fork)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrPreflightFailure, err)
	}

	input := &guestinput.GuestInput{
		Fork:         fork,
		Block:        block,
		ParentHeader: parent.Header(),
		Contracts:    make(map[common.Hash][]byte),
	}

	sideData, err := p.prepareTaikoChainInput(ctx, strategy, input)
	if err != nil {
		return nil, err
	}

	cacheKey := parentCacheKey{Number: parent.NumberU64(), Hash: parent.Hash()}
	if cached, ok := p.cache.Get(cacheKey); ok {
		state := cached.(*cachedParentState)
		input.ParentStateTrieNodes = state.ParentStateTrieNodes
		input.ParentStorage = state.ParentStorage
	}

	db := providerdb.New(parent.NumberU64(), NewProviderDBFetcher(p.data))

	iterations := 0
	for iter := 0; iter < chainspec.MaxOptimisticIterations; iter++ {
		iterations = iter + 1
		db.SetOptimistic(iter+1 < chainspec.MaxOptimisticIterations)

		if _, err := p.executor.Execute(ctx, input, db, sideData); err != nil {
			return nil, fmt.Errorf("%w: execute block %d (iteration %d): %v", errs.ErrExecutionMismatch, blockNumber, iter, err)
		}

		settled, err := db.FetchData(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: fetch_data at iteration %d: %v", errs.ErrProviderTransient, iter, err)
		}
		if settled {
			break
		}
	}
	if iterations >= chainspec.MaxOptimisticIterations {
		p.log.Warn("Preflight exhausted optimistic iteration budget", "block", blockNumber, "iterations", iterations)
	}
	p.log.Info("Preflight execution settled", "block", blockNumber, "iterations", iterations)

	if err := p.gatherProofsAndTries(ctx, parent, db, input); err != nil {
		return nil, err
	}

	p.cache.Add(cacheKey, &cachedParentState{
		ParentStateTrieNodes: input.ParentStateTrieNodes,
		ParentStorage:        input.ParentStorage,
	})

	return input, nil
}
