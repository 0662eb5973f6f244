package preflight

import (
	"context"
	"fmt"
	"sync"

	"github.com/taikoxyz/raiko-go/chainspec"
	"github.com/taikoxyz/raiko-go/errs"
	"github.com/taikoxyz/raiko-go/guestinput"
)

// BatchResult pairs a block number with its GuestInput or the error
// encountered preflighting it.
type BatchResult struct {
	BlockNumber uint64
	Input       *guestinput.GuestInput
	Err         error
}

// BatchPreflight runs Preflight.Run for every block number in order,
// chunkSize at a time in parallel (spec.md §4.3's batch_preflight), then
// validates link-continuity between every adjacent pair: consecutive
// numbers, hash/parent_hash chaining, and state_root/parent_state_root
// chaining. chunkSize<=0 uses chainspec.DefaultBatchChunkSize.
func (p *Preflight) BatchPreflight(ctx context.Context, blockNumbers []uint64, chunkSize int) ([]*guestinput.GuestInput, error) {
	if chunkSize <= 0 {
		chunkSize = chainspec.DefaultBatchChunkSize
	}
	results := make([]BatchResult, len(blockNumbers))

	for start := 0; start < len(blockNumbers); start += chunkSize {
		end := start + chunkSize
		if end > len(blockNumbers) {
			end = len(blockNumbers)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				input, err := p.Run(ctx, blockNumbers[i])
				results[i] = BatchResult{BlockNumber: blockNumbers[i], Input: input, Err: err}
			}()
		}
		wg.Wait()
	}

	inputs := make([]*guestinput.GuestInput, len(results))
	for i, r := range results {
		if r.Err != nil {
			return nil, fmt.Errorf("batch preflight block %d: %w", r.BlockNumber, r.Err)
		}
		inputs[i] = r.Input
	}

	if err := validateLinkContinuity(inputs); err != nil {
		return nil, err
	}
	return inputs, nil
}

// validateLinkContinuity checks that every adjacent pair (Bk, Bk+1) in
// inputs chains correctly: Bk+1's number is Bk's number + 1, Bk+1's parent
// hash equals Bk's block hash, and, when Bk+1 carries a parent header, its
// parent state root equals Bk's post-execution state root.
func validateLinkContinuity(inputs []*guestinput.GuestInput) error {
	for i := 0; i+1 < len(inputs); i++ {
		a, b := inputs[i], inputs[i+1]
		if b.Block.NumberU64() != a.Block.NumberU64()+1 {
			return fmt.Errorf("%w: batch discontinuity: block %d followed by %d", errs.ErrPreflightFailure, a.Block.NumberU64(), b.Block.NumberU64())
		}
		if b.Block.ParentHash() != a.Block.Hash() {
			return fmt.Errorf("%w: batch discontinuity: block %d parent hash does not match block %d's hash", errs.ErrPreflightFailure, b.Block.NumberU64(), a.Block.NumberU64())
		}
		if b.ParentHeader != nil && b.ParentHeader.Root != a.Block.Root() {
			return fmt.Errorf("%w: batch discontinuity: block %d parent state root does not match block %d's state root", errs.ErrPreflightFailure, b.Block.NumberU64(), a.Block.NumberU64())
		}
	}
	return nil
}
