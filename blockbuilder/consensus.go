// Package blockbuilder implements the non-optimistic, "outside the pure
// executor" half of block finalization described in spec.md §4.4: header
// consensus checks the executor doesn't itself perform, sender recovery,
// and the state-root recomputation that is the proving pipeline's primary
// correctness gate.
package blockbuilder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/taikoxyz/raiko-go/errs"
)

// ValidateHeaderConsensusFields checks the header fields the pure executor
// is not trusted to validate itself (spec.md §4.4 step 1): the block
// number must be parent+1, the timestamp must strictly advance, and gas
// used must not exceed the (already fork-adjusted) gas limit.
func ValidateHeaderConsensusFields(header, parent *types.Header) error {
	wantNumber := new(big.Int).Add(parent.Number, big.NewInt(1))
	if header.Number.Cmp(wantNumber) != 0 {
		return fmt.Errorf("%w: block number %s is not parent %s + 1", errs.ErrExecutionMismatch, header.Number, parent.Number)
	}
	if header.Time <= parent.Time {
		return fmt.Errorf("%w: block timestamp %d does not advance past parent timestamp %d", errs.ErrExecutionMismatch, header.Time, parent.Time)
	}
	if header.GasUsed > header.GasLimit {
		return fmt.Errorf("%w: gas used %d exceeds gas limit %d", errs.ErrExecutionMismatch, header.GasUsed, header.GasLimit)
	}
	if header.ParentHash != parent.Hash() {
		return fmt.Errorf("%w: header parent hash does not match supplied parent header", errs.ErrExecutionMismatch)
	}
	return nil
}

// SenderRecoveryError wraps a transaction signature that failed to recover
// to an address, identifying the offending transaction's index and hash.
type SenderRecoveryError struct {
	Index int
	Hash  common.Hash
	Err   error
}

func (e *SenderRecoveryError) Error() string {
	return fmt.Sprintf("blockbuilder: recover sender for tx %d (%s): %v", e.Index, e.Hash, e.Err)
}

func (e *SenderRecoveryError) Unwrap() error { return e.Err }

// RecoverSenders recovers the sender of every transaction in the block
// using signer, failing closed on the first bad signature.
func RecoverSenders(signer types.Signer, txs []*types.Transaction) ([]common.Address, error) {
	senders := make([]common.Address, len(txs))
	for i, tx := range txs {
		addr, err := types.Sender(signer, tx)
		if err != nil {
			return nil, &SenderRecoveryError{Index: i, Hash: tx.Hash(), Err: fmt.Errorf("%w: %v", errs.ErrConversionFailure, err)}
		}
		senders[i] = addr
	}
	return senders, nil
}
