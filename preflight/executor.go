package preflight

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/taikoxyz/raiko-go/guestinput"
	"github.com/taikoxyz/raiko-go/providerdb"
)

// ExecResult is what the pure executor (§9, "Executor as an external
// capability") returns: (post_state, receipts, valid_tx_indices).
type ExecResult struct {
	PostStateRoot  common.Hash
	Receipts       []*types.Receipt
	ValidTxIndices []int
	GasUsed        uint64
}

// Executor is the EVM execution capability, treated as a pure function of
// (GuestInput, DB). Not implemented here — this package only specifies the
// contract an executor must satisfy; the actual EVM interpreter is supplied
// by the caller (spec.md §9 explicitly scopes it out).
type Executor interface {
	Execute(ctx context.Context, input *guestinput.GuestInput, db *providerdb.DB, sideData ExtraSideData) (ExecResult, error)
}
