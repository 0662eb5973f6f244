package blockbuilder

import (
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/taikoxyz/raiko-go/errs"
	"github.com/taikoxyz/raiko-go/guestinput"
	"github.com/taikoxyz/raiko-go/preflight"
	"github.com/taikoxyz/raiko-go/providerdb"
)

// ExecutorInput bundles the fork-adjusted gas limit and side data a pure
// executor needs before it can run, per spec.md §4.4 step 2.
type ExecutorInput struct {
	GasLimit uint64
	SideData preflight.ExtraSideData
}

// BuildExecutorData applies the fork's gas-limit rule to the header and
// pairs it with the side data prepareTaikoChainInput already derived.
func BuildExecutorData(strategy *preflight.Strategy, headerGasLimit uint64, sideData preflight.ExtraSideData) ExecutorInput {
	return ExecutorInput{GasLimit: strategy.GasLimitRule.AdjustGasLimit(headerGasLimit), SideData: sideData}
}

var blockbuilderLog = log.Root().New("component", "blockbuilder")

// FinalizeBlock implements spec.md §4.4's finalize_block: consensus field
// checks, sender recovery, and the state-root recomputation gate — the
// proving pipeline's primary correctness check. It returns nil only if the
// recomputed state root equals the header's declared root.
func FinalizeBlock(signer types.Signer, input *guestinput.GuestInput, db *providerdb.DB) error {
	header := input.Block.Header()
	parent := input.ParentHeader

	if err := ValidateHeaderConsensusFields(header, parent); err != nil {
		return err
	}

	if _, err := RecoverSenders(signer, input.Block.Transactions()); err != nil {
		return err
	}

	root, err := RecomputeStateRoot(parent.Root, input, db)
	if err != nil {
		return err
	}

	if root != header.Root {
		return fmt.Errorf("%w: recomputed state root %s does not match header root %s for block %d",
			errs.ErrExecutionMismatch, root, header.Root, header.Number)
	}

	blockbuilderLog.Info("Block finalized", "block", header.Number, "stateRoot", root)
	return nil
}
