package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
	"github.com/erc7824/nitrolite/chainrpc/pkg/rpc"
)

// Receipt is the mined outcome of a transaction.
type Receipt = rpc.Receipt

// Confirmation outcomes recorded in metrics.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeReverted  = "reverted"
	OutcomeTimedOut  = "block_timeout"
	OutcomeAborted   = "aborted"
)

// WaitForReceipt polls for the receipt of txHash until it is mined or the
// block timeout counted from startingBlock is reached. A reverted
// transaction still returns its receipt; check Receipt.Succeeded.
func (w *Watcher) WaitForReceipt(ctx context.Context, txHash common.Hash, startingBlock uint64) (*Receipt, error) {
	timeouts, cancel := w.WatchForBlockTimeout(ctx, startingBlock, &txHash)
	defer cancel()

	lg := w.lg.WithKV("tx", txHash.Hex())
	fetch := func() *Receipt {
		receipt, err := w.rm.TransactionReceipt(ctx, txHash)
		if err != nil {
			if ctx.Err() == nil {
				lg.Debug("failed to fetch receipt", "error", err)
			}
			return nil
		}
		return receipt
	}

	ticker := time.NewTicker(w.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	receipt := fetch()
	for receipt == nil {
		select {
		case <-ctx.Done():
			w.cfg.Metrics.IncConfirmationOutcome(OutcomeAborted)
			return nil, contextError(ctx)
		case err, ok := <-timeouts:
			if !ok {
				w.cfg.Metrics.IncConfirmationOutcome(OutcomeAborted)
				return nil, contextError(ctx)
			}
			w.cfg.Metrics.IncConfirmationOutcome(OutcomeTimedOut)
			return nil, err
		case <-ticker.C:
			receipt = fetch()
		}
	}

	outcome := OutcomeConfirmed
	if !receipt.Succeeded() {
		outcome = OutcomeReverted
	}
	w.cfg.Metrics.IncConfirmationOutcome(outcome)
	lg.Info("transaction mined", "block", uint64(receipt.BlockNumber), "outcome", outcome)
	return receipt, nil
}

func contextError(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", jsonrpc.ErrRequestTimeout, err)
	}
	return fmt.Errorf("%w: %w", jsonrpc.ErrRequestAborted, err)
}
