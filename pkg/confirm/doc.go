// Package confirm tracks submitted transactions.
//
// WatchForBlockTimeout races the chain head against a block budget: it
// follows a newHeads subscription when the provider is duplex and polls
// eth_blockNumber otherwise. If the subscription errors or stays silent for
// the warm-up window the watch falls back to polling, once.
//
// WaitForReceipt combines the watch with receipt polling:
//
//	w := confirm.NewWatcher(ctx, rm, subs, confirm.DefaultConfig)
//	receipt, err := w.WaitForReceipt(ctx, txHash, startBlock)
//	if errors.Is(err, jsonrpc.ErrBlockTimeout) {
//	    // resubmit with a higher fee
//	}
package confirm
