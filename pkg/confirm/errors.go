package confirm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
)

// BlockTimeoutError reports a transaction still unconfirmed after the block
// timeout. It matches jsonrpc.ErrBlockTimeout with errors.Is.
type BlockTimeoutError struct {
	TxHash       *common.Hash
	StartBlock   uint64
	CurrentBlock uint64
	Threshold    uint64
}

func (e *BlockTimeoutError) Error() string {
	if e.TxHash != nil {
		return fmt.Sprintf("%v: transaction %s not confirmed %d blocks after block %d (now %d)",
			jsonrpc.ErrBlockTimeout, e.TxHash.Hex(), e.Threshold, e.StartBlock, e.CurrentBlock)
	}
	return fmt.Sprintf("%v: %d blocks passed since block %d (now %d)",
		jsonrpc.ErrBlockTimeout, e.Threshold, e.StartBlock, e.CurrentBlock)
}

func (e *BlockTimeoutError) Unwrap() error {
	return jsonrpc.ErrBlockTimeout
}
