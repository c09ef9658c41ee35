package confirm

import (
	"time"

	"github.com/erc7824/nitrolite/chainrpc/pkg/metrics"
)

// Config controls block-timeout watching and receipt polling.
type Config struct {
	// BlockTimeout is the number of blocks after the starting block at which
	// a transaction is given up on.
	BlockTimeout uint64
	// PollInterval is the block number polling period.
	PollInterval time.Duration
	// WarmupWindow is how long the header subscription may stay silent
	// before the watcher falls back to polling.
	WarmupWindow time.Duration
	// ReceiptPollInterval is the receipt polling period of WaitForReceipt.
	ReceiptPollInterval time.Duration
	// HeadsKind is the subscription kind delivering new block headers.
	HeadsKind string
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultConfig gives up after 50 blocks.
var DefaultConfig = Config{
	BlockTimeout:        50,
	PollInterval:        time.Second,
	WarmupWindow:        10 * time.Second,
	ReceiptPollInterval: time.Second,
	HeadsKind:           "newHeads",
}
