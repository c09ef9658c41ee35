package rpc

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc7824/nitrolite/chainrpc/pkg/metrics"
	"github.com/erc7824/nitrolite/chainrpc/pkg/transport"
)

// Config holds every setting of a RequestManager. There are no
// process-wide defaults besides DefaultConfig.
type Config struct {
	// Transport is used when the provider is given as an endpoint string.
	Transport transport.Config
	// BatchTimeout bounds a whole batch. Zero disables the batch deadline.
	BatchTimeout time.Duration
	// StrictBatchOrder additionally requires batch replies in request order.
	StrictBatchOrder bool
	// DefaultBlock is injected by registry methods taking an optional block.
	DefaultBlock string
	// DefaultAccount is injected by registry methods taking an optional account.
	DefaultAccount common.Address
	// Registry resolves method names for Invoke. Nil means EthRegistry().
	Registry *Registry
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultConfig uses a 10 second batch deadline and the latest block.
var DefaultConfig = Config{
	Transport:    transport.DefaultConfig,
	BatchTimeout: 10 * time.Second,
	DefaultBlock: "latest",
}
