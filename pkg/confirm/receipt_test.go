package confirm_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erc7824/nitrolite/chainrpc/pkg/confirm"
	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
	"github.com/erc7824/nitrolite/chainrpc/pkg/metrics"
	"github.com/erc7824/nitrolite/chainrpc/pkg/transport/transporttest"
)

func TestWaitForReceipt_Mined(t *testing.T) {
	t.Parallel()

	txHash := common.HexToHash("0xabc1")
	var polls atomic.Int32

	stub := transporttest.NewStub()
	stub.HandleResult("eth_blockNumber", hexutil.Uint64(100))
	stub.Handle("eth_getTransactionReceipt", func(req *jsonrpc.Request) (*jsonrpc.Response, error) {
		if polls.Add(1) < 3 {
			return jsonrpc.NewResult(req.ID, nil)
		}
		return jsonrpc.NewResult(req.ID, map[string]any{
			"transactionHash": txHash,
			"blockHash":       common.HexToHash("0x01"),
			"blockNumber":     "0x65",
			"status":          "0x1",
			"gasUsed":         "0x5208",
		})
	})

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	w, _ := newWatcher(t, stub.RequestOnly(), testConfig(m))

	receipt, err := w.WaitForReceipt(context.Background(), txHash, 100)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Succeeded())
	assert.Equal(t, uint64(101), uint64(receipt.BlockNumber))
	assert.Equal(t, txHash, receipt.TxHash)
	assert.Equal(t, int32(3), polls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConfirmationOutcomes.WithLabelValues(confirm.OutcomeConfirmed)))
}

func TestWaitForReceipt_Reverted(t *testing.T) {
	t.Parallel()

	stub := transporttest.NewStub()
	stub.HandleResult("eth_getTransactionReceipt", map[string]any{
		"blockNumber": "0x65",
		"status":      "0x0",
	})

	w, _ := newWatcher(t, stub.RequestOnly(), testConfig(nil))
	receipt, err := w.WaitForReceipt(context.Background(), common.HexToHash("0x1"), 100)
	require.NoError(t, err)
	assert.False(t, receipt.Succeeded())
}

func TestWaitForReceipt_BlockTimeout(t *testing.T) {
	t.Parallel()

	stub := transporttest.NewStub()
	stub.HandleResult("eth_getTransactionReceipt", nil)
	stub.HandleResult("eth_blockNumber", hexutil.Uint64(110))

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	w, _ := newWatcher(t, stub.RequestOnly(), testConfig(m))

	_, err := w.WaitForReceipt(context.Background(), common.HexToHash("0x1"), 100)
	assert.ErrorIs(t, err, jsonrpc.ErrBlockTimeout)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConfirmationOutcomes.WithLabelValues(confirm.OutcomeTimedOut)))
}

func TestWaitForReceipt_ContextDeadline(t *testing.T) {
	t.Parallel()

	stub := transporttest.NewStub()
	stub.HandleResult("eth_getTransactionReceipt", nil)
	stub.HandleResult("eth_blockNumber", hexutil.Uint64(100))

	w, _ := newWatcher(t, stub.RequestOnly(), testConfig(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := w.WaitForReceipt(ctx, common.HexToHash("0x1"), 100)
	assert.ErrorIs(t, err, jsonrpc.ErrRequestTimeout)
}
