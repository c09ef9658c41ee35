package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/erc7824/nitrolite/chainrpc/pkg/confirm"
	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
	"github.com/erc7824/nitrolite/chainrpc/pkg/log"
	"github.com/erc7824/nitrolite/chainrpc/pkg/metrics"
	"github.com/erc7824/nitrolite/chainrpc/pkg/rpc"
	"github.com/erc7824/nitrolite/chainrpc/pkg/subscription"
)

const usage = `usage: chainwatch <command> [args]

commands:
  heads                          follow new block headers
  status                         print chain id and head block
  track <txhash> [start-block]   wait for a transaction receipt
  history [limit]                list tracked transactions`

func main() {
	logger := log.NewZapLogger(log.Config{Format: "console", Level: log.LevelInfo, Output: "stderr"}).WithName("chainwatch")
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}
	logger = log.NewZapLogger(config.Log).WithName("chainwatch")

	ctx, cancel := context.WithCancel(log.SetContextLogger(context.Background(), logger))
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	if err := run(ctx, config, os.Args[1], os.Args[2:]); err != nil {
		logger.Fatal("command failed", "command", os.Args[1], "error", err)
	}
}

func run(ctx context.Context, config *Config, command string, args []string) error {
	switch command {
	case "history":
		return runHistory(config, args)
	case "heads", "status", "track":
	default:
		return errors.Errorf("unknown command %q\n%s", command, usage)
	}

	m := metrics.NewMetrics()
	metricsServer := startMetricsServer(ctx, config.MetricsAddr)
	defer shutdownMetricsServer(ctx, metricsServer)

	node, err := dialNode(ctx, config, m)
	if err != nil {
		return err
	}
	defer node.Close(ctx)

	switch command {
	case "heads":
		return node.followHeads(ctx, config.PollInterval)
	case "status":
		return node.printStatus(ctx)
	default:
		return runTrack(ctx, config, node, args)
	}
}

// node bundles the client stack built from one endpoint.
type node struct {
	rm      *rpc.RequestManager
	subs    *subscription.Manager
	watcher *confirm.Watcher
}

func dialNode(ctx context.Context, config *Config, m *metrics.Metrics) (*node, error) {
	rm, err := rpc.NewRequestManager(ctx, config.endpoint(), config.rpcConfig(m))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to node")
	}

	subCfg := subscription.DefaultConfig
	subCfg.Metrics = m
	subs := subscription.NewManager(ctx, rm, subCfg)

	return &node{
		rm:      rm,
		subs:    subs,
		watcher: confirm.NewWatcher(ctx, rm, subs, config.confirmConfig(m)),
	}, nil
}

func (n *node) Close(ctx context.Context) {
	lg := log.FromContext(ctx)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := n.subs.Close(closeCtx); err != nil {
		lg.Warn("failed to tear down subscriptions", "error", err)
	}
	if err := n.rm.Close(); err != nil {
		lg.Warn("failed to close provider", "error", err)
	}
}

// followHeads prints every new block until ctx is done. Nodes without push
// support are polled.
func (n *node) followHeads(ctx context.Context, interval time.Duration) error {
	lg := log.FromContext(ctx).WithName("heads")

	if !n.subs.SupportsSubscriptions() {
		lg.Info("provider cannot push, polling block number", "interval", interval)
		return n.pollHeads(ctx, interval)
	}

	sub, err := n.subs.Subscribe(ctx, "newHeads")
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to new heads")
	}
	sub.On(subscription.EventData, func(msg subscription.Message) {
		var h rpc.Header
		if err := sub.Decode(msg.Data, &h); err != nil {
			lg.Warn("undecodable header", "error", err)
			return
		}
		lg.Info("new head", "number", uint64(h.Number), "hash", h.Hash.Hex(), "timestamp", uint64(h.Timestamp))
	})
	sub.On(subscription.EventError, func(msg subscription.Message) {
		lg.Warn("subscription interrupted", "error", msg.Err)
	})
	lg.Info("subscribed to new heads", "id", sub.ID())

	<-ctx.Done()
	return nil
}

func (n *node) pollHeads(ctx context.Context, interval time.Duration) error {
	lg := log.FromContext(ctx).WithName("heads")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last uint64
	for {
		current, err := n.rm.BlockNumber(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			lg.Warn("failed to fetch block number", "error", err)
		case err == nil && current != last:
			last = current
			lg.Info("new head", "number", current)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// printStatus fetches chain id and head block in one batch.
func (n *node) printStatus(ctx context.Context) error {
	batch := n.rm.NewBatch()
	chainID, err := batch.Add("eth_chainId")
	if err != nil {
		return err
	}
	head, err := batch.Add("eth_blockNumber")
	if err != nil {
		return err
	}
	if _, err := batch.Execute(ctx); err != nil {
		return errors.Wrap(err, "status batch failed")
	}

	var id, number hexutil.Big
	if err := chainID.Decode(ctx, &id); err != nil {
		return errors.Wrap(err, "failed to read chain id")
	}
	if err := head.Decode(ctx, &number); err != nil {
		return errors.Wrap(err, "failed to read block number")
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Chain ID", "Head Block", "Push"})
	t.AppendSeparator()
	t.AppendRow(table.Row{id.ToInt().String(), number.ToInt().String(), n.subs.SupportsSubscriptions()})
	t.Render()
	return nil
}

func runTrack(ctx context.Context, config *Config, n *node, args []string) error {
	if len(args) < 1 {
		return errors.New("track requires a transaction hash")
	}
	txHash, err := parseTxHash(args[0])
	if err != nil {
		return err
	}

	var start uint64
	if len(args) > 1 {
		if start, err = strconv.ParseUint(args[1], 10, 64); err != nil {
			return errors.Wrapf(err, "invalid start block %q", args[1])
		}
	} else if start, err = n.rm.BlockNumber(ctx); err != nil {
		return errors.Wrap(err, "failed to fetch start block")
	}

	db, err := ConnectToDB(config.Database)
	if err != nil {
		return errors.Wrap(err, "failed to setup database")
	}
	journal := NewJournal(db)
	entry, err := journal.Record(txHash.Hex(), start)
	if err != nil {
		return err
	}

	lg := log.FromContext(ctx).WithKV("tx", txHash.Hex())
	lg.Info("tracking transaction", "startBlock", start, "blockTimeout", config.BlockTimeout)

	receipt, waitErr := n.watcher.WaitForReceipt(ctx, txHash, start)
	outcome, receiptBlock := classify(receipt, waitErr)
	if err := journal.Resolve(entry.ID, outcome, receiptBlock, waitErr); err != nil {
		lg.Error("failed to store outcome", "error", err)
	}

	if waitErr != nil {
		return errors.Wrap(waitErr, "transaction not confirmed")
	}
	lg.Info("transaction confirmed", "outcome", outcome, "block", receiptBlock, "gasUsed", uint64(receipt.GasUsed))
	return nil
}

func classify(receipt *confirm.Receipt, err error) (string, uint64) {
	switch {
	case err == nil && receipt.Succeeded():
		return confirm.OutcomeConfirmed, uint64(receipt.BlockNumber)
	case err == nil:
		return confirm.OutcomeReverted, uint64(receipt.BlockNumber)
	case errors.Is(err, jsonrpc.ErrBlockTimeout):
		return confirm.OutcomeTimedOut, 0
	default:
		return confirm.OutcomeAborted, 0
	}
}

func parseTxHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "invalid transaction hash %q", s)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, errors.Errorf("invalid transaction hash %q: want %d bytes, got %d", s, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

func runHistory(config *Config, args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.Wrapf(err, "invalid limit %q", args[0])
		}
		limit = n
	}

	db, err := ConnectToDB(config.Database)
	if err != nil {
		return errors.Wrap(err, "failed to setup database")
	}
	watches, err := NewJournal(db).List(limit)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Tx Hash", "Start", "Outcome", "Mined In", "Tracked At"})
	t.AppendSeparator()
	for _, w := range watches {
		mined := "-"
		if w.ReceiptBlock > 0 {
			mined = strconv.FormatUint(w.ReceiptBlock, 10)
		}
		t.AppendRow(table.Row{w.ID, w.TxHash, w.StartBlock, w.Outcome, mined, w.CreatedAt.Format(time.RFC3339)})
	}
	t.Render()
	return nil
}

func startMetricsServer(ctx context.Context, addr string) *http.Server {
	if addr == "" {
		return nil
	}
	lg := log.FromContext(ctx)

	metricsEndpoint := "/metrics"
	metricsMux := http.NewServeMux()
	metricsMux.Handle(metricsEndpoint, promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    addr,
		Handler: metricsMux,
	}
	go func() {
		lg.Info("Prometheus metrics available", "listenAddr", addr, "endpoint", metricsEndpoint)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error("metrics server failure", "error", err)
		}
	}()
	return metricsServer
}

func shutdownMetricsServer(ctx context.Context, srv *http.Server) {
	if srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.FromContext(ctx).Error("failed to shut down metrics server", "error", err)
	}
}
