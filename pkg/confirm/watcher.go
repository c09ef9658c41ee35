package confirm

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc7824/nitrolite/chainrpc/pkg/log"
	"github.com/erc7824/nitrolite/chainrpc/pkg/rpc"
	"github.com/erc7824/nitrolite/chainrpc/pkg/subscription"
)

const unsubscribeTimeout = 5 * time.Second

// CancelFunc stops a watch. Calling it more than once is safe.
type CancelFunc func()

// Watcher decides when a submitted transaction has waited too many blocks.
// It follows new headers through a subscription when the provider supports
// one, and polls the block number otherwise.
type Watcher struct {
	rm   *rpc.RequestManager
	subs *subscription.Manager
	cfg  Config
	lg   log.Logger
}

// NewWatcher returns a Watcher. subs may be nil, which disables the header
// subscription strategy.
func NewWatcher(ctx context.Context, rm *rpc.RequestManager, subs *subscription.Manager, cfg Config) *Watcher {
	return &Watcher{
		rm:   rm,
		subs: subs,
		cfg:  cfg,
		lg:   log.FromContext(ctx).WithName("confirm"),
	}
}

// WatchForBlockTimeout delivers a *BlockTimeoutError once the chain is
// BlockTimeout blocks past startingBlock. The channel is closed after the
// error, or without a value when the watch is cancelled through the returned
// function or ctx.
func (w *Watcher) WatchForBlockTimeout(ctx context.Context, startingBlock uint64, txHash *common.Hash) (<-chan error, CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	lg := w.lg.WithKV("startBlock", startingBlock)
	if txHash != nil {
		lg = lg.WithKV("tx", txHash.Hex())
	}
	bw := &blockWatch{
		w:      w,
		start:  startingBlock,
		txHash: txHash,
		out:    make(chan error, 1),
		ctx:    ctx,
		cancel: cancel,
		lg:     lg,
	}

	if w.subs != nil && w.subs.SupportsSubscriptions() {
		bw.subscribe()
	} else {
		go bw.poll()
	}

	go func() {
		<-ctx.Done()
		bw.finish(nil)
	}()
	return bw.out, func() { bw.finish(nil) }
}

type blockWatch struct {
	w      *Watcher
	start  uint64
	txHash *common.Hash
	out    chan error
	ctx    context.Context
	cancel context.CancelFunc
	lg     log.Logger

	once sync.Once

	mu       sync.Mutex
	done     bool
	fellBack bool
	seen     bool
	sub      *subscription.Subscription
	detach   []func()
	warmup   *time.Timer
}

func (bw *blockWatch) subscribe() {
	sub := bw.w.subs.NewSubscription(bw.w.cfg.HeadsKind)

	bw.mu.Lock()
	bw.sub = sub
	bw.detach = []func(){
		sub.On(subscription.EventData, bw.onHeader),
		sub.On(subscription.EventError, func(msg subscription.Message) {
			bw.fallback("subscription error", msg.Err)
		}),
	}
	bw.warmup = time.AfterFunc(bw.w.cfg.WarmupWindow, func() {
		bw.mu.Lock()
		seen := bw.seen
		bw.mu.Unlock()
		if !seen {
			bw.fallback("no header within warm-up window", nil)
		}
	})
	bw.mu.Unlock()

	go func() {
		if err := sub.Resubscribe(bw.ctx); err != nil {
			bw.fallback("subscribe failed", err)
			return
		}

		bw.mu.Lock()
		stopped := bw.sub != sub
		bw.mu.Unlock()
		if stopped {
			unsubscribe(sub, bw.lg)
		}
	}()
}

func (bw *blockWatch) onHeader(msg subscription.Message) {
	bw.mu.Lock()
	sub := bw.sub
	if !bw.seen {
		bw.seen = true
		if bw.warmup != nil {
			bw.warmup.Stop()
		}
	}
	bw.mu.Unlock()
	if sub == nil {
		return
	}

	var h rpc.Header
	if err := sub.Decode(msg.Data, &h); err != nil {
		bw.lg.Warn("undecodable header", "error", err)
		return
	}
	bw.check(uint64(h.Number))
}

// fallback switches to polling. It takes effect at most once per watch.
func (bw *blockWatch) fallback(reason string, cause error) {
	bw.mu.Lock()
	if bw.done || bw.fellBack {
		bw.mu.Unlock()
		return
	}
	bw.fellBack = true
	bw.mu.Unlock()

	bw.lg.Info("falling back to polling", "reason", reason, "error", cause)
	bw.w.cfg.Metrics.IncWatcherFallback()
	bw.stopSubscription()
	go bw.poll()
}

func (bw *blockWatch) poll() {
	ticker := time.NewTicker(bw.w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-bw.ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := bw.w.rm.BlockNumber(bw.ctx)
		if err != nil {
			if bw.ctx.Err() != nil {
				return
			}
			bw.lg.Debug("failed to fetch block number", "error", err)
			continue
		}
		if bw.check(current) {
			return
		}
	}
}

// check reports whether current exceeded the block timeout and, if so,
// delivers the timeout error.
func (bw *blockWatch) check(current uint64) bool {
	if current < bw.start || current-bw.start < bw.w.cfg.BlockTimeout {
		return false
	}
	bw.finish(&BlockTimeoutError{
		TxHash:       bw.txHash,
		StartBlock:   bw.start,
		CurrentBlock: current,
		Threshold:    bw.w.cfg.BlockTimeout,
	})
	return true
}

func (bw *blockWatch) finish(err error) {
	bw.once.Do(func() {
		bw.mu.Lock()
		bw.done = true
		bw.mu.Unlock()

		if err != nil {
			bw.lg.Info("block timeout reached", "error", err)
			bw.w.cfg.Metrics.IncBlockTimeout()
			bw.out <- err
		}
		close(bw.out)
		bw.cancel()
		bw.stopSubscription()
	})
}

// stopSubscription detaches the handlers and unsubscribes in the background;
// it may run on the goroutine delivering notifications.
func (bw *blockWatch) stopSubscription() {
	bw.mu.Lock()
	sub := bw.sub
	detach := bw.detach
	bw.sub = nil
	bw.detach = nil
	if bw.warmup != nil {
		bw.warmup.Stop()
	}
	bw.mu.Unlock()

	for _, remove := range detach {
		remove()
	}
	if sub == nil {
		return
	}
	go unsubscribe(sub, bw.lg)
}

func unsubscribe(sub *subscription.Subscription, lg log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := sub.Unsubscribe(ctx); err != nil {
		lg.Debug("failed to unsubscribe headers", "error", err)
	}
}
