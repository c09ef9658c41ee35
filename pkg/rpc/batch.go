package rpc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
	"github.com/erc7824/nitrolite/chainrpc/pkg/log"
	"github.com/erc7824/nitrolite/chainrpc/pkg/metrics"
)

// Batch collects calls and sends them as one JSON-RPC array. The batch
// succeeds or fails as a whole: the reply must hold exactly one response per
// request id, otherwise every call is rejected.
type Batch struct {
	rm      *RequestManager
	timeout time.Duration

	mu       sync.Mutex
	calls    []*BatchCall
	executed bool
}

// BatchCall is one call of a Batch. Its outcome is available once the batch
// has been executed.
type BatchCall struct {
	req *jsonrpc.Request

	once sync.Once
	done chan struct{}
	res  *jsonrpc.Response
	err  error
}

// NewBatch returns an empty batch using Config.BatchTimeout.
func (rm *RequestManager) NewBatch() *Batch {
	return rm.NewBatchWithTimeout(rm.cfg.BatchTimeout)
}

// NewBatchWithTimeout returns an empty batch with its own deadline. Zero
// disables the deadline.
func (rm *RequestManager) NewBatchWithTimeout(timeout time.Duration) *Batch {
	return &Batch{rm: rm, timeout: timeout}
}

// Add queues a call. Ids are assigned immediately.
func (b *Batch) Add(method string, params ...any) (*BatchCall, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.executed {
		return nil, jsonrpc.ErrBatchExecuted
	}
	req, err := b.rm.NewRequest(method, params...)
	if err != nil {
		return nil, err
	}
	call := &BatchCall{req: req, done: make(chan struct{})}
	b.calls = append(b.calls, call)
	return call, nil
}

// Len returns the number of queued calls.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// Execute sends the batch and settles every call. The replies are returned
// in request order. A node error for one call does not fail the batch; it is
// visible on that reply and on its BatchCall.
func (b *Batch) Execute(ctx context.Context) ([]*jsonrpc.Response, error) {
	b.mu.Lock()
	if b.executed {
		b.mu.Unlock()
		return nil, jsonrpc.ErrBatchExecuted
	}
	b.executed = true
	calls := slices.Clone(b.calls)
	b.mu.Unlock()

	if len(calls) == 0 {
		return []*jsonrpc.Response{}, nil
	}

	provider := b.rm.Provider()
	if provider == nil {
		b.rejectAll(calls, jsonrpc.ErrNoProvider)
		return nil, jsonrpc.ErrNoProvider
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	reqs := make([]*jsonrpc.Request, len(calls))
	for i, c := range calls {
		reqs[i] = c.req
	}

	ctx, span := b.rm.tracer.Start(ctx, "batch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.Int("rpc.batch.size", len(reqs)),
		))
	defer span.End()

	lg := b.rm.lg.WithKV("batchSize", len(reqs))
	ctx = log.SetContextLogger(ctx, lg)

	res, err := provider.SendBatch(ctx, reqs)
	if err == nil {
		res, err = reconcileBatch(reqs, res, b.rm.cfg.StrictBatchOrder)
	} else if ctxErr := ctx.Err(); ctxErr != nil {
		callErr := fmt.Errorf("%w: %w", jsonrpc.ErrBatchAborted, ctxErr)
		b.rejectAll(calls, callErr)
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %d calls after %s", jsonrpc.ErrBatchTimeout, len(reqs), b.timeout)
		} else {
			err = callErr
		}
	}

	if err != nil {
		b.rejectAll(calls, err)
		b.rm.cfg.Metrics.RecordBatch(len(reqs), outcomeOf(nil, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.FromContext(ctx).Warn("batch failed", "error", err)
		return nil, err
	}

	for i, c := range calls {
		c.resolve(res[i], res[i].Err())
	}
	b.rm.cfg.Metrics.RecordBatch(len(reqs), metrics.OutcomeSuccess)
	return res, nil
}

func (b *Batch) rejectAll(calls []*BatchCall, err error) {
	for _, c := range calls {
		c.resolve(nil, err)
	}
}

// Request returns the request of the call.
func (c *BatchCall) Request() *jsonrpc.Request {
	return c.req
}

// ID returns the request id of the call.
func (c *BatchCall) ID() jsonrpc.ID {
	return c.req.ID
}

func (c *BatchCall) resolve(res *jsonrpc.Response, err error) {
	c.once.Do(func() {
		c.res = res
		c.err = err
		close(c.done)
	})
}

// Wait blocks until the batch settles the call. A node error is returned as
// *jsonrpc.Error together with the reply.
func (c *BatchCall) Wait(ctx context.Context) (*jsonrpc.Response, error) {
	select {
	case <-c.done:
		return c.res, c.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", jsonrpc.ErrRequestAborted, ctx.Err())
	}
}

// Decode waits for the call and decodes its result into v.
func (c *BatchCall) Decode(ctx context.Context, v any) error {
	res, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	return res.Decode(v)
}

// reconcileBatch checks that res answers exactly the ids of reqs and returns
// the replies in request order.
func reconcileBatch(reqs []*jsonrpc.Request, res []*jsonrpc.Response, strict bool) ([]*jsonrpc.Response, error) {
	if len(res) != len(reqs) {
		return nil, fmt.Errorf("%w: sent %d, got %d", jsonrpc.ErrBatchSizeMismatch, len(reqs), len(res))
	}

	sent := make([]jsonrpc.ID, len(reqs))
	got := make([]jsonrpc.ID, len(res))
	for i, r := range res {
		if r == nil || r.ID == nil {
			return nil, fmt.Errorf("%w: reply %d has no id", jsonrpc.ErrBatchIDMismatch, i)
		}
		sent[i] = reqs[i].ID
		got[i] = *r.ID
	}

	if strict {
		if !slices.Equal(sent, got) {
			return nil, fmt.Errorf("%w: sent %v, got %v in that order", jsonrpc.ErrBatchIDMismatch, sent, got)
		}
	} else {
		sortedSent, sortedGot := slices.Clone(sent), slices.Clone(got)
		slices.Sort(sortedSent)
		slices.Sort(sortedGot)
		if !slices.Equal(sortedSent, sortedGot) {
			return nil, fmt.Errorf("%w: sent %v, got %v", jsonrpc.ErrBatchIDMismatch, sortedSent, sortedGot)
		}
	}

	byID := make(map[jsonrpc.ID]*jsonrpc.Response, len(res))
	for _, r := range res {
		byID[*r.ID] = r
	}
	ordered := make([]*jsonrpc.Response, len(reqs))
	for i, req := range reqs {
		ordered[i] = byID[req.ID]
		if err := ordered[i].Validate(); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
