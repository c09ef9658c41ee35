package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
)

// Callback receives the outcome of a legacy provider call. result is the
// full encoded reply, or reply array for a batch.
type Callback func(err error, result json.RawMessage)

// LegacyRequester is a provider exposing a callback-style "request" call.
type LegacyRequester interface {
	Request(payload json.RawMessage, callback Callback)
}

// LegacySender is a provider exposing a callback-style "send" call.
type LegacySender interface {
	Send(payload json.RawMessage, callback Callback)
}

// AsyncSender is a provider returning a one-shot result channel.
type AsyncSender interface {
	SendAsync(ctx context.Context, payload json.RawMessage) <-chan AsyncResult
}

// AsyncResult is delivered once on an AsyncSender channel.
type AsyncResult struct {
	Result json.RawMessage
	Err    error
}

// legacyAdapter turns one of the legacy provider shapes into a Transport.
// Nothing above this type knows which shape it wraps.
type legacyAdapter struct {
	shape    string
	provider any
	start    func(ctx context.Context, payload json.RawMessage) <-chan AsyncResult
}

var _ Transport = (*legacyAdapter)(nil)

func NewRequestAdapter(p LegacyRequester) Transport {
	return &legacyAdapter{shape: "request", provider: p, start: viaCallback(p.Request)}
}

func NewSendAdapter(p LegacySender) Transport {
	return &legacyAdapter{shape: "send", provider: p, start: viaCallback(p.Send)}
}

func NewAsyncAdapter(p AsyncSender) Transport {
	return &legacyAdapter{shape: "sendAsync", provider: p, start: p.SendAsync}
}

// viaCallback keeps only the first callback invocation.
func viaCallback(call func(json.RawMessage, Callback)) func(context.Context, json.RawMessage) <-chan AsyncResult {
	return func(_ context.Context, payload json.RawMessage) <-chan AsyncResult {
		out := make(chan AsyncResult, 1)
		var once sync.Once
		call(payload, func(err error, result json.RawMessage) {
			once.Do(func() { out <- AsyncResult{Result: result, Err: err} })
		})
		return out
	}
}

func (a *legacyAdapter) roundTrip(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	select {
	case r, ok := <-a.start(ctx, payload):
		if !ok {
			return nil, fmt.Errorf("%w: %s provider closed without a result", jsonrpc.ErrMalformedBody, a.shape)
		}
		if r.Err != nil {
			return nil, fmt.Errorf("%w: %w", jsonrpc.ErrSendingRequest, r.Err)
		}
		return r.Result, nil
	case <-ctx.Done():
		return nil, contextError(ctx)
	}
}

func (a *legacyAdapter) Send(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", jsonrpc.ErrInvalidParams)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", jsonrpc.ErrMarshalingRequest, err)
	}

	raw, err := a.roundTrip(ctx, payload)
	if err != nil {
		return nil, err
	}
	var res jsonrpc.Response
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: %w", jsonrpc.ErrMalformedBody, err)
	}
	return &res, nil
}

func (a *legacyAdapter) SendBatch(ctx context.Context, reqs []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", jsonrpc.ErrMarshalingRequest, err)
	}

	raw, err := a.roundTrip(ctx, payload)
	if err != nil {
		return nil, err
	}
	var res []*jsonrpc.Response
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: %w", jsonrpc.ErrMalformedBody, err)
	}
	return res, nil
}

// Close closes the wrapped provider when it implements io.Closer.
func (a *legacyAdapter) Close() error {
	if c, ok := a.provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
