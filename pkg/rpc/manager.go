package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/erc7824/nitrolite/chainrpc/pkg/event"
	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
	"github.com/erc7824/nitrolite/chainrpc/pkg/log"
	"github.com/erc7824/nitrolite/chainrpc/pkg/metrics"
	"github.com/erc7824/nitrolite/chainrpc/pkg/transport"
)

const tracerName = "github.com/erc7824/nitrolite/chainrpc/pkg/rpc"

// RequestManager assigns request ids, sends calls through the current
// provider and validates the replies. The provider can be replaced at any
// time; hooks registered on the manager follow the replacement.
type RequestManager struct {
	cfg    Config
	lg     log.Logger
	tracer trace.Tracer
	nextID atomic.Uint64

	mu       sync.RWMutex
	provider transport.Transport
	owned    bool
	detach   []func()

	beforeChange  event.Handlers[transport.Transport]
	changed       event.Handlers[transport.Transport]
	notifications event.Handlers[*jsonrpc.Response]
	connState     event.Handlers[transport.StateEvent]
}

// NewRequestManager resolves descriptor into a provider. A nil descriptor
// leaves the manager without a provider; calls then fail with
// jsonrpc.ErrNoProvider until SetProvider is called.
func NewRequestManager(ctx context.Context, descriptor any, cfg Config) (*RequestManager, error) {
	if cfg.Registry == nil {
		cfg.Registry = EthRegistry()
	}

	rm := &RequestManager{
		cfg:    cfg,
		lg:     log.FromContext(ctx).WithName("rpc"),
		tracer: otel.Tracer(tracerName),
	}
	if descriptor == nil {
		return rm, nil
	}
	if err := rm.SetProvider(ctx, descriptor); err != nil {
		return nil, err
	}
	return rm, nil
}

// Config returns the manager configuration.
func (rm *RequestManager) Config() Config {
	return rm.cfg
}

// Metrics returns the configured metrics, possibly nil.
func (rm *RequestManager) Metrics() *metrics.Metrics {
	return rm.cfg.Metrics
}

// Provider returns the current transport, or nil.
func (rm *RequestManager) Provider() transport.Transport {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.provider
}

// SupportsSubscriptions reports whether the current provider can carry
// server pushes.
func (rm *RequestManager) SupportsSubscriptions() bool {
	p := rm.Provider()
	return p != nil && transport.SupportsSubscriptions(p)
}

// SetProvider replaces the provider. Before-change hooks run with the old
// provider while it is still current, changed hooks run with the new one.
// A provider the manager created from an endpoint string is closed once
// replaced.
func (rm *RequestManager) SetProvider(ctx context.Context, descriptor any) error {
	next, err := transport.Resolve(ctx, descriptor, rm.cfg.Transport)
	if err != nil {
		return err
	}
	_, owned := descriptor.(string)

	old := rm.Provider()
	if old == next {
		return nil
	}
	if old != nil {
		rm.beforeChange.Emit(old)
	}

	rm.mu.Lock()
	oldOwned := rm.owned
	for _, remove := range rm.detach {
		remove()
	}
	rm.detach = nil
	rm.provider = next
	rm.owned = owned
	if d, ok := next.(transport.Duplex); ok {
		rm.detach = append(rm.detach,
			d.OnNotification(rm.notifications.Emit),
			d.OnStateChange(rm.connState.Emit),
		)
	}
	rm.mu.Unlock()

	if old != nil && oldOwned {
		if err := old.Close(); err != nil {
			rm.lg.Warn("failed to close replaced provider", "error", err)
		}
	}

	rm.lg.Info("provider changed", "provider", fmt.Sprintf("%T", next), "subscriptions", transport.SupportsSubscriptions(next))
	rm.changed.Emit(next)
	return nil
}

// OnBeforeProviderChange registers h to run with the outgoing provider.
func (rm *RequestManager) OnBeforeProviderChange(h func(old transport.Transport)) (remove func()) {
	return rm.beforeChange.Add(h)
}

// OnProviderChanged registers h to run with the new provider.
func (rm *RequestManager) OnProviderChanged(h func(next transport.Transport)) (remove func()) {
	return rm.changed.Add(h)
}

// OnNotification registers h for notifications of whichever duplex provider
// is current.
func (rm *RequestManager) OnNotification(h func(*jsonrpc.Response)) (remove func()) {
	return rm.notifications.Add(h)
}

// OnConnectionState registers h for state changes of whichever duplex
// provider is current.
func (rm *RequestManager) OnConnectionState(h func(transport.StateEvent)) (remove func()) {
	return rm.connState.Add(h)
}

// NewRequest builds a request with the next id.
func (rm *RequestManager) NewRequest(method string, params ...any) (*jsonrpc.Request, error) {
	if method == "" {
		return nil, fmt.Errorf("%w: empty method", jsonrpc.ErrInvalidParams)
	}
	return jsonrpc.NewRequest(jsonrpc.ID(rm.nextID.Add(1)), method, params...)
}

// Do sends req and validates the reply. A reply carrying a node error is
// returned as is; use Send or Call to get it as an error.
func (rm *RequestManager) Do(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	provider := rm.Provider()
	if provider == nil {
		return nil, jsonrpc.ErrNoProvider
	}

	ctx, span := rm.tracer.Start(ctx, req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", req.Method),
			attribute.Int64("rpc.jsonrpc.request_id", int64(req.ID)),
		))
	defer span.End()

	lg := rm.lg.WithKV("method", req.Method).WithKV("id", req.ID)
	ctx = log.SetContextLogger(ctx, lg)
	lg = log.FromContext(ctx)

	start := time.Now()
	res, err := provider.Send(ctx, req)
	if err == nil {
		err = validateResponse(req, res)
	}
	rm.cfg.Metrics.RecordRequest(req.Method, outcomeOf(res, err), time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		lg.Debug("request failed", "error", err)
		return nil, err
	}
	if res.Error != nil {
		span.SetStatus(codes.Error, res.Error.Message)
		lg.Debug("node returned error", "code", res.Error.Code, "message", res.Error.Message)
	}
	return res, nil
}

// Send calls method and returns the raw result. A node error is returned as
// *jsonrpc.Error.
func (rm *RequestManager) Send(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	req, err := rm.NewRequest(method, params...)
	if err != nil {
		return nil, err
	}
	res, err := rm.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, res.Error
	}
	return res.Result, nil
}

// Call calls method and decodes the result into result.
func (rm *RequestManager) Call(ctx context.Context, result any, method string, params ...any) error {
	req, err := rm.NewRequest(method, params...)
	if err != nil {
		return err
	}
	res, err := rm.Do(ctx, req)
	if err != nil {
		return err
	}
	if result == nil {
		return res.Err()
	}
	return res.Decode(result)
}

// SendBatch delivers reqs as one batch and reconciles the replies. The
// returned replies follow request order. Use NewBatch for per-call results.
func (rm *RequestManager) SendBatch(ctx context.Context, reqs []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	provider := rm.Provider()
	if provider == nil {
		return nil, jsonrpc.ErrNoProvider
	}
	if len(reqs) == 0 {
		return []*jsonrpc.Response{}, nil
	}

	res, err := provider.SendBatch(ctx, reqs)
	if err != nil {
		rm.cfg.Metrics.RecordBatch(len(reqs), outcomeOf(nil, err))
		return nil, err
	}
	ordered, err := reconcileBatch(reqs, res, rm.cfg.StrictBatchOrder)
	if err != nil {
		rm.cfg.Metrics.RecordBatch(len(reqs), metrics.OutcomeFailure)
		return nil, err
	}
	rm.cfg.Metrics.RecordBatch(len(reqs), metrics.OutcomeSuccess)
	return ordered, nil
}

// Close closes the provider when the manager created it.
func (rm *RequestManager) Close() error {
	rm.mu.Lock()
	provider, owned := rm.provider, rm.owned
	for _, remove := range rm.detach {
		remove()
	}
	rm.detach = nil
	rm.provider = nil
	rm.owned = false
	rm.mu.Unlock()

	if provider != nil && owned {
		return provider.Close()
	}
	return nil
}

func validateResponse(req *jsonrpc.Request, res *jsonrpc.Response) error {
	if err := res.Validate(); err != nil {
		return err
	}
	if *res.ID != req.ID {
		return fmt.Errorf("%w: sent %d, got %d", jsonrpc.ErrResponseIDMismatch, req.ID, *res.ID)
	}
	return nil
}

func outcomeOf(res *jsonrpc.Response, err error) string {
	switch {
	case errors.Is(err, jsonrpc.ErrTimeout):
		return metrics.OutcomeTimeout
	case err != nil:
		return metrics.OutcomeFailure
	case res != nil && res.Error != nil:
		return metrics.OutcomeRPCError
	default:
		return metrics.OutcomeSuccess
	}
}
